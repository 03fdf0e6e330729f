package ari

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{URL: srv.URL, Username: "u", Password: "p", App: "dialcast"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, srv
}

func TestOriginate_SendsCorrelationAndAuth(t *testing.T) {
	var got map[string]any
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "p" {
			t.Errorf("missing or wrong basic auth")
		}
		if r.Method != http.MethodPost || r.URL.Path != "/channels" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(Channel{ID: "chan-1", State: "Down"})
	})

	ch, err := c.Originate(context.Background(), OriginateRequest{
		Endpoint:       "PJSIP/+15550001@route-1",
		CallerID:       "+15559999",
		TimeoutSeconds: 30,
		AppArgs:        []string{"camp-1", "sess-1"},
		Variables:      map[string]string{"DIALCAST_SESSION": "sess-1"},
	})
	if err != nil {
		t.Fatalf("Originate: %v", err)
	}
	if ch.ID != "chan-1" {
		t.Fatalf("expected channel id chan-1, got %q", ch.ID)
	}
	if got["app"] != "dialcast" {
		t.Fatalf("expected app dialcast, got %v", got["app"])
	}
	if got["appArgs"] != "camp-1,sess-1" {
		t.Fatalf("expected joined appArgs, got %v", got["appArgs"])
	}
	vars, _ := got["variables"].(map[string]any)
	if vars["DIALCAST_SESSION"] != "sess-1" {
		t.Fatalf("expected session variable, got %v", got["variables"])
	}
}

func TestOriginate_RequiresEndpoint(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if _, err := c.Originate(context.Background(), OriginateRequest{}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}

func TestDo_MapsAPIErrors(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Endpoint not found"}`, http.StatusBadRequest)
	})

	_, err := c.Originate(context.Background(), OriginateRequest{Endpoint: "PJSIP/x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", apiErr.StatusCode)
	}
}

func TestHangup_SetsReason(t *testing.T) {
	var gotReason string
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		gotReason = r.URL.Query().Get("reason")
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.Hangup(context.Background(), "chan-1", "busy"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if gotReason != "busy" {
		t.Fatalf("expected reason busy, got %q", gotReason)
	}
}

func TestDestroyBridge_IgnoresNotFound(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bridge not found"}`, http.StatusNotFound)
	})
	if err := c.DestroyBridge(context.Background(), "br-1"); err != nil {
		t.Fatalf("expected not-found to be swallowed, got %v", err)
	}
}

func TestDecodeEvent(t *testing.T) {
	raw := `{"type":"StasisStart","application":"dialcast","args":["camp-1","sess-1"],"channel":{"id":"chan-1","state":"Up"}}`
	e, err := DecodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if e.Type != EventStasisStart {
		t.Fatalf("expected StasisStart, got %q", e.Type)
	}
	if len(e.Args) != 2 || e.Args[1] != "sess-1" {
		t.Fatalf("unexpected args %v", e.Args)
	}
	if e.ChannelID() != "chan-1" {
		t.Fatalf("unexpected channel id %q", e.ChannelID())
	}
}

func TestDecodeEvent_RejectsTypeless(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"application":"dialcast"}`)); err == nil {
		t.Fatalf("expected error for event without type")
	}
}

func TestCauseName(t *testing.T) {
	if got := CauseName(17); got != "user_busy" {
		t.Fatalf("expected user_busy, got %q", got)
	}
	if got := CauseName(9999); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}
