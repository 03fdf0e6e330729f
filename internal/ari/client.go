package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a thin adapter over the PBX's ARI REST control plane.
//
// Rules:
// - No business logic here; translate requests/responses only.
// - Callers decide what an error means; this package only reports it.
type Client struct {
	baseURL  string
	username string
	password string
	app      string

	httpClient *http.Client
}

// Config describes how to reach the control plane.
type Config struct {
	// URL is the REST base, e.g. http://pbx:8088/ari
	URL      string
	Username string
	Password string

	// App is the Stasis application channels are handed to.
	App string

	HTTPTimeout time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("ari: url is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("ari: credentials are required")
	}
	if cfg.App == "" {
		return nil, errors.New("ari: app name is required")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		app:        cfg.App,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// App returns the Stasis application name this client is scoped to.
func (c *Client) App() string { return c.app }

// APIError is a non-2xx response from the control plane.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ari: status %d: %s", e.StatusCode, e.Body)
}

// Channel is one call leg as seen by the PBX.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Bridge is a PBX mixing resource.
type Bridge struct {
	ID   string `json:"id"`
	Type string `json:"bridge_type"`
}

// Playback is a running media playback on a channel.
type Playback struct {
	ID       string `json:"id"`
	MediaURI string `json:"media_uri"`
	State    string `json:"state"`
}

// OriginateRequest starts a new outbound channel into the application.
type OriginateRequest struct {
	// Endpoint is the PBX dial string, e.g. PJSIP/+15551234@route-7.
	Endpoint string

	CallerID       string
	TimeoutSeconds int

	// AppArgs are positional strings delivered with the StasisStart event
	// and carry the session correlation.
	AppArgs []string

	// Variables are set on the channel at origination.
	Variables map[string]string
}

// Originate creates a channel and returns it once the PBX acknowledges.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (Channel, error) {
	if req.Endpoint == "" {
		return Channel{}, errors.New("ari: endpoint is required")
	}
	body := map[string]any{
		"endpoint": req.Endpoint,
		"app":      c.app,
	}
	if len(req.AppArgs) > 0 {
		body["appArgs"] = strings.Join(req.AppArgs, ",")
	}
	if req.CallerID != "" {
		body["callerId"] = req.CallerID
	}
	if req.TimeoutSeconds > 0 {
		body["timeout"] = req.TimeoutSeconds
	}
	if len(req.Variables) > 0 {
		body["variables"] = req.Variables
	}

	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/channels", nil, body, &ch); err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// Answer answers a ringing channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil, nil)
}

// Hangup terminates a channel. reason maps to a hangup cause on the PBX
// side; empty means normal clearing.
func (c *Client) Hangup(ctx context.Context, channelID, reason string) error {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), q, nil, nil)
}

// Play starts playback of a media URI on a channel and returns the
// playback id used to correlate PlaybackFinished events.
func (c *Client) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	if mediaURI == "" {
		return "", errors.New("ari: media uri is required")
	}
	body := map[string]any{"media": mediaURI}
	var pb Playback
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play", nil, body, &pb); err != nil {
		return "", err
	}
	return pb.ID, nil
}

// StopPlayback cancels a running playback.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.do(ctx, http.MethodDelete, "/playbacks/"+url.PathEscape(playbackID), nil, nil, nil)
}

// RecordRequest captures a short recording from a live channel.
type RecordRequest struct {
	Name               string
	Format             string
	MaxDurationSeconds int
	MaxSilenceSeconds  int
	Beep               bool
}

// Record starts a recording on a channel; completion arrives as a
// RecordingFinished event carrying the same name.
func (c *Client) Record(ctx context.Context, channelID string, req RecordRequest) error {
	if req.Name == "" {
		return errors.New("ari: recording name is required")
	}
	format := req.Format
	if format == "" {
		format = "wav"
	}
	q := url.Values{}
	q.Set("name", req.Name)
	q.Set("format", format)
	if req.MaxDurationSeconds > 0 {
		q.Set("maxDurationSeconds", strconv.Itoa(req.MaxDurationSeconds))
	}
	if req.MaxSilenceSeconds > 0 {
		q.Set("maxSilenceSeconds", strconv.Itoa(req.MaxSilenceSeconds))
	}
	if req.Beep {
		q.Set("beep", "true")
	}
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/record", q, nil, nil)
}

// CreateBridge creates a mixing bridge with the given id.
func (c *Client) CreateBridge(ctx context.Context, bridgeID string) (Bridge, error) {
	body := map[string]any{"type": "mixing", "bridgeId": bridgeID}
	var b Bridge
	if err := c.do(ctx, http.MethodPost, "/bridges", nil, body, &b); err != nil {
		return Bridge{}, err
	}
	return b, nil
}

// DestroyBridge tears a bridge down. Destroying an already-gone bridge
// is not an error; the PBX may have cleaned it up first.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	err := c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// AddChannel places a channel into a bridge.
func (c *Client) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ari: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ari: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ari: decode response: %w", err)
	}
	return nil
}
