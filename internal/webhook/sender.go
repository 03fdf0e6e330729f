package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"dialcast/internal/config"
	"dialcast/internal/metrics"
)

// Sender delivers event payloads to the configured subscriber URL.
// Deliveries are fire-and-forget: a failure is logged and counted, never
// retried, and never blocks call processing.
type Sender struct {
	url    string
	signer *Signer
	client *http.Client
	log    *slog.Logger
	clock  func() time.Time
}

// NewSender returns nil when no URL is configured; the nil Sender
// swallows all deliveries.
func NewSender(cfg config.WebhookConfig, log *slog.Logger) (*Sender, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	signer, err := NewSigner(cfg.SigningSecret)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		url:    cfg.URL,
		signer: signer,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
		clock:  time.Now,
	}, nil
}

// Send queues one delivery. Safe on a nil receiver.
func (s *Sender) Send(ctx context.Context, p Payload) {
	if s == nil {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = s.clock().UTC()
	}
	go s.deliver(context.WithoutCancel(ctx), p)
}

func (s *Sender) deliver(ctx context.Context, p Payload) {
	body, err := json.Marshal(p)
	if err != nil {
		s.fail(p, err)
		return
	}
	token, err := s.signer.Sign(s.clock().UTC(), p.Event, p.SessionID)
	if err != nil {
		s.fail(p, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.fail(p, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		s.fail(p, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warn("webhook delivery rejected",
			"event", p.Event, "session_id", p.SessionID, "status", resp.StatusCode)
		metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
}

func (s *Sender) fail(p Payload, err error) {
	s.log.Warn("webhook delivery failed", "event", p.Event, "session_id", p.SessionID, "err", err)
	metrics.WebhookDeliveries.WithLabelValues("error").Inc()
}
