package ari

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Handler receives every decoded event, in stream arrival order.
// It runs on the stream goroutine and must not block.
type Handler func(Event)

// Stream consumes the ARI websocket event feed for one application and
// reconnects with capped backoff when the connection drops. Events for a
// given channel arrive in order; no ordering holds across channels.
type Stream struct {
	cfg     Config
	handler Handler
	log     *slog.Logger

	dialer *websocket.Dialer

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewStream(cfg Config, handler Handler, log *slog.Logger) *Stream {
	return &Stream{
		cfg:            cfg,
		handler:        handler,
		log:            log,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
	}
}

// Run blocks until ctx is cancelled, maintaining the connection.
func (s *Stream) Run(ctx context.Context) error {
	backoff := s.initialBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := s.connect(ctx)
		if err != nil {
			s.log.Error("ari stream connect failed", "err", err, "retry_in", backoff.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, s.maxBackoff)
			continue
		}

		s.log.Info("ari stream connected", "app", s.cfg.App)
		backoff = s.initialBackoff

		if err := s.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
			s.log.Error("ari stream read failed", "err", err)
		}
		_ = conn.Close()
	}
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.eventsURL(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		e, err := DecodeEvent(data)
		if err != nil {
			// Malformed frames are logged and skipped; the stream
			// itself is still healthy.
			s.log.Debug("ari stream skipping frame", "err", err)
			continue
		}
		s.handler(e)
	}
}

func (s *Stream) eventsURL() string {
	base := s.cfg.URL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.TrimRight(base, "/")

	q := url.Values{}
	q.Set("app", s.cfg.App)
	q.Set("api_key", s.cfg.Username+":"+s.cfg.Password)
	q.Set("subscribeAll", "false")
	return base + "/events?" + q.Encode()
}
