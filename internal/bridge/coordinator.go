package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dialcast/internal/ari"
)

var (
	ErrDialTimeout = errors.New("bridge: agent leg not answered in time")
	ErrDialActive  = errors.New("bridge: session already has a dial in progress")
)

// AppArgBridge marks a stasis entry as the second leg of a transfer;
// the event router hands those channels to HandleJoin instead of
// starting a new flow.
const AppArgBridge = "bridge"

// Controller is the slice of the PBX control API the coordinator needs.
type Controller interface {
	CreateBridge(ctx context.Context, bridgeID string) (ari.Bridge, error)
	DestroyBridge(ctx context.Context, bridgeID string) error
	AddChannel(ctx context.Context, bridgeID, channelID string) error
	Originate(ctx context.Context, req ari.OriginateRequest) (ari.Channel, error)
	Hangup(ctx context.Context, channelID, reason string) error
}

// DialRequest describes the agent leg of a transfer.
type DialRequest struct {
	Endpoint       string
	CallerID       string
	TimeoutSeconds int
}

// DialResult reports how a transfer attempt ended.
type DialResult struct {
	Connected      bool
	BridgeID       string
	AgentChannelID string
	Reason         string
}

// Coordinator connects an in-flow call to a second dialed leg through a
// mixing bridge. One dial per session at a time; every exit path tears
// the bridge down.
type Coordinator struct {
	ctl Controller
	log *slog.Logger

	mu      sync.Mutex
	waiting map[string]*pendingDial
}

type pendingDial struct {
	bridgeID string
	joined   chan string
}

func NewCoordinator(ctl Controller, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		ctl:     ctl,
		log:     log,
		waiting: make(map[string]*pendingDial),
	}
}

// Dial bridges the origin channel with a freshly originated agent leg.
// It blocks until the agent joins, the ring timeout passes, or ctx is
// cancelled.
func (c *Coordinator) Dial(ctx context.Context, sessionID, originChannelID string, req DialRequest) (DialResult, error) {
	if req.Endpoint == "" {
		return DialResult{}, errors.New("bridge: empty endpoint")
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	bridgeID := uuid.NewString()
	pd := &pendingDial{bridgeID: bridgeID, joined: make(chan string, 1)}

	c.mu.Lock()
	if _, ok := c.waiting[sessionID]; ok {
		c.mu.Unlock()
		return DialResult{}, ErrDialActive
	}
	c.waiting[sessionID] = pd
	c.mu.Unlock()
	defer c.forget(sessionID)

	if _, err := c.ctl.CreateBridge(ctx, bridgeID); err != nil {
		return DialResult{}, fmt.Errorf("bridge: create: %w", err)
	}
	teardown := func() {
		if err := c.ctl.DestroyBridge(context.WithoutCancel(ctx), bridgeID); err != nil {
			c.log.Warn("bridge teardown failed", "bridge_id", bridgeID, "err", err)
		}
	}

	if err := c.ctl.AddChannel(ctx, bridgeID, originChannelID); err != nil {
		teardown()
		return DialResult{}, fmt.Errorf("bridge: add origin channel: %w", err)
	}

	agent, err := c.ctl.Originate(ctx, ari.OriginateRequest{
		Endpoint:       req.Endpoint,
		CallerID:       req.CallerID,
		TimeoutSeconds: req.TimeoutSeconds,
		AppArgs:        []string{AppArgBridge, sessionID, bridgeID},
	})
	if err != nil {
		teardown()
		return DialResult{}, fmt.Errorf("bridge: originate agent leg: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case channelID := <-pd.joined:
		c.log.Info("agent leg bridged",
			"session_id", sessionID, "bridge_id", bridgeID, "channel_id", channelID)
		return DialResult{
			Connected:      true,
			BridgeID:       bridgeID,
			AgentChannelID: channelID,
		}, nil

	case <-timer.C:
		_ = c.ctl.Hangup(context.WithoutCancel(ctx), agent.ID, "normal")
		teardown()
		return DialResult{BridgeID: bridgeID, Reason: "ring timeout"}, ErrDialTimeout

	case <-ctx.Done():
		_ = c.ctl.Hangup(context.WithoutCancel(ctx), agent.ID, "normal")
		teardown()
		return DialResult{BridgeID: bridgeID, Reason: "cancelled"}, ctx.Err()
	}
}

// HandleJoin completes a pending dial when the agent leg enters stasis.
// It returns false for stale or unknown joins; the caller hangs those
// channels up.
func (c *Coordinator) HandleJoin(ctx context.Context, sessionID, bridgeID, channelID string) bool {
	c.mu.Lock()
	pd, ok := c.waiting[sessionID]
	c.mu.Unlock()
	if !ok || pd.bridgeID != bridgeID {
		return false
	}

	if err := c.ctl.AddChannel(ctx, bridgeID, channelID); err != nil {
		c.log.Warn("agent join failed", "session_id", sessionID, "bridge_id", bridgeID, "err", err)
		return false
	}
	select {
	case pd.joined <- channelID:
	default:
		// Dial already decided; the bridge is being torn down.
	}
	return true
}

// Release destroys a bridge left over from a connected dial once the
// call ends.
func (c *Coordinator) Release(ctx context.Context, bridgeID string) {
	if bridgeID == "" {
		return
	}
	if err := c.ctl.DestroyBridge(ctx, bridgeID); err != nil {
		c.log.Warn("bridge release failed", "bridge_id", bridgeID, "err", err)
	}
}

func (c *Coordinator) forget(sessionID string) {
	c.mu.Lock()
	delete(c.waiting, sessionID)
	c.mu.Unlock()
}
