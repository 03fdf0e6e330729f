package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"dialcast/internal/ari"
	"dialcast/internal/audit"
	"dialcast/internal/metrics"
)

// Originator is the slice of the control plane the dispatcher needs.
type Originator interface {
	Originate(ctx context.Context, req ari.OriginateRequest) (ari.Channel, error)
}

// EndpointResolver turns a route id and a destination number into a
// PBX dial string.
type EndpointResolver interface {
	DialEndpoint(ctx context.Context, routeID, number string) (string, error)
}

// Counter receives live per-campaign counters (dialed/connected/failed).
// Implementations must be cheap; the dispatcher calls them inline.
type Counter interface {
	Incr(ctx context.Context, campaignID, name string)
}

// Correlation variable names set on every originated channel.
const (
	VarCampaignID = "DIALCAST_CAMPAIGN"
	VarSessionID  = "DIALCAST_SESSION"
)

// slotGrace pads the slot TTL past the ring timeout so a normally
// completing session is never expired out from under itself.
const slotGrace = 30 * time.Second

// Dispatcher converts campaign pacing configuration into a stream of
// call originations, one scheduling loop per running campaign.
//
// Pacing is a token bucket: carry accumulates callsPerMinute/60 per
// one-second tick and is spent on reserved leads. The concurrency bound
// is enforced twice: locally against the in-flight set, and atomically
// in redis so multiple dispatcher instances share one budget.
type Dispatcher struct {
	store     Store
	slots     Slots
	origin    Originator
	endpoints EndpointResolver
	counters  Counter
	audit     *audit.Service
	log       *slog.Logger

	clock func() time.Time
	tick  time.Duration

	// baseCtx outlives individual loops so in-flight dials drain
	// naturally when a campaign pauses.
	baseCtx context.Context

	mu    sync.Mutex
	loops map[string]*loop
}

// DispatcherDeps wires the dispatcher; Counter and Audit are optional.
type DispatcherDeps struct {
	Store     Store
	Slots     Slots
	Origin    Originator
	Endpoints EndpointResolver
	Counters  Counter
	Audit     *audit.Service
	Log       *slog.Logger

	// TickInterval defaults to one second; tests shorten it.
	TickInterval time.Duration
	Clock        func() time.Time
}

func NewDispatcher(ctx context.Context, deps DispatcherDeps) *Dispatcher {
	tick := deps.TickInterval
	if tick <= 0 {
		tick = time.Second
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:     deps.Store,
		slots:     deps.Slots,
		origin:    deps.Origin,
		endpoints: deps.Endpoints,
		counters:  deps.Counters,
		audit:     deps.Audit,
		log:       log,
		clock:     clock,
		tick:      tick,
		baseCtx:   ctx,
		loops:     make(map[string]*loop),
	}
}

type loop struct {
	campaignID string
	cancel     context.CancelFunc

	mu       sync.Mutex
	carry    float64
	inflight map[string]*inflightCall
}

type inflightCall struct {
	leadID string
	timer  *time.Timer
}

// Start begins (or resumes) a campaign's scheduling loop.
func (d *Dispatcher) Start(ctx context.Context, campaignID string) error {
	if err := d.store.TransitionCampaign(ctx, campaignID,
		[]CampaignState{CampaignScheduled, CampaignPaused}, CampaignRunning); err != nil {
		return err
	}

	d.mu.Lock()
	if _, ok := d.loops[campaignID]; ok {
		d.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(d.baseCtx)
	lp := &loop{
		campaignID: campaignID,
		cancel:     cancel,
		inflight:   make(map[string]*inflightCall),
	}
	d.loops[campaignID] = lp
	d.mu.Unlock()

	metrics.RunningCampaigns.Inc()
	d.audit.Record(ctx, audit.Event{Type: audit.EventCampaignStarted, CampaignID: campaignID})
	d.log.Info("campaign loop started", "campaign_id", campaignID)

	go d.run(loopCtx, lp)
	return nil
}

// Pause stops scheduling; in-flight sessions drain naturally.
func (d *Dispatcher) Pause(ctx context.Context, campaignID string) error {
	if err := d.store.TransitionCampaign(ctx, campaignID,
		[]CampaignState{CampaignRunning}, CampaignPaused); err != nil {
		return err
	}
	d.audit.Record(ctx, audit.Event{Type: audit.EventCampaignPaused, CampaignID: campaignID})
	return nil
}

// Stop ends a campaign; it cannot be resumed afterwards.
func (d *Dispatcher) Stop(ctx context.Context, campaignID string) error {
	if err := d.store.TransitionCampaign(ctx, campaignID,
		[]CampaignState{CampaignRunning, CampaignPaused, CampaignScheduled}, CampaignStopped); err != nil {
		return err
	}
	d.audit.Record(ctx, audit.Event{Type: audit.EventCampaignStopped, CampaignID: campaignID})
	return nil
}

// Shutdown cancels every loop; used at process exit.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, lp := range d.loops {
		lp.cancel()
	}
}

// OnSessionComplete releases the concurrency slot once the flow runtime
// reports the session's terminal webhook. Implements the runtime's
// completion listener.
func (d *Dispatcher) OnSessionComplete(campaignID, sessionID string) {
	d.mu.Lock()
	lp := d.loops[campaignID]
	d.mu.Unlock()

	if lp == nil {
		// Campaign paused or stopped while the call drained; the slot
		// is still held.
		_ = d.slots.Release(d.baseCtx, campaignID)
		return
	}
	if lp.remove(sessionID) {
		_ = d.slots.Release(d.baseCtx, campaignID)
	}
	d.maybeComplete(d.baseCtx, lp)
}

func (d *Dispatcher) run(ctx context.Context, lp *loop) {
	defer func() {
		d.mu.Lock()
		delete(d.loops, lp.campaignID)
		d.mu.Unlock()
		metrics.RunningCampaigns.Dec()
		d.log.Info("campaign loop exited", "campaign_id", lp.campaignID)
	}()

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.runTick(ctx, lp) {
				return
			}
		}
	}
}

// runTick executes one scheduling round; false exits the loop.
func (d *Dispatcher) runTick(ctx context.Context, lp *loop) bool {
	c, err := d.store.GetCampaign(ctx, lp.campaignID)
	if err != nil {
		d.log.Error("campaign lookup failed, stopping loop", "campaign_id", lp.campaignID, "err", err)
		return false
	}
	if c.State != CampaignRunning {
		// External pause/stop; discard scheduler state.
		return false
	}

	lp.mu.Lock()
	lp.carry += c.CallsPerMinute / 60
	// Cap the bucket at one minute of budget so an idle queue cannot
	// bank an unbounded burst.
	if max := math.Max(c.CallsPerMinute, 1); lp.carry > max {
		lp.carry = max
	}
	available := c.MaxConcurrentCalls - len(lp.inflight)
	toSchedule := available
	if floor := int(lp.carry); floor < toSchedule {
		toSchedule = floor
	}
	lp.mu.Unlock()

	if toSchedule <= 0 {
		d.maybeComplete(ctx, lp)
		return true
	}

	leads, err := d.store.ReserveLeads(ctx, c.ID, toSchedule, d.clock())
	if err != nil {
		d.log.Error("lead reservation failed", "campaign_id", c.ID, "err", err)
		return true
	}

	// Spend carry for leads actually reserved, not for toSchedule, so a
	// short queue does not leak pacing budget.
	lp.mu.Lock()
	lp.carry -= float64(len(leads))
	lp.mu.Unlock()

	if len(leads) > 0 {
		metrics.LeadsReserved.Add(float64(len(leads)))
	}
	for _, lead := range leads {
		go d.dial(c, lead, lp)
	}

	d.maybeComplete(ctx, lp)
	return true
}

// dial places one call for a reserved lead. It runs on baseCtx so a
// loop cancellation does not abort an origination already underway.
func (d *Dispatcher) dial(c Campaign, lead Lead, lp *loop) {
	ctx := d.baseCtx
	ttl := time.Duration(c.RingTimeoutSeconds)*time.Second + slotGrace

	ok, err := d.slots.Acquire(ctx, c.ID, c.MaxConcurrentCalls, ttl)
	if err != nil || !ok {
		if err != nil {
			d.log.Error("slot acquire failed", "campaign_id", c.ID, "err", err)
		}
		if uerr := d.store.UnreserveLead(ctx, lead.ID); uerr != nil {
			d.log.Error("lead unreserve failed", "lead_id", lead.ID, "err", uerr)
		}
		return
	}

	now := d.clock().UTC()
	sessionID := uuid.NewString()
	if err := d.store.CreateSession(ctx, CallSession{
		ID:         sessionID,
		CampaignID: c.ID,
		LeadID:     lead.ID,
		State:      SessionPlacing,
		CreatedAt:  now,
	}); err != nil {
		d.log.Error("session create failed", "lead_id", lead.ID, "err", err)
		_ = d.slots.Release(ctx, c.ID)
		_ = d.store.UnreserveLead(ctx, lead.ID)
		return
	}

	lp.add(sessionID, lead.ID, time.AfterFunc(ttl, func() {
		d.expire(c.ID, sessionID)
	}))

	endpoint, err := d.endpoints.DialEndpoint(ctx, c.RouteID, lead.Number)
	if err != nil {
		d.failDial(ctx, c, lead, lp, sessionID, fmt.Sprintf("route %s: %v", c.RouteID, err))
		return
	}

	ch, err := d.origin.Originate(ctx, ari.OriginateRequest{
		Endpoint:       endpoint,
		CallerID:       c.CallerID,
		TimeoutSeconds: c.RingTimeoutSeconds,
		AppArgs:        []string{c.ID, sessionID},
		Variables: map[string]string{
			VarCampaignID: c.ID,
			VarSessionID:  sessionID,
		},
	})
	if err != nil {
		d.failDial(ctx, c, lead, lp, sessionID, err.Error())
		return
	}

	if err := d.store.SetSessionRinging(ctx, sessionID, ch.ID); err != nil {
		// The channel exists; the session may already have raced to a
		// terminal state. Log and let events drive the rest.
		d.log.Error("session ringing update failed", "session_id", sessionID, "err", err)
	}
	metrics.CallsOriginated.Inc()
	d.incr(ctx, c.ID, "dialed")
	d.log.Info("call originated",
		"campaign_id", c.ID, "session_id", sessionID, "channel_id", ch.ID, "number", lead.Number)
}

func (d *Dispatcher) failDial(ctx context.Context, c Campaign, lead Lead, lp *loop, sessionID, reason string) {
	if err := d.store.FailSession(ctx, sessionID, reason); err != nil {
		d.log.Error("session fail update failed", "session_id", sessionID, "err", err)
	}
	if err := d.store.MarkLeadFailed(ctx, lead.ID, reason); err != nil {
		d.log.Error("lead fail update failed", "lead_id", lead.ID, "err", err)
	}
	if lp.remove(sessionID) {
		_ = d.slots.Release(ctx, c.ID)
	}
	metrics.OriginationFailures.Inc()
	d.incr(ctx, c.ID, "failed")
	d.audit.Record(ctx, audit.Event{
		Type:       audit.EventOriginationFailed,
		CampaignID: c.ID,
		LeadID:     lead.ID,
		SessionID:  sessionID,
		Message:    reason,
	})
	d.log.Warn("origination failed",
		"campaign_id", c.ID, "lead_id", lead.ID, "session_id", sessionID, "err", reason)
	d.maybeComplete(ctx, lp)
}

// expire is the safety release for a session whose completion event
// never arrived.
func (d *Dispatcher) expire(campaignID, sessionID string) {
	d.mu.Lock()
	lp := d.loops[campaignID]
	d.mu.Unlock()
	if lp == nil || !lp.remove(sessionID) {
		return
	}

	ctx := d.baseCtx
	_ = d.slots.Release(ctx, campaignID)
	err := d.store.FinishSession(ctx, sessionID, SessionOutcome{
		State:   SessionCancelled,
		Error:   "no completion event before safety timeout",
		EndedAt: d.clock().UTC(),
	})
	if err != nil && !errors.Is(err, ErrSessionBackwards) {
		d.log.Error("session expiry update failed", "session_id", sessionID, "err", err)
	}
	d.log.Warn("session slot expired", "campaign_id", campaignID, "session_id", sessionID)
	d.maybeComplete(ctx, lp)
}

// maybeComplete marks the campaign completed once no lead remains
// unresolved and nothing is in flight.
func (d *Dispatcher) maybeComplete(ctx context.Context, lp *loop) {
	lp.mu.Lock()
	inflight := len(lp.inflight)
	lp.mu.Unlock()
	if inflight > 0 {
		return
	}

	open, err := d.store.OpenLeadCount(ctx, lp.campaignID)
	if err != nil || open > 0 {
		return
	}

	err = d.store.TransitionCampaign(ctx, lp.campaignID,
		[]CampaignState{CampaignRunning}, CampaignCompleted)
	if err != nil {
		return
	}
	d.audit.Record(ctx, audit.Event{Type: audit.EventCampaignCompleted, CampaignID: lp.campaignID})
	d.log.Info("campaign completed", "campaign_id", lp.campaignID)
	lp.cancel()
}

func (d *Dispatcher) incr(ctx context.Context, campaignID, name string) {
	if d.counters != nil {
		d.counters.Incr(ctx, campaignID, name)
	}
}

func (lp *loop) add(sessionID, leadID string, timer *time.Timer) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.inflight[sessionID] = &inflightCall{leadID: leadID, timer: timer}
}

// remove reports whether the session was still tracked; the caller owns
// the slot release exactly when it was.
func (lp *loop) remove(sessionID string) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	call, ok := lp.inflight[sessionID]
	if !ok {
		return false
	}
	call.timer.Stop()
	delete(lp.inflight, sessionID)
	return true
}

// InFlight reports the current in-flight session count for a campaign;
// zero when no loop is active.
func (d *Dispatcher) InFlight(campaignID string) int {
	d.mu.Lock()
	lp := d.loops[campaignID]
	d.mu.Unlock()
	if lp == nil {
		return 0
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return len(lp.inflight)
}
