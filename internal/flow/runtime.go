package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dialcast/internal/amd"
	"dialcast/internal/ari"
	"dialcast/internal/audit"
	"dialcast/internal/bridge"
	"dialcast/internal/campaign"
	"dialcast/internal/media"
	"dialcast/internal/metrics"
	"dialcast/internal/rating"
	"dialcast/internal/webhook"
)

// ChannelControl is the slice of the PBX control API used mid-call.
type ChannelControl interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID, reason string) error
	Play(ctx context.Context, channelID, mediaURI string) (string, error)
	StopPlayback(ctx context.Context, playbackID string) error
	Record(ctx context.Context, channelID string, req ari.RecordRequest) error
}

// Dialer connects a session to a second leg; the bridge coordinator
// implements it.
type Dialer interface {
	Dial(ctx context.Context, sessionID, originChannelID string, req bridge.DialRequest) (bridge.DialResult, error)
	HandleJoin(ctx context.Context, sessionID, bridgeID, channelID string) bool
	Release(ctx context.Context, bridgeID string)
}

// MediaResolver materializes prompts into playable URIs.
type MediaResolver interface {
	Resolve(ctx context.Context, p media.Prompt) (media.Asset, error)
}

// Rater prices a finished session.
type Rater interface {
	SessionCost(ctx context.Context, req rating.CostRequest) (rating.Cost, error)
}

// CompletionListener is told when a session's bookkeeping is done; the
// dispatcher uses it to release the concurrency slot.
type CompletionListener interface {
	OnSessionComplete(campaignID, sessionID string)
}

// Config tunes per-call behavior.
type Config struct {
	// EnableLiveAMD runs the talk-event heuristic on every call.
	EnableLiveAMD bool
	LiveAMD       amd.LiveConfig
}

// Deps wires a Runtime. Rater, Webhooks, Listener, Counters and Audit
// are optional.
type Deps struct {
	Control  ChannelControl
	Store    campaign.Store
	Flows    Provider
	Media    MediaResolver
	Dialer   Dialer
	Rater    Rater
	Webhooks *webhook.Sender
	Listener CompletionListener
	Counters campaign.Counter
	Audit    *audit.Service
	Log      *slog.Logger
	Clock    func() time.Time
	Config   Config
}

// Runtime drives live calls through their flow definitions. It consumes
// the PBX event stream: StasisStart either starts a new session or
// completes a pending transfer join, and everything else is routed to
// the owning session.
type Runtime struct {
	ctl      ChannelControl
	store    campaign.Store
	flows    Provider
	media    MediaResolver
	dialer   Dialer
	rater    Rater
	webhooks *webhook.Sender
	listener CompletionListener
	counters campaign.Counter
	audit    *audit.Service
	log      *slog.Logger
	clock    func() time.Time
	cfg      Config

	baseCtx context.Context

	mu        sync.Mutex
	byChannel map[string]*Session
	// peers maps bridged agent channel ids to a channel closed when
	// that leg ends, so the dial node can resume the flow.
	peers map[string]chan struct{}
}

func NewRuntime(ctx context.Context, deps Deps) *Runtime {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Runtime{
		ctl:       deps.Control,
		store:     deps.Store,
		flows:     deps.Flows,
		media:     deps.Media,
		dialer:    deps.Dialer,
		rater:     deps.Rater,
		webhooks:  deps.Webhooks,
		listener:  deps.Listener,
		counters:  deps.Counters,
		audit:     deps.Audit,
		log:       log,
		clock:     clock,
		cfg:       deps.Config,
		baseCtx:   ctx,
		byChannel: make(map[string]*Session),
		peers:     make(map[string]chan struct{}),
	}
}

// HandleEvent is the stream handler; safe for concurrent use.
func (r *Runtime) HandleEvent(ev ari.Event) {
	if ev.Type == ari.EventStasisStart {
		r.onStasisStart(ev)
		return
	}
	if ev.Type == ari.EventChannelDestroyed || ev.Type == ari.EventStasisEnd {
		if r.peerLeft(ev.ChannelID()) {
			return
		}
	}
	if s := r.sessionFor(ev); s != nil {
		s.handleEvent(ev)
	}
}

func (r *Runtime) onStasisStart(ev ari.Event) {
	channelID := ev.ChannelID()
	if channelID == "" {
		return
	}

	// Second legs enter stasis with the bridge marker; everything else
	// is a campaign call carrying [campaignID, sessionID].
	if len(ev.Args) >= 3 && ev.Args[0] == bridge.AppArgBridge {
		if !r.dialer.HandleJoin(r.baseCtx, ev.Args[1], ev.Args[2], channelID) {
			r.log.Warn("stale transfer leg, hanging up", "channel_id", channelID)
			_ = r.ctl.Hangup(r.baseCtx, channelID, "normal")
		}
		return
	}

	if len(ev.Args) < 2 {
		r.log.Warn("channel without session correlation, hanging up",
			"channel_id", channelID, "args", ev.Args)
		_ = r.ctl.Hangup(r.baseCtx, channelID, "normal")
		return
	}

	// Register before the store lookups run, so DTMF or a hangup landing
	// right behind the StasisStart still reaches the session.
	var live *amd.LiveDetector
	if r.cfg.EnableLiveAMD {
		live = amd.NewLiveDetector(r.cfg.LiveAMD)
	}
	s := newSession(r.baseCtx, ev.Args[1], ev.Args[0], channelID, live)
	r.register(s)
	go r.runSession(s)
}

func (r *Runtime) sessionFor(ev ari.Event) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id := ev.ChannelID(); id != "" {
		if s, ok := r.byChannel[id]; ok {
			return s
		}
	}
	// Playback and recording events are not channel-scoped; correlate
	// by playback id or recording name.
	if ev.Playback != nil {
		for _, s := range r.byChannel {
			s.mu.Lock()
			match := s.currentPlayback == ev.Playback.ID
			s.mu.Unlock()
			if match {
				return s
			}
		}
	}
	if ev.Recording != nil {
		for _, s := range r.byChannel {
			if strings.HasPrefix(ev.Recording.Name, "rec-"+s.ID+"-") {
				return s
			}
		}
	}
	return nil
}

func (r *Runtime) runSession(s *Session) {
	ctx := r.baseCtx
	defer r.unregister(s)
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	cs, err := r.store.GetSession(ctx, s.ID)
	if err != nil {
		r.log.Error("unknown session on stasis entry", "session_id", s.ID, "err", err)
		_ = r.ctl.Hangup(ctx, s.ChannelID, "normal")
		return
	}
	camp, err := r.store.GetCampaign(ctx, s.CampaignID)
	if err != nil {
		r.log.Error("unknown campaign on stasis entry", "campaign_id", s.CampaignID, "err", err)
		_ = r.ctl.Hangup(ctx, s.ChannelID, "normal")
		return
	}
	lead, err := r.store.GetLead(ctx, cs.LeadID)
	if err != nil {
		r.log.Error("unknown lead on stasis entry", "lead_id", cs.LeadID, "err", err)
		_ = r.ctl.Hangup(ctx, s.ChannelID, "normal")
		return
	}
	s.LeadID = lead.ID
	s.Number = lead.Number
	s.RouteID = camp.RouteID

	if err := r.ctl.Answer(ctx, s.ChannelID); err != nil {
		r.failEarly(ctx, s, fmt.Sprintf("answer: %v", err))
		return
	}

	now := r.clock().UTC()
	s.mu.Lock()
	s.answeredAt = now
	s.mu.Unlock()
	if err := r.store.SetSessionAnswered(ctx, s.ID, now); err != nil {
		r.log.Warn("answered update failed", "session_id", s.ID, "err", err)
	}
	if err := r.store.MarkLeadConnected(ctx, lead.ID); err != nil {
		r.log.Warn("lead connect update failed", "lead_id", lead.ID, "err", err)
	}
	r.incr(ctx, s.CampaignID, "connected")
	r.webhooks.Send(ctx, webhook.Payload{
		Event:      webhook.EventCallAnswered,
		CampaignID: s.CampaignID,
		SessionID:  s.ID,
		LeadID:     lead.ID,
		ChannelID:  s.ChannelID,
		Number:     lead.Number,
	})
	r.log.Info("call answered",
		"campaign_id", s.CampaignID, "session_id", s.ID, "channel_id", s.ChannelID)

	if s.live != nil {
		go r.watchVerdict(s)
	}

	flowErr := r.interpret(s, camp.FlowID)
	r.finalize(s, flowErr)
}

// interpret walks the flow graph until it ends, the caller hangs up, or
// a node fails.
func (r *Runtime) interpret(s *Session, flowID string) error {
	ctx := s.ctx
	def, err := r.flows.GetFlow(ctx, flowID)
	if err != nil {
		return fmt.Errorf("flow %s: %w", flowID, err)
	}

	next := def.Entry
	vmHandled := false
	for next != "" {
		if s.Ended() {
			return errChannelGone
		}
		// A machine verdict redirects once, at the next node boundary.
		// Flows with an activity node route the verdict themselves.
		if s.isVoicemail() && !vmHandled && !def.handlesVerdict {
			vmHandled = true
			if def.VoicemailNode == "" {
				return nil
			}
			next = def.VoicemailNode
		}

		node, ok := def.Node(next)
		if !ok {
			return fmt.Errorf("flow %s: missing node %q", flowID, next)
		}
		next, err = node.Execute(ctx, r, s)
		if err != nil {
			if errors.Is(err, errChannelGone) {
				return errChannelGone
			}
			if s.Ended() || ctx.Err() != nil {
				return errChannelGone
			}
			return fmt.Errorf("flow %s: node %q: %w", flowID, node.ID(), err)
		}
	}
	return nil
}

// finalize ends the channel, prices the call, persists the outcome and
// notifies subscribers. flowErr of errChannelGone means the far end
// hung up, which is a normal ending.
func (r *Runtime) finalize(s *Session, flowErr error) {
	ctx := r.baseCtx

	if !s.Ended() {
		if err := r.ctl.Hangup(ctx, s.ChannelID, "normal"); err != nil {
			r.log.Warn("hangup failed", "channel_id", s.ChannelID, "err", err)
		}
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			s.end()
		}
	}
	if b := s.bridge(); b != "" {
		r.dialer.Release(ctx, b)
	}

	ended := r.clock().UTC()
	s.mu.Lock()
	answeredAt := s.answeredAt
	s.mu.Unlock()
	duration := 0
	if !answeredAt.IsZero() {
		duration = int(ended.Sub(answeredAt) / time.Second)
	}

	out := campaign.SessionOutcome{
		State:           campaign.SessionCompleted,
		DurationSeconds: duration,
		RecordingURL:    s.recording(),
		EndedAt:         ended,
	}
	switch {
	case flowErr == nil:
	case errors.Is(flowErr, errChannelGone):
		out.State = campaign.SessionHungup
		if cause := s.cause(); cause != 0 {
			out.Error = ari.CauseName(cause)
		}
	default:
		out.State = campaign.SessionFailed
		out.Error = flowErr.Error()
	}

	// Answered time is billable however the call ended.
	if duration > 0 && r.rater != nil {
		cost, err := r.rater.SessionCost(ctx, rating.CostRequest{
			RouteID:         s.RouteID,
			Destination:     s.Number,
			DurationSeconds: duration,
			At:              ended,
		})
		switch {
		case err == nil:
			out.CostMinor = cost.TotalMinor
			out.Currency = cost.Currency
		case !errors.Is(err, rating.ErrRateNotFound):
			r.log.Warn("session rating failed", "session_id", s.ID, "err", err)
		}
	}

	if err := r.store.FinishSession(ctx, s.ID, out); err != nil && !errors.Is(err, campaign.ErrSessionBackwards) {
		r.log.Error("finish session failed", "session_id", s.ID, "err", err)
	}

	if out.State == campaign.SessionFailed {
		if err := r.store.MarkLeadFailed(ctx, s.LeadID, out.Error); err != nil {
			r.log.Warn("lead fail update failed", "lead_id", s.LeadID, "err", err)
		}
		r.incr(ctx, s.CampaignID, "failed")
		r.webhooks.Send(ctx, webhook.Payload{
			Event:      webhook.EventCallFailed,
			CampaignID: s.CampaignID,
			SessionID:  s.ID,
			LeadID:     s.LeadID,
			ChannelID:  s.ChannelID,
			Number:     s.Number,
			Reason:     out.Error,
		})
	} else {
		r.webhooks.Send(ctx, webhook.Payload{
			Event:           webhook.EventCallCompleted,
			CampaignID:      s.CampaignID,
			SessionID:       s.ID,
			LeadID:          s.LeadID,
			ChannelID:       s.ChannelID,
			Number:          s.Number,
			DurationSeconds: out.DurationSeconds,
			CostMinor:       out.CostMinor,
			Currency:        out.Currency,
			RecordingURL:    out.RecordingURL,
		})
	}

	r.audit.Record(ctx, audit.Event{
		Type:       audit.EventSessionFinished,
		CampaignID: s.CampaignID,
		LeadID:     s.LeadID,
		SessionID:  s.ID,
		Message:    string(out.State),
	})
	r.log.Info("session finished",
		"session_id", s.ID, "state", out.State, "duration_s", out.DurationSeconds)

	if r.listener != nil {
		r.listener.OnSessionComplete(s.CampaignID, s.ID)
	}
}

// failEarly handles a session that never got answered.
func (r *Runtime) failEarly(ctx context.Context, s *Session, reason string) {
	if err := r.store.FailSession(ctx, s.ID, reason); err != nil && !errors.Is(err, campaign.ErrSessionBackwards) {
		r.log.Warn("session fail update failed", "session_id", s.ID, "err", err)
	}
	if err := r.store.MarkLeadFailed(ctx, s.LeadID, reason); err != nil {
		r.log.Warn("lead fail update failed", "lead_id", s.LeadID, "err", err)
	}
	r.incr(ctx, s.CampaignID, "failed")
	r.webhooks.Send(ctx, webhook.Payload{
		Event:      webhook.EventCallFailed,
		CampaignID: s.CampaignID,
		SessionID:  s.ID,
		LeadID:     s.LeadID,
		ChannelID:  s.ChannelID,
		Number:     s.Number,
		Reason:     reason,
	})
	_ = r.ctl.Hangup(ctx, s.ChannelID, "normal")
	if r.listener != nil {
		r.listener.OnSessionComplete(s.CampaignID, s.ID)
	}
}

// watchVerdict applies the live machine-detection verdict to the
// session; the interpreter picks it up at the next node boundary.
func (r *Runtime) watchVerdict(s *Session) {
	select {
	case v := <-s.live.Verdict():
		s.setVerdict(v)
		if !v.Machine {
			return
		}
		s.markVoicemail()
		ctx := r.baseCtx
		if err := r.store.SetSessionVoicemail(ctx, s.ID, true, v.Confidence); err != nil {
			r.log.Warn("voicemail update failed", "session_id", s.ID, "err", err)
		}
		r.incr(ctx, s.CampaignID, "voicemail")
		r.webhooks.Send(ctx, webhook.Payload{
			Event:               webhook.EventCallVoicemail,
			CampaignID:          s.CampaignID,
			SessionID:           s.ID,
			LeadID:              s.LeadID,
			ChannelID:           s.ChannelID,
			Number:              s.Number,
			VoicemailDetected:   true,
			VoicemailConfidence: v.Confidence,
			VoicemailReason:     v.Reason,
		})
		r.log.Info("machine detected",
			"session_id", s.ID, "confidence", v.Confidence, "reason", v.Reason)
	case <-s.done:
	}
}

// play resolves and plays a prompt. With interruptible set, the first
// DTMF digit stops playback and is returned. An empty prompt is a no-op.
func (r *Runtime) play(ctx context.Context, s *Session, p media.Prompt, interruptible bool) (string, error) {
	if p.Text == "" && p.URL == "" {
		return "", nil
	}
	asset, err := r.media.Resolve(ctx, p)
	if err != nil {
		return "", fmt.Errorf("flow: resolve prompt: %w", err)
	}

	playbackID, err := r.ctl.Play(ctx, s.ChannelID, asset.MediaURI)
	if err != nil {
		if s.Ended() {
			return "", errChannelGone
		}
		return "", fmt.Errorf("flow: play: %w", err)
	}
	s.setPlayback(playbackID)
	defer s.setPlayback("")

	stall := time.NewTimer(2 * time.Minute)
	defer stall.Stop()

	for {
		select {
		case res := <-s.playDone:
			if res.playbackID != playbackID {
				continue
			}
			if res.failed {
				return "", fmt.Errorf("flow: playback %s failed", playbackID)
			}
			return "", nil
		case d := <-s.dtmf:
			if !interruptible {
				continue
			}
			_ = r.ctl.StopPlayback(ctx, playbackID)
			return d, nil
		case <-stall.C:
			return "", errors.New("flow: playback never finished")
		case <-s.done:
			return "", errChannelGone
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// record captures channel audio and returns the stored recording URI.
func (r *Runtime) record(ctx context.Context, s *Session, nodeID string, maxSeconds, maxSilence int, beep bool) (string, error) {
	name := "rec-" + s.ID + "-" + nodeID
	err := r.ctl.Record(ctx, s.ChannelID, ari.RecordRequest{
		Name:               name,
		Format:             "wav",
		MaxDurationSeconds: maxSeconds,
		MaxSilenceSeconds:  maxSilence,
		Beep:               beep,
	})
	if err != nil {
		if s.Ended() {
			return "", errChannelGone
		}
		return "", fmt.Errorf("flow: record: %w", err)
	}

	stall := time.NewTimer(time.Duration(maxSeconds)*time.Second + 10*time.Second)
	defer stall.Stop()

	for {
		select {
		case res := <-s.recDone:
			if res.name != name {
				continue
			}
			if res.failed {
				return "", fmt.Errorf("flow: recording %s failed", name)
			}
			if res.targetURI != "" {
				return res.targetURI, nil
			}
			return "recording:" + name, nil
		case <-stall.C:
			return "", errors.New("flow: recording never finished")
		case <-s.done:
			// The finished event may trail the hangup by a moment.
			select {
			case res := <-s.recDone:
				if res.name == name && !res.failed {
					if res.targetURI != "" {
						return res.targetURI, nil
					}
					return "recording:" + name, nil
				}
			case <-time.After(time.Second):
			}
			return "", errChannelGone
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// recordDigits persists gathered DTMF and notifies subscribers.
func (r *Runtime) recordDigits(ctx context.Context, s *Session, digits string) {
	if err := r.store.AppendSessionDigits(ctx, s.ID, digits); err != nil {
		r.log.Warn("digit update failed", "session_id", s.ID, "err", err)
	}
	r.webhooks.Send(ctx, webhook.Payload{
		Event:      webhook.EventCallDTMF,
		CampaignID: s.CampaignID,
		SessionID:  s.ID,
		LeadID:     s.LeadID,
		ChannelID:  s.ChannelID,
		Number:     s.Number,
		Digits:     digits,
		AllDigits:  s.Digits(),
	})
}

func (r *Runtime) incr(ctx context.Context, campaignID, name string) {
	if r.counters != nil {
		r.counters.Incr(ctx, campaignID, name)
	}
}

func (r *Runtime) register(s *Session) {
	r.mu.Lock()
	r.byChannel[s.ChannelID] = s
	r.mu.Unlock()
}

func (r *Runtime) unregister(s *Session) {
	r.mu.Lock()
	delete(r.byChannel, s.ChannelID)
	r.mu.Unlock()
}

// trackPeer watches a bridged agent leg; the returned channel closes
// when that leg's ChannelDestroyed or StasisEnd arrives.
func (r *Runtime) trackPeer(channelID string) <-chan struct{} {
	ch := make(chan struct{})
	if channelID == "" {
		return ch
	}
	r.mu.Lock()
	r.peers[channelID] = ch
	r.mu.Unlock()
	return ch
}

func (r *Runtime) untrackPeer(channelID string) {
	r.mu.Lock()
	delete(r.peers, channelID)
	r.mu.Unlock()
}

func (r *Runtime) peerLeft(channelID string) bool {
	if channelID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.peers[channelID]
	if !ok {
		return false
	}
	delete(r.peers, channelID)
	close(ch)
	return true
}

// ActiveCalls reports how many sessions are currently interpreted.
func (r *Runtime) ActiveCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byChannel)
}
