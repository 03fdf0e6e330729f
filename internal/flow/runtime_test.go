package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"dialcast/internal/amd"
	"dialcast/internal/ari"
	"dialcast/internal/bridge"
	"dialcast/internal/campaign"
	"dialcast/internal/media"
	"dialcast/internal/rating"
)

// fakeControl emulates the PBX: playbacks finish on their own after
// playDelay, hangups emit ChannelDestroyed, recordings finish with a
// canned URI.
type fakeControl struct {
	rt *Runtime

	playDelay time.Duration
	failPlays bool

	mu       sync.Mutex
	answered []string
	hungup   []string
	plays    []string
	stopped  []string
	records  []ari.RecordRequest
	playSeq  int
}

func (f *fakeControl) Answer(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, channelID)
	return nil
}

func (f *fakeControl) Hangup(ctx context.Context, channelID, reason string) error {
	f.mu.Lock()
	f.hungup = append(f.hungup, channelID)
	f.mu.Unlock()
	go f.rt.HandleEvent(ari.Event{
		Type:    ari.EventChannelDestroyed,
		Channel: &ari.Channel{ID: channelID},
		Cause:   16,
	})
	return nil
}

func (f *fakeControl) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	f.mu.Lock()
	f.playSeq++
	id := fmt.Sprintf("pb-%d", f.playSeq)
	f.plays = append(f.plays, mediaURI)
	delay := f.playDelay
	f.mu.Unlock()

	if delay <= 0 {
		delay = 5 * time.Millisecond
	}
	outcome := ari.EventPlaybackFinished
	if f.failPlays {
		outcome = ari.EventPlaybackFailed
	}
	go func() {
		time.Sleep(delay)
		f.rt.HandleEvent(ari.Event{
			Type:     outcome,
			Playback: &ari.Playback{ID: id},
		})
	}()
	return id, nil
}

func (f *fakeControl) StopPlayback(ctx context.Context, playbackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, playbackID)
	return nil
}

func (f *fakeControl) Record(ctx context.Context, channelID string, req ari.RecordRequest) error {
	f.mu.Lock()
	f.records = append(f.records, req)
	f.mu.Unlock()
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.rt.HandleEvent(ari.Event{
			Type: ari.EventRecordingFinished,
			Recording: &ari.LiveRecording{
				Name:            req.Name,
				DurationSeconds: 3,
				TargetURI:       "recording:" + req.Name,
			},
		})
	}()
	return nil
}

func (f *fakeControl) hungupChannels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hungup...)
}

type fakeDialer struct {
	mu       sync.Mutex
	joins    []string
	released []string
	result   bridge.DialResult
	err      error
}

func (f *fakeDialer) Dial(ctx context.Context, sessionID, originChannelID string, req bridge.DialRequest) (bridge.DialResult, error) {
	return f.result, f.err
}

func (f *fakeDialer) HandleJoin(ctx context.Context, sessionID, bridgeID, channelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, sessionID+"/"+bridgeID+"/"+channelID)
	return false
}

func (f *fakeDialer) Release(ctx context.Context, bridgeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, bridgeID)
}

func (f *fakeDialer) releases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

type fakeMedia struct{}

func (fakeMedia) Resolve(ctx context.Context, p media.Prompt) (media.Asset, error) {
	key := p.Text + p.URL
	return media.Asset{Key: key, MediaURI: "sound:/cache/" + key}, nil
}

type doneListener struct {
	ch chan string
}

func (l *doneListener) OnSessionComplete(campaignID, sessionID string) {
	l.ch <- sessionID
}

// stepClock returns base plus step per call, so answered-to-ended
// durations are deterministic.
func stepClock(base time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := base.Add(time.Duration(n) * step)
		n++
		return t
	}
}

type harness struct {
	rt       *Runtime
	ctl      *fakeControl
	store    *campaign.MemoryStore
	flows    *MemoryProvider
	listener *doneListener
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := campaign.NewMemoryStore()
	store.PutCampaign(campaign.Campaign{
		ID: "c1", FlowID: "f1", RouteID: "r1",
		CallerID: "+15550001111", State: campaign.CampaignRunning,
	})
	store.PutLead(campaign.Lead{
		ID: "l1", CampaignID: "c1", Number: "+15551234567",
		State: campaign.LeadDialing, MaxAttempts: 1, CreatedAt: time.Now(),
	})
	_ = store.CreateSession(ctx, campaign.CallSession{
		ID: "s1", CampaignID: "c1", LeadID: "l1",
		State: campaign.SessionRinging, ChannelID: "chan-1", CreatedAt: time.Now(),
	})

	rates := &rating.MemoryRepo{Rates: []rating.Rate{{
		ID: "us", RouteID: "r1", Prefix: "+1", Currency: "USD",
		PerMinuteMinor: 50, IncrementSeconds: 60,
		EffectiveFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:        rating.RateStatusActive,
	}}}

	ctl := &fakeControl{}
	flows := NewMemoryProvider()
	listener := &doneListener{ch: make(chan string, 4)}
	rt := NewRuntime(ctx, Deps{
		Control:  ctl,
		Store:    store,
		Flows:    flows,
		Media:    fakeMedia{},
		Dialer:   &fakeDialer{},
		Rater:    rating.NewService(rates),
		Listener: listener,
		Clock:    stepClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC), 65*time.Second),
		Config:   cfg,
	})
	ctl.rt = rt
	return &harness{rt: rt, ctl: ctl, store: store, flows: flows, listener: listener}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.rt.HandleEvent(ari.Event{
		Type:    ari.EventStasisStart,
		Args:    []string{"c1", "s1"},
		Channel: &ari.Channel{ID: "chan-1"},
	})
}

func (h *harness) waitDone(t *testing.T) campaign.CallSession {
	t.Helper()
	select {
	case <-h.listener.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("session never completed")
	}
	s, err := h.store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return s
}

func mustFlow(t *testing.T, doc string) *Definition {
	t.Helper()
	def, err := ParseDefinition([]byte(doc))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	return def
}

func TestRunSessionPlayFlow(t *testing.T) {
	h := newHarness(t, Config{})
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "welcome",
		"nodes": [
			{"id": "welcome", "type": "play", "prompt": {"text": "hello"}}
		]
	}`))

	h.start(t)
	s := h.waitDone(t)

	if s.State != campaign.SessionCompleted {
		t.Fatalf("session state = %s", s.State)
	}
	// 65s answered duration bills two minutes at 50 minor/minute.
	if s.DurationSeconds != 65 || s.CostMinor != 100 || s.Currency != "USD" {
		t.Fatalf("outcome: duration=%d cost=%d %s", s.DurationSeconds, s.CostMinor, s.Currency)
	}

	lead, _ := h.store.GetLead(context.Background(), "l1")
	if lead.State != campaign.LeadConnected {
		t.Fatalf("lead state = %s", lead.State)
	}
	if got := h.ctl.hungupChannels(); len(got) != 1 || got[0] != "chan-1" {
		t.Fatalf("hangups: %v", got)
	}
	if h.rt.ActiveCalls() != 0 {
		t.Fatal("session still registered after finish")
	}
}

func TestGatherBranches(t *testing.T) {
	h := newHarness(t, Config{})
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "menu",
		"nodes": [
			{"id": "menu", "type": "gather",
			 "prompt": {"text": "press 12"},
			 "min_digits": 2, "max_digits": 4, "attempts": 2, "timeout_seconds": 1,
			 "branches": {"12": "yes"},
			 "default_next": "sorry"},
			{"id": "yes", "type": "play", "prompt": {"text": "thanks"}},
			{"id": "sorry", "type": "play", "prompt": {"text": "goodbye"}}
		]
	}`))
	h.ctl.playDelay = 200 * time.Millisecond

	h.start(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		for _, d := range []string{"1", "2"} {
			h.rt.HandleEvent(ari.Event{
				Type:    ari.EventChannelDtmfReceived,
				Channel: &ari.Channel{ID: "chan-1"},
				Digit:   d,
			})
		}
	}()

	s := h.waitDone(t)
	if s.State != campaign.SessionCompleted {
		t.Fatalf("session state = %s (%s)", s.State, s.Error)
	}
	if s.Digits != "12" {
		t.Fatalf("digits = %q", s.Digits)
	}
	// The second prompt played must be the matched branch.
	h.ctl.mu.Lock()
	plays := append([]string(nil), h.ctl.plays...)
	h.ctl.mu.Unlock()
	if len(plays) != 2 || !strings.Contains(plays[1], "thanks") {
		t.Fatalf("plays = %v", plays)
	}
}

func TestGatherInsufficientDigitsFallsBack(t *testing.T) {
	h := newHarness(t, Config{})
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "menu",
		"nodes": [
			{"id": "menu", "type": "gather",
			 "prompt": {"text": "press 12"},
			 "min_digits": 2, "max_digits": 4, "attempts": 1, "timeout_seconds": 1,
			 "branches": {"12": "yes"},
			 "default_next": "sorry"},
			{"id": "yes", "type": "play", "prompt": {"text": "thanks"}},
			{"id": "sorry", "type": "play", "prompt": {"text": "goodbye"}}
		]
	}`))
	h.ctl.playDelay = 100 * time.Millisecond

	h.start(t)
	go func() {
		time.Sleep(30 * time.Millisecond)
		h.rt.HandleEvent(ari.Event{
			Type:    ari.EventChannelDtmfReceived,
			Channel: &ari.Channel{ID: "chan-1"},
			Digit:   "1",
		})
	}()

	s := h.waitDone(t)
	if s.State != campaign.SessionCompleted {
		t.Fatalf("session state = %s (%s)", s.State, s.Error)
	}
	// One lone digit never reaches min_digits, so nothing is recorded
	// and the fallback branch plays.
	if s.Digits != "" {
		t.Fatalf("digits = %q", s.Digits)
	}
	h.ctl.mu.Lock()
	plays := append([]string(nil), h.ctl.plays...)
	h.ctl.mu.Unlock()
	if len(plays) != 2 || !strings.Contains(plays[1], "goodbye") {
		t.Fatalf("plays = %v", plays)
	}
}

func TestGatherRetriesExhaustAttempts(t *testing.T) {
	h := newHarness(t, Config{})
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "menu",
		"nodes": [
			{"id": "menu", "type": "gather",
			 "prompt": {"text": "press 12"},
			 "min_digits": 2, "max_digits": 4, "attempts": 2, "timeout_seconds": 1,
			 "branches": {"12": "yes"},
			 "default_next": "sorry"},
			{"id": "yes", "type": "play", "prompt": {"text": "thanks"}},
			{"id": "sorry", "type": "play", "prompt": {"text": "goodbye"}}
		]
	}`))
	h.ctl.playDelay = 100 * time.Millisecond

	h.start(t)
	// A lone digit during the first window and silence after that: both
	// attempts run out before the fallback branch.
	go func() {
		time.Sleep(30 * time.Millisecond)
		h.rt.HandleEvent(ari.Event{
			Type:    ari.EventChannelDtmfReceived,
			Channel: &ari.Channel{ID: "chan-1"},
			Digit:   "1",
		})
	}()

	s := h.waitDone(t)
	if s.State != campaign.SessionCompleted {
		t.Fatalf("session state = %s (%s)", s.State, s.Error)
	}
	if s.Digits != "" {
		t.Fatalf("digits = %q", s.Digits)
	}
	h.ctl.mu.Lock()
	plays := append([]string(nil), h.ctl.plays...)
	h.ctl.mu.Unlock()
	if len(plays) != 3 || !strings.Contains(plays[2], "goodbye") {
		t.Fatalf("plays = %v, want two prompt attempts then the fallback", plays)
	}
}

func TestPlaybackFailureFailsSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "welcome",
		"nodes": [
			{"id": "welcome", "type": "play", "prompt": {"text": "hello"}, "next": "again"},
			{"id": "again", "type": "play", "prompt": {"text": "again"}}
		]
	}`))
	h.ctl.failPlays = true

	h.start(t)
	s := h.waitDone(t)

	if s.State != campaign.SessionFailed {
		t.Fatalf("session state = %s", s.State)
	}
	if !strings.Contains(s.Error, "playback") {
		t.Fatalf("session error = %q", s.Error)
	}
	h.ctl.mu.Lock()
	plays := len(h.ctl.plays)
	h.ctl.mu.Unlock()
	// The flow must stop at the broken node, not march on to "again".
	if plays != 1 {
		t.Fatalf("flow continued past a failed playback: %d plays", plays)
	}
	lead, _ := h.store.GetLead(context.Background(), "l1")
	if lead.State != campaign.LeadFailed {
		t.Fatalf("lead state = %s", lead.State)
	}
}

func TestDialConnectsThenFlowContinues(t *testing.T) {
	h := newHarness(t, Config{})
	dialer := h.rt.dialer.(*fakeDialer)
	dialer.result = bridge.DialResult{Connected: true, BridgeID: "b1", AgentChannelID: "agent-1"}
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "xfer",
		"nodes": [
			{"id": "xfer", "type": "dial", "endpoint": "PJSIP/agent", "next": "bye"},
			{"id": "bye", "type": "play", "prompt": {"text": "all done"}}
		]
	}`))

	h.start(t)
	// The agent hangs up; the caller stays and the flow resumes.
	go func() {
		time.Sleep(50 * time.Millisecond)
		h.rt.HandleEvent(ari.Event{
			Type:    ari.EventChannelDestroyed,
			Channel: &ari.Channel{ID: "agent-1"},
			Cause:   16,
		})
	}()

	s := h.waitDone(t)
	if s.State != campaign.SessionCompleted {
		t.Fatalf("session state = %s (%s)", s.State, s.Error)
	}
	h.ctl.mu.Lock()
	plays := append([]string(nil), h.ctl.plays...)
	h.ctl.mu.Unlock()
	if len(plays) != 1 || !strings.Contains(plays[0], "all done") {
		t.Fatalf("plays = %v, want the post-dial prompt", plays)
	}
	if got := dialer.releases(); len(got) != 1 || got[0] != "b1" {
		t.Fatalf("bridge releases = %v, want exactly [b1]", got)
	}
}

func TestDialTimeoutTakesNoAnswerBranch(t *testing.T) {
	h := newHarness(t, Config{})
	dialer := h.rt.dialer.(*fakeDialer)
	dialer.err = bridge.ErrDialTimeout
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "xfer",
		"nodes": [
			{"id": "xfer", "type": "dial", "endpoint": "PJSIP/agent",
			 "next": "bye", "no_answer_next": "sorry"},
			{"id": "bye", "type": "play", "prompt": {"text": "all done"}},
			{"id": "sorry", "type": "play", "prompt": {"text": "try later"}}
		]
	}`))

	h.start(t)
	s := h.waitDone(t)

	if s.State != campaign.SessionCompleted {
		t.Fatalf("session state = %s (%s)", s.State, s.Error)
	}
	h.ctl.mu.Lock()
	plays := append([]string(nil), h.ctl.plays...)
	h.ctl.mu.Unlock()
	if len(plays) != 1 || !strings.Contains(plays[0], "try later") {
		t.Fatalf("plays = %v, want the no-answer prompt", plays)
	}
}

func TestDialFailureContinuesFlow(t *testing.T) {
	h := newHarness(t, Config{})
	dialer := h.rt.dialer.(*fakeDialer)
	dialer.err = fmt.Errorf("endpoint down")
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "xfer",
		"nodes": [
			{"id": "xfer", "type": "dial", "endpoint": "PJSIP/agent", "next": "bye"},
			{"id": "bye", "type": "play", "prompt": {"text": "all done"}}
		]
	}`))

	h.start(t)
	s := h.waitDone(t)

	// A broken transfer leg does not sink the whole call.
	if s.State != campaign.SessionCompleted {
		t.Fatalf("session state = %s (%s)", s.State, s.Error)
	}
	h.ctl.mu.Lock()
	plays := append([]string(nil), h.ctl.plays...)
	h.ctl.mu.Unlock()
	if len(plays) != 1 || !strings.Contains(plays[0], "all done") {
		t.Fatalf("plays = %v, want the post-dial prompt", plays)
	}
}

func TestRemoteHangupMidFlow(t *testing.T) {
	h := newHarness(t, Config{})
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "welcome",
		"nodes": [
			{"id": "welcome", "type": "play", "prompt": {"text": "hello"}, "next": "wait"},
			{"id": "wait", "type": "pause", "seconds": 30}
		]
	}`))

	h.start(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		h.rt.HandleEvent(ari.Event{
			Type:    ari.EventChannelDestroyed,
			Channel: &ari.Channel{ID: "chan-1"},
			Cause:   16,
		})
	}()

	s := h.waitDone(t)
	if s.State != campaign.SessionHungup {
		t.Fatalf("session state = %s", s.State)
	}
	// The caller hung up; nothing for the engine to hang up again.
	if got := h.ctl.hungupChannels(); len(got) != 0 {
		t.Fatalf("hangups: %v", got)
	}
	lead, _ := h.store.GetLead(context.Background(), "l1")
	if lead.State != campaign.LeadConnected {
		t.Fatalf("lead state = %s", lead.State)
	}
}

func TestUnknownFlowFailsSession(t *testing.T) {
	h := newHarness(t, Config{})
	// No flow registered under f1.

	h.start(t)
	s := h.waitDone(t)

	if s.State != campaign.SessionFailed {
		t.Fatalf("session state = %s", s.State)
	}
	if s.Error == "" {
		t.Fatal("failed session without error")
	}
	lead, _ := h.store.GetLead(context.Background(), "l1")
	if lead.State != campaign.LeadFailed {
		t.Fatalf("lead state = %s", lead.State)
	}
	if got := h.ctl.hungupChannels(); len(got) != 1 {
		t.Fatalf("forced hangup missing: %v", got)
	}
}

func TestRecordNode(t *testing.T) {
	h := newHarness(t, Config{})
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "ask",
		"nodes": [
			{"id": "ask", "type": "record",
			 "prompt": {"text": "speak after the beep"},
			 "max_seconds": 30, "beep": true}
		]
	}`))

	h.start(t)
	s := h.waitDone(t)

	if s.State != campaign.SessionCompleted {
		t.Fatalf("session state = %s (%s)", s.State, s.Error)
	}
	if !strings.HasPrefix(s.RecordingURL, "recording:rec-s1-") {
		t.Fatalf("recording url = %q", s.RecordingURL)
	}
	h.ctl.mu.Lock()
	recs := append([]ari.RecordRequest(nil), h.ctl.records...)
	h.ctl.mu.Unlock()
	if len(recs) != 1 || !recs[0].Beep || recs[0].MaxDurationSeconds != 30 {
		t.Fatalf("record requests: %+v", recs)
	}
}

func TestVoicemailHangsUpWithoutPolicyNode(t *testing.T) {
	h := newHarness(t, Config{
		EnableLiveAMD: true,
		LiveAMD: amd.LiveConfig{
			MaxSilence:  20 * time.Millisecond,
			MaxGreeting: 500 * time.Millisecond,
		},
	})
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "a",
		"nodes": [
			{"id": "a", "type": "play", "prompt": {"text": "one"}, "next": "b"},
			{"id": "b", "type": "play", "prompt": {"text": "two"}}
		]
	}`))
	h.ctl.playDelay = 80 * time.Millisecond

	// No talking events arrive, so the silence window classifies the
	// far end as a machine before node "a" finishes.
	h.start(t)
	s := h.waitDone(t)

	if !s.VoicemailDetected {
		t.Fatal("voicemail not flagged")
	}
	h.ctl.mu.Lock()
	plays := len(h.ctl.plays)
	h.ctl.mu.Unlock()
	if plays != 1 {
		t.Fatalf("flow continued past the verdict: %d plays", plays)
	}
	if got := h.ctl.hungupChannels(); len(got) != 1 {
		t.Fatalf("machine call not hung up: %v", got)
	}
}

func TestActivityNodeHumanContinues(t *testing.T) {
	h := newHarness(t, Config{
		EnableLiveAMD: true,
		LiveAMD: amd.LiveConfig{
			MaxSilence:  2 * time.Second,
			MaxGreeting: 500 * time.Millisecond,
		},
	})
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "check",
		"nodes": [
			{"id": "check", "type": "activity", "digit": "1", "timeout_seconds": 3,
			 "next": "live", "default_next": "bail"},
			{"id": "live", "type": "play", "prompt": {"text": "hello there"}},
			{"id": "bail", "type": "hangup"}
		]
	}`))

	h.start(t)
	// A short greeting followed by a pause reads as a human answering.
	go func() {
		time.Sleep(30 * time.Millisecond)
		h.rt.HandleEvent(ari.Event{Type: ari.EventChannelTalkingStarted, Channel: &ari.Channel{ID: "chan-1"}})
		time.Sleep(50 * time.Millisecond)
		h.rt.HandleEvent(ari.Event{Type: ari.EventChannelTalkingFinished, Channel: &ari.Channel{ID: "chan-1"}})
	}()
	s := h.waitDone(t)

	if s.State != campaign.SessionCompleted {
		t.Fatalf("session state = %s", s.State)
	}
	if s.VoicemailDetected {
		t.Fatal("human call flagged as voicemail")
	}
	if !strings.Contains(s.Digits, "1") {
		t.Fatalf("synthetic digit missing, digits = %q", s.Digits)
	}
	h.ctl.mu.Lock()
	plays := append([]string(nil), h.ctl.plays...)
	h.ctl.mu.Unlock()
	if len(plays) != 1 {
		t.Fatalf("plays = %v, want the human branch prompt", plays)
	}
}

func TestActivityNodeMachineHangsUp(t *testing.T) {
	h := newHarness(t, Config{
		EnableLiveAMD: true,
		LiveAMD: amd.LiveConfig{
			MaxSilence:  20 * time.Millisecond,
			MaxGreeting: 500 * time.Millisecond,
		},
	})
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "check",
		"nodes": [
			{"id": "check", "type": "activity", "hangup_on_machine": true,
			 "next": "live", "default_next": "leave"},
			{"id": "live", "type": "play", "prompt": {"text": "hello there"}},
			{"id": "leave", "type": "play", "prompt": {"text": "message after tone"}}
		]
	}`))

	// No talking events, so the silence window decides machine; the
	// node's hangup policy overrides its machine branch.
	h.start(t)
	s := h.waitDone(t)

	if !s.VoicemailDetected {
		t.Fatal("voicemail not flagged")
	}
	h.ctl.mu.Lock()
	plays := len(h.ctl.plays)
	h.ctl.mu.Unlock()
	if plays != 0 {
		t.Fatalf("machine call still played %d prompts", plays)
	}
	if got := h.ctl.hungupChannels(); len(got) != 1 {
		t.Fatalf("machine call not hung up: %v", got)
	}
}

func TestActivityNodeMachineBranch(t *testing.T) {
	h := newHarness(t, Config{
		EnableLiveAMD: true,
		LiveAMD: amd.LiveConfig{
			MaxSilence:  20 * time.Millisecond,
			MaxGreeting: 500 * time.Millisecond,
		},
	})
	h.flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "check",
		"nodes": [
			{"id": "check", "type": "activity", "next": "live", "default_next": "leave"},
			{"id": "live", "type": "play", "prompt": {"text": "hello there"}},
			{"id": "leave", "type": "play", "prompt": {"text": "message after tone"}}
		]
	}`))

	h.start(t)
	s := h.waitDone(t)

	if !s.VoicemailDetected {
		t.Fatal("voicemail not flagged")
	}
	h.ctl.mu.Lock()
	plays := append([]string(nil), h.ctl.plays...)
	h.ctl.mu.Unlock()
	// The machine branch drops a message instead of hanging up.
	if len(plays) != 1 || !strings.Contains(plays[0], "message after tone") {
		t.Fatalf("plays = %v, want the machine branch prompt", plays)
	}
}

// gateStore stalls session lookups until the test releases them.
type gateStore struct {
	*campaign.MemoryStore
	gate chan struct{}
}

func (g *gateStore) GetSession(ctx context.Context, id string) (campaign.CallSession, error) {
	<-g.gate
	return g.MemoryStore.GetSession(ctx, id)
}

func TestEventsDuringSessionLookupAreKept(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mem := campaign.NewMemoryStore()
	mem.PutCampaign(campaign.Campaign{
		ID: "c1", FlowID: "f1", RouteID: "r1",
		CallerID: "+15550001111", State: campaign.CampaignRunning,
	})
	mem.PutLead(campaign.Lead{
		ID: "l1", CampaignID: "c1", Number: "+15551234567",
		State: campaign.LeadDialing, MaxAttempts: 1, CreatedAt: time.Now(),
	})
	_ = mem.CreateSession(ctx, campaign.CallSession{
		ID: "s1", CampaignID: "c1", LeadID: "l1",
		State: campaign.SessionRinging, ChannelID: "chan-1", CreatedAt: time.Now(),
	})
	store := &gateStore{MemoryStore: mem, gate: make(chan struct{})}

	ctl := &fakeControl{}
	flows := NewMemoryProvider()
	flows.Put(mustFlow(t, `{
		"id": "f1",
		"entry": "menu",
		"nodes": [
			{"id": "menu", "type": "gather",
			 "prompt": {"text": "press 5"},
			 "min_digits": 1, "max_digits": 1, "attempts": 1, "timeout_seconds": 1,
			 "branches": {"5": "yes"},
			 "default_next": "sorry"},
			{"id": "yes", "type": "play", "prompt": {"text": "thanks"}},
			{"id": "sorry", "type": "play", "prompt": {"text": "goodbye"}}
		]
	}`))
	listener := &doneListener{ch: make(chan string, 4)}
	rt := NewRuntime(ctx, Deps{
		Control:  ctl,
		Store:    store,
		Flows:    flows,
		Media:    fakeMedia{},
		Dialer:   &fakeDialer{},
		Listener: listener,
		Clock:    stepClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC), time.Second),
	})
	ctl.rt = rt

	rt.HandleEvent(ari.Event{
		Type:    ari.EventStasisStart,
		Args:    []string{"c1", "s1"},
		Channel: &ari.Channel{ID: "chan-1"},
	})
	// The digit lands while the store lookups are still pending; the
	// session must already be routable by channel id.
	rt.HandleEvent(ari.Event{
		Type:    ari.EventChannelDtmfReceived,
		Channel: &ari.Channel{ID: "chan-1"},
		Digit:   "5",
	})
	close(store.gate)

	select {
	case <-listener.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("session never completed")
	}
	s, err := mem.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s.Digits != "5" {
		t.Fatalf("digits = %q, early DTMF was dropped", s.Digits)
	}
	ctl.mu.Lock()
	plays := append([]string(nil), ctl.plays...)
	ctl.mu.Unlock()
	if len(plays) != 2 || !strings.Contains(plays[1], "thanks") {
		t.Fatalf("plays = %v, want the matched branch", plays)
	}
}

func TestBridgeLegRouting(t *testing.T) {
	h := newHarness(t, Config{})
	dialer := h.rt.dialer.(*fakeDialer)

	h.rt.HandleEvent(ari.Event{
		Type:    ari.EventStasisStart,
		Args:    []string{bridge.AppArgBridge, "s9", "b9"},
		Channel: &ari.Channel{ID: "agent-chan"},
	})

	dialer.mu.Lock()
	joins := append([]string(nil), dialer.joins...)
	dialer.mu.Unlock()
	if len(joins) != 1 || joins[0] != "s9/b9/agent-chan" {
		t.Fatalf("joins = %v", joins)
	}
	// HandleJoin returned false; the stale leg is hung up.
	if got := h.ctl.hungupChannels(); len(got) != 1 || got[0] != "agent-chan" {
		t.Fatalf("hangups: %v", got)
	}
}

func TestUncorrelatedChannelHungUp(t *testing.T) {
	h := newHarness(t, Config{})
	h.rt.HandleEvent(ari.Event{
		Type:    ari.EventStasisStart,
		Args:    nil,
		Channel: &ari.Channel{ID: "stray"},
	})
	if got := h.ctl.hungupChannels(); len(got) != 1 || got[0] != "stray" {
		t.Fatalf("hangups: %v", got)
	}
}
