package flow

import (
	"context"
	"sync"
	"time"

	"dialcast/internal/amd"
	"dialcast/internal/ari"
)

// playResult reports how one playback ended.
type playResult struct {
	playbackID string
	failed     bool
}

// recResult reports how one channel recording ended.
type recResult struct {
	name      string
	duration  int
	targetURI string
	failed    bool
}

// Session is the in-memory state of one live call being interpreted.
// The interpreter goroutine owns it; the event router only feeds its
// channels.
type Session struct {
	ID         string
	CampaignID string
	LeadID     string
	ChannelID  string
	Number     string
	RouteID    string

	ctx    context.Context
	cancel context.CancelFunc

	dtmf     chan string
	playDone chan playResult
	recDone  chan recResult

	// done closes when the channel leaves the PBX application.
	done    chan struct{}
	endOnce sync.Once

	live *amd.LiveDetector

	// verdictReady closes once the live detector has decided.
	verdictReady chan struct{}
	verdictOnce  sync.Once

	mu              sync.Mutex
	verdict         amd.Verdict
	digits          string
	currentPlayback string
	bridgeID        string
	recordingURL    string
	hangupCause     int
	voicemail       bool
	answeredAt      time.Time
}

// newSession builds the in-memory state for a freshly entered channel.
// LeadID, Number and RouteID are filled in once the store lookups
// complete; only the event router runs before then, and it never reads
// them.
func newSession(parent context.Context, id, campaignID, channelID string, live *amd.LiveDetector) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:           id,
		CampaignID:   campaignID,
		ChannelID:    channelID,
		ctx:          ctx,
		cancel:       cancel,
		dtmf:         make(chan string, 16),
		playDone:     make(chan playResult, 4),
		recDone:      make(chan recResult, 1),
		done:         make(chan struct{}),
		verdictReady: make(chan struct{}),
		live:         live,
	}
}

// handleEvent routes one channel-scoped event into the session.
func (s *Session) handleEvent(ev ari.Event) {
	switch ev.Type {
	case ari.EventChannelDtmfReceived:
		if ev.Digit == "" {
			return
		}
		select {
		case s.dtmf <- ev.Digit:
		default:
			// Buffer full; a caller mashing keys loses the extras.
		}

	case ari.EventPlaybackFinished, ari.EventPlaybackFailed:
		if ev.Playback == nil {
			return
		}
		s.mu.Lock()
		current := s.currentPlayback
		s.mu.Unlock()
		if ev.Playback.ID != current {
			return
		}
		select {
		case s.playDone <- playResult{playbackID: ev.Playback.ID, failed: ev.Type == ari.EventPlaybackFailed}:
		default:
		}

	case ari.EventChannelTalkingStarted:
		if s.live != nil {
			s.live.OnTalkingStarted()
		}

	case ari.EventChannelTalkingFinished:
		if s.live != nil {
			s.live.OnTalkingFinished()
		}

	case ari.EventRecordingFinished, ari.EventRecordingFailed:
		if ev.Recording == nil {
			return
		}
		select {
		case s.recDone <- recResult{
			name:      ev.Recording.Name,
			duration:  ev.Recording.DurationSeconds,
			targetURI: ev.Recording.TargetURI,
			failed:    ev.Type == ari.EventRecordingFailed,
		}:
		default:
		}

	case ari.EventChannelDestroyed:
		s.mu.Lock()
		s.hangupCause = ev.Cause
		s.mu.Unlock()
		s.end()

	case ari.EventStasisEnd:
		s.end()
	}
}

// end marks the channel gone and unblocks the interpreter.
func (s *Session) end() {
	s.endOnce.Do(func() {
		close(s.done)
		s.cancel()
		if s.live != nil {
			s.live.Stop()
		}
	})
}

// Ended reports whether the channel has left the application.
func (s *Session) Ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) setPlayback(id string) {
	s.mu.Lock()
	s.currentPlayback = id
	s.mu.Unlock()
}

func (s *Session) appendDigits(d string) {
	s.mu.Lock()
	s.digits += d
	s.mu.Unlock()
}

// Digits returns everything captured so far.
func (s *Session) Digits() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digits
}

func (s *Session) setBridge(id string) {
	s.mu.Lock()
	s.bridgeID = id
	s.mu.Unlock()
}

func (s *Session) bridge() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridgeID
}

func (s *Session) setRecording(url string) {
	s.mu.Lock()
	s.recordingURL = url
	s.mu.Unlock()
}

func (s *Session) recording() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingURL
}

// setVerdict records the live detector's decision; first one wins.
func (s *Session) setVerdict(v amd.Verdict) {
	s.verdictOnce.Do(func() {
		s.mu.Lock()
		s.verdict = v
		s.mu.Unlock()
		close(s.verdictReady)
	})
}

// liveVerdict returns the decision if one has arrived.
func (s *Session) liveVerdict() (amd.Verdict, bool) {
	select {
	case <-s.verdictReady:
	default:
		return amd.Verdict{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verdict, true
}

func (s *Session) markVoicemail() {
	s.mu.Lock()
	s.voicemail = true
	s.mu.Unlock()
}

func (s *Session) isVoicemail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voicemail
}

func (s *Session) cause() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hangupCause
}
