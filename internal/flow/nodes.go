package flow

import (
	"context"
	"errors"
	"strings"
	"time"

	"dialcast/internal/bridge"
	"dialcast/internal/media"
)

// errChannelGone ends interpretation when the far end hangs up mid-node.
var errChannelGone = errors.New("flow: channel gone")

type playNode struct {
	NodeID        string       `json:"id"`
	Prompt        media.Prompt `json:"prompt"`
	Interruptible bool         `json:"interruptible,omitempty"`
	Next          string       `json:"next,omitempty"`
}

func (n *playNode) ID() string     { return n.NodeID }
func (n *playNode) refs() []string { return []string{n.Next} }

func (n *playNode) Execute(ctx context.Context, rt *Runtime, s *Session) (string, error) {
	_, err := rt.play(ctx, s, n.Prompt, n.Interruptible)
	if err != nil {
		return "", err
	}
	return n.Next, nil
}

type gatherNode struct {
	NodeID         string            `json:"id"`
	Prompt         media.Prompt      `json:"prompt"`
	MinDigits      int               `json:"min_digits"`
	MaxDigits      int               `json:"max_digits"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Attempts       int               `json:"attempts,omitempty"`
	Terminator     string            `json:"terminator,omitempty"`
	Branches       map[string]string `json:"branches,omitempty"`
	DefaultNext    string            `json:"default_next,omitempty"`
}

func (n *gatherNode) ID() string { return n.NodeID }

func (n *gatherNode) refs() []string {
	out := []string{n.DefaultNext}
	for _, next := range n.Branches {
		out = append(out, next)
	}
	return out
}

func (n *gatherNode) Execute(ctx context.Context, rt *Runtime, s *Session) (string, error) {
	attempts := n.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	maxDigits := n.MaxDigits
	if maxDigits <= 0 {
		maxDigits = 1
	}
	timeout := time.Duration(n.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	for attempt := 0; attempt < attempts; attempt++ {
		first, err := rt.play(ctx, s, n.Prompt, true)
		if err != nil {
			return "", err
		}

		collected, err := n.collect(ctx, s, first, maxDigits, timeout)
		if err != nil {
			return "", err
		}
		if len(collected) < n.MinDigits {
			continue
		}

		s.appendDigits(collected)
		rt.recordDigits(ctx, s, collected)
		if next, ok := n.Branches[collected]; ok {
			return next, nil
		}
		return n.DefaultNext, nil
	}
	return n.DefaultNext, nil
}

// collect gathers digits until the terminator, the digit cap, or an
// inter-digit timeout.
func (n *gatherNode) collect(ctx context.Context, s *Session, first string, maxDigits int, timeout time.Duration) (string, error) {
	var b strings.Builder
	if first != "" {
		if first == n.Terminator {
			return "", nil
		}
		b.WriteString(first)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for b.Len() < maxDigits {
		select {
		case d := <-s.dtmf:
			if d == n.Terminator && n.Terminator != "" {
				return b.String(), nil
			}
			b.WriteString(d)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
		case <-timer.C:
			return b.String(), nil
		case <-s.done:
			return "", errChannelGone
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return b.String(), nil
}

// dialNode bridges the caller with a dialed second leg. Whatever the
// attempt's outcome, the flow continues afterwards: timeout prefers
// NoAnswerNext when set, everything else follows Next.
type dialNode struct {
	NodeID         string `json:"id"`
	Endpoint       string `json:"endpoint"`
	CallerID       string `json:"caller_id,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Next           string `json:"next,omitempty"`
	NoAnswerNext   string `json:"no_answer_next,omitempty"`
}

func (n *dialNode) ID() string     { return n.NodeID }
func (n *dialNode) refs() []string { return []string{n.Next, n.NoAnswerNext} }

func (n *dialNode) Execute(ctx context.Context, rt *Runtime, s *Session) (string, error) {
	res, err := rt.dialer.Dial(s.ctx, s.ID, s.ChannelID, bridge.DialRequest{
		Endpoint:       n.Endpoint,
		CallerID:       n.CallerID,
		TimeoutSeconds: n.TimeoutSeconds,
	})
	if err != nil {
		if s.Ended() {
			return "", errChannelGone
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, bridge.ErrDialTimeout) {
			if n.NoAnswerNext != "" {
				return n.NoAnswerNext, nil
			}
			return n.Next, nil
		}
		rt.log.Warn("dial failed, continuing flow",
			"session_id", s.ID, "endpoint", n.Endpoint, "err", err)
		return n.Next, nil
	}

	// Bridged; the conversation runs until either leg ends, then the
	// bridge comes down and the flow resumes.
	s.setBridge(res.BridgeID)
	peerGone := rt.trackPeer(res.AgentChannelID)
	defer rt.untrackPeer(res.AgentChannelID)
	select {
	case <-peerGone:
	case <-s.done:
		return "", errChannelGone
	case <-ctx.Done():
		return "", ctx.Err()
	}
	rt.dialer.Release(ctx, res.BridgeID)
	s.setBridge("")
	return n.Next, nil
}

type recordNode struct {
	NodeID            string       `json:"id"`
	Prompt            media.Prompt `json:"prompt,omitempty"`
	MaxSeconds        int          `json:"max_seconds,omitempty"`
	MaxSilenceSeconds int          `json:"max_silence_seconds,omitempty"`
	Beep              bool         `json:"beep,omitempty"`
	Next              string       `json:"next,omitempty"`
}

func (n *recordNode) ID() string     { return n.NodeID }
func (n *recordNode) refs() []string { return []string{n.Next} }

func (n *recordNode) Execute(ctx context.Context, rt *Runtime, s *Session) (string, error) {
	if n.Prompt.Text != "" || n.Prompt.URL != "" {
		if _, err := rt.play(ctx, s, n.Prompt, false); err != nil {
			return "", err
		}
	}

	maxSeconds := n.MaxSeconds
	if maxSeconds <= 0 {
		maxSeconds = 60
	}
	uri, err := rt.record(ctx, s, n.NodeID, maxSeconds, n.MaxSilenceSeconds, n.Beep)
	if err != nil {
		return "", err
	}
	s.setRecording(uri)
	return n.Next, nil
}

type pauseNode struct {
	NodeID  string `json:"id"`
	Seconds int    `json:"seconds"`
	Next    string `json:"next,omitempty"`
}

func (n *pauseNode) ID() string     { return n.NodeID }
func (n *pauseNode) refs() []string { return []string{n.Next} }

func (n *pauseNode) Execute(ctx context.Context, rt *Runtime, s *Session) (string, error) {
	d := time.Duration(n.Seconds) * time.Second
	if d <= 0 {
		return n.Next, nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return n.Next, nil
	case <-s.done:
		return "", errChannelGone
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type hangupNode struct {
	NodeID string `json:"id"`
}

func (n *hangupNode) ID() string     { return n.NodeID }
func (n *hangupNode) refs() []string { return nil }

func (n *hangupNode) Execute(ctx context.Context, rt *Runtime, s *Session) (string, error) {
	return "", nil
}

// activityNode is the live-person check. It waits for the live
// detector's verdict: a human continues to Next (optionally announcing
// itself with a synthetic digit), a machine or a decision timeout takes
// the machine path.
type activityNode struct {
	NodeID         string `json:"id"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`

	// Digit is appended to the session buffer and reported as DTMF on
	// a human verdict, so downstream branches can key on it.
	Digit string `json:"digit,omitempty"`

	// HangupOnMachine ends the call on a machine verdict even when
	// DefaultNext is set.
	HangupOnMachine bool   `json:"hangup_on_machine,omitempty"`
	Next            string `json:"next,omitempty"`
	DefaultNext     string `json:"default_next,omitempty"`
}

func (n *activityNode) ID() string     { return n.NodeID }
func (n *activityNode) refs() []string { return []string{n.Next, n.DefaultNext} }

func (n *activityNode) Execute(ctx context.Context, rt *Runtime, s *Session) (string, error) {
	if s.live == nil {
		// Detection is not armed for this call; nothing to check.
		return n.Next, nil
	}
	timeout := time.Duration(n.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.verdictReady:
	case <-timer.C:
		return n.machinePath()
	case <-s.done:
		return "", errChannelGone
	case <-ctx.Done():
		return "", ctx.Err()
	}

	v, _ := s.liveVerdict()
	if v.Machine {
		return n.machinePath()
	}
	if n.Digit != "" {
		s.appendDigits(n.Digit)
		rt.recordDigits(ctx, s, n.Digit)
	}
	return n.Next, nil
}

func (n *activityNode) machinePath() (string, error) {
	if n.HangupOnMachine || n.DefaultNext == "" {
		return "", nil
	}
	return n.DefaultNext, nil
}
