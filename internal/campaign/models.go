package campaign

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Campaign is one unit of outbound work: a flow, a route, and pacing.
type Campaign struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`

	FlowID   string `json:"flow_id" db:"flow_id"`
	RouteID  string `json:"route_id" db:"route_id"`
	CallerID string `json:"caller_id" db:"caller_id"`

	// Pacing parameters; see the dispatcher for how they are spent.
	CallsPerMinute     float64 `json:"calls_per_minute" db:"calls_per_minute"`
	MaxConcurrentCalls int     `json:"max_concurrent_calls" db:"max_concurrent_calls"`
	RingTimeoutSeconds int     `json:"ring_timeout_seconds" db:"ring_timeout_seconds"`

	State CampaignState `json:"state" db:"state"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CampaignState string

const (
	CampaignDraft     CampaignState = "draft"
	CampaignScheduled CampaignState = "scheduled"
	CampaignRunning   CampaignState = "running"
	CampaignPaused    CampaignState = "paused"
	CampaignStopped   CampaignState = "stopped"
	CampaignCompleted CampaignState = "completed"
)

// Lead is one phone number belonging to a campaign. A lead is owned by
// at most one in-flight dial attempt; the store's conditional reserve
// transition enforces that.
type Lead struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`

	// Number is stored in normalized E.164 form.
	Number string `json:"number" db:"number"`

	State LeadState `json:"state" db:"state"`

	Attempts    int `json:"attempts" db:"attempts"`
	MaxAttempts int `json:"max_attempts" db:"max_attempts"`

	LastDialAt *time.Time `json:"last_dial_at,omitempty" db:"last_dial_at"`
	LastError  string     `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type LeadState string

const (
	LeadPending   LeadState = "pending"
	LeadQueued    LeadState = "queued"
	LeadDialing   LeadState = "dialing"
	LeadConnected LeadState = "connected"
	LeadFailed    LeadState = "failed"
)

// CallSession is one concrete dial attempt. Transitions are monotonic;
// the store rejects any update that would move a session backward.
type CallSession struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	LeadID     string `json:"lead_id" db:"lead_id"`

	// ChannelID is set once the protocol acknowledges origination.
	ChannelID string `json:"channel_id,omitempty" db:"channel_id"`

	State SessionState `json:"state" db:"state"`

	Digits string `json:"digits,omitempty" db:"digits"`

	VoicemailDetected   bool    `json:"voicemail_detected" db:"voicemail_detected"`
	VoicemailConfidence float64 `json:"voicemail_confidence" db:"voicemail_confidence"`

	DurationSeconds int    `json:"duration_seconds" db:"duration_seconds"`
	CostMinor       int64  `json:"cost_minor" db:"cost_minor"`
	Currency        string `json:"currency,omitempty" db:"currency"`
	RecordingURL    string `json:"recording_url,omitempty" db:"recording_url"`

	Error string `json:"error,omitempty" db:"error"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

type SessionState string

const (
	SessionPlacing   SessionState = "placing"
	SessionRinging   SessionState = "ringing"
	SessionAnswered  SessionState = "answered"
	SessionFailed    SessionState = "failed"
	SessionCompleted SessionState = "completed"
	SessionHungup    SessionState = "hungup"
	SessionCancelled SessionState = "cancelled"
)

// sessionRank orders session states; updates may only move forward,
// and every terminal state shares the top rank so none overwrites
// another.
var sessionRank = map[SessionState]int{
	SessionPlacing:   0,
	SessionRinging:   1,
	SessionAnswered:  2,
	SessionFailed:    3,
	SessionCompleted: 3,
	SessionHungup:    3,
	SessionCancelled: 3,
}

// CanTransition reports whether a session may move from one state to
// another without going backward.
func CanTransition(from, to SessionState) bool {
	fr, ok := sessionRank[from]
	if !ok {
		return false
	}
	tr, ok := sessionRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// terminal session states free the lead and the concurrency slot.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionHungup, SessionCancelled, SessionFailed:
		return true
	default:
		return false
	}
}

var ErrInvalidNumber = errors.New("campaign: invalid phone number")

// NormalizeE164 normalizes a dialable number into E.164 form. Numbers
// without a leading + are rejected rather than guessed at; country
// inference belongs to the importing layer upstream.
func NormalizeE164(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNumber)
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators are stripped
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
		}
	}

	out := b.String()
	if !strings.HasPrefix(out, "+") {
		return "", fmt.Errorf("%w: %q missing country code", ErrInvalidNumber, raw)
	}
	digits := len(out) - 1
	if digits < 7 || digits > 15 {
		return "", fmt.Errorf("%w: %q has %d digits", ErrInvalidNumber, raw, digits)
	}
	return out, nil
}
