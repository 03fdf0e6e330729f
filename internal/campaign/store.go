package campaign

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("campaign: not found")
	ErrInvalidArgument  = errors.New("campaign: invalid argument")
	ErrBadTransition    = errors.New("campaign: state transition not allowed")
	ErrSessionBackwards = errors.New("campaign: session update would move backward")
)

// Store is the persistence contract for campaigns, leads and sessions.
//
// ReserveLeads is the one operation with cross-process atomicity
// requirements: the state transition to dialing is conditional, so
// concurrent dispatcher ticks (or instances) racing on the same lead
// produce exactly one winner.
type Store interface {
	GetCampaign(ctx context.Context, id string) (Campaign, error)

	// TransitionCampaign moves a campaign from any of the given states
	// to the target state; ErrBadTransition when the current state is
	// not in from.
	TransitionCampaign(ctx context.Context, id string, from []CampaignState, to CampaignState) error

	// ReserveLeads atomically claims up to limit queueable leads
	// (pending or queued) in queue order, moving each to dialing and
	// bumping its attempt counter. Only successfully claimed leads are
	// returned.
	ReserveLeads(ctx context.Context, campaignID string, limit int, now time.Time) ([]Lead, error)

	// UnreserveLead puts a dialing lead back to queued and reverses the
	// attempt bump; used when a reserved lead could not be dispatched
	// (e.g. no concurrency slot).
	UnreserveLead(ctx context.Context, leadID string) error

	GetLead(ctx context.Context, leadID string) (Lead, error)

	MarkLeadConnected(ctx context.Context, leadID string) error
	MarkLeadFailed(ctx context.Context, leadID, reason string) error

	// RequeueFailed moves failed leads with remaining attempt budget
	// back to queued. Called by the platform's re-queue decision, never
	// by the dispatcher.
	RequeueFailed(ctx context.Context, campaignID string) (int, error)

	// OpenLeadCount counts leads that keep a campaign incomplete
	// (pending, queued, dialing, connected is excluded: a connected
	// lead's session finishes via the in-flight set).
	OpenLeadCount(ctx context.Context, campaignID string) (int, error)

	// LeadStateCounts is used by campaign stats.
	LeadStateCounts(ctx context.Context, campaignID string) (map[LeadState]int, error)

	CreateSession(ctx context.Context, s CallSession) error
	GetSession(ctx context.Context, id string) (CallSession, error)

	// SetSessionRinging records the acknowledged channel id.
	SetSessionRinging(ctx context.Context, id, channelID string) error
	SetSessionAnswered(ctx context.Context, id string, at time.Time) error

	// AppendSessionDigits appends captured DTMF to the session record.
	AppendSessionDigits(ctx context.Context, id, digits string) error

	SetSessionVoicemail(ctx context.Context, id string, detected bool, confidence float64) error

	// FailSession marks a session failed with the causal message.
	FailSession(ctx context.Context, id, reason string) error

	// FinishSession applies the terminal outcome. The update is
	// monotonic: ErrSessionBackwards when state would move backward.
	FinishSession(ctx context.Context, id string, out SessionOutcome) error

	SessionStateCounts(ctx context.Context, campaignID string) (map[SessionState]int, error)
}

// SessionOutcome is the terminal result of a call session.
type SessionOutcome struct {
	State           SessionState
	DurationSeconds int
	CostMinor       int64
	Currency        string
	RecordingURL    string
	Error           string
	EndedAt         time.Time
}
