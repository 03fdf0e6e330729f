package audit

import "time"

// Event is an immutable, append-only record of an engine action.
//
// Invariants:
// - Events are never updated or deleted.
// - Recording is best-effort; never block call flow on audit failures.
//
// Storage recommendation (Postgres): an INSERT-only audit_events table,
// optionally partitioned by time for retention.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the engine action category.
	Type EventType `json:"type" db:"type"`

	// Target identifiers (optional, depending on the event type).
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	LeadID     string `json:"lead_id,omitempty" db:"lead_id"`
	SessionID  string `json:"session_id,omitempty" db:"session_id"`
	TrunkID    string `json:"trunk_id,omitempty" db:"trunk_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventCampaignStarted   EventType = "campaign_started"
	EventCampaignPaused    EventType = "campaign_paused"
	EventCampaignStopped   EventType = "campaign_stopped"
	EventCampaignCompleted EventType = "campaign_completed"
	EventOriginationFailed EventType = "origination_failed"
	EventSessionFinished   EventType = "session_finished"
	EventTrunkSynced       EventType = "trunk_synced"
	EventTrunkRemoved      EventType = "trunk_removed"
)
