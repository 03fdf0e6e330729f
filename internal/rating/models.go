package rating

import "time"

// Amounts are expressed in minor units (e.g., cents) using int64.

// Rate defines per-minute charges for calls placed through a route.
// A rate row with an empty Prefix is the route's fallback; rows with a
// Prefix apply to destinations starting with it, longest match first.
type Rate struct {
	ID      string `json:"id" db:"id"`
	RouteID string `json:"route_id" db:"route_id"`

	// Prefix is matched against the E.164 destination (e.g., "+1",
	// "+44"). Empty means route default.
	Prefix string `json:"prefix,omitempty" db:"prefix"`

	Currency string `json:"currency" db:"currency"`

	// PerMinuteMinor is the price per started billable minute.
	PerMinuteMinor int64 `json:"per_minute_minor" db:"per_minute_minor"`

	// IncrementSeconds (e.g., 60 for per-minute, 1 for per-second billing).
	IncrementSeconds int `json:"increment_seconds" db:"increment_seconds"`

	// MinimumSeconds enforces a minimum charge duration.
	MinimumSeconds int `json:"minimum_seconds" db:"minimum_seconds"`

	// Effective window for the rate.
	EffectiveFrom time.Time  `json:"effective_from" db:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" db:"effective_to"`

	Status RateStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type RateStatus string

const (
	RateStatusActive   RateStatus = "active"
	RateStatusInactive RateStatus = "inactive"
)
