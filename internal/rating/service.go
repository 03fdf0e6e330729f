package rating

import (
	"context"
	"errors"
	"time"
)

// Service computes the cost of a finished call session.
//
// Contract:
// - Rate resolution is route-scoped with longest-prefix destination match.
// - Pure calculation + repository lookups; no network calls.
type Service struct {
	repo  RateRepository
	clock func() time.Time
}

func NewService(repo RateRepository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

type CostRequest struct {
	RouteID string

	// Destination is the dialed number in E.164 form.
	Destination string

	// DurationSeconds is the answered duration (billable seconds are derived).
	DurationSeconds int

	// At determines which effective rate to use. If zero, service clock is used.
	At time.Time
}

type Cost struct {
	RouteID     string
	Destination string

	Currency string

	BillableSeconds int
	BillableMinutes int

	PerMinuteMinor int64
	TotalMinor     int64
}

var (
	ErrRateNotFound   = errors.New("rating: rate not found")
	ErrInvalidRequest = errors.New("rating: invalid request")
)

// SessionCost computes the charge for one answered call session.
// Unanswered calls never reach rating; zero duration is rejected.
func (s *Service) SessionCost(ctx context.Context, req CostRequest) (Cost, error) {
	if req.RouteID == "" || req.Destination == "" {
		return Cost{}, ErrInvalidRequest
	}
	if req.DurationSeconds <= 0 {
		return Cost{}, ErrInvalidRequest
	}

	at := req.At
	if at.IsZero() {
		at = s.clock().UTC()
	}

	rate, ok, err := s.repo.FindRate(ctx, req.RouteID, req.Destination, at)
	if err != nil {
		return Cost{}, err
	}
	if !ok {
		return Cost{}, ErrRateNotFound
	}

	billableSec := billableSeconds(req.DurationSeconds, rate.MinimumSeconds, rate.IncrementSeconds)
	billableMin := billableMinutesFromSeconds(billableSec)

	return Cost{
		RouteID:         req.RouteID,
		Destination:     req.Destination,
		Currency:        rate.Currency,
		BillableSeconds: billableSec,
		BillableMinutes: billableMin,
		PerMinuteMinor:  rate.PerMinuteMinor,
		TotalMinor:      rate.PerMinuteMinor * int64(billableMin),
	}, nil
}

// RateRepository abstracts rate persistence.
// Implementation can be Postgres, cached, etc.
type RateRepository interface {
	// FindRate resolves the effective rate for a route and destination
	// at the given time; longest prefix wins, empty prefix is fallback.
	FindRate(ctx context.Context, routeID, destination string, at time.Time) (Rate, bool, error)
}

func billableSeconds(actualSec int, minSec int, incrementSec int) int {
	if actualSec < 0 {
		return 0
	}
	if minSec <= 0 {
		minSec = 0
	}
	if incrementSec <= 0 {
		incrementSec = 60
	}

	sec := actualSec
	if sec < minSec {
		sec = minSec
	}

	// round up to nearest increment
	q := sec / incrementSec
	r := sec % incrementSec
	if r != 0 {
		q++
	}
	return q * incrementSec
}

func billableMinutesFromSeconds(sec int) int {
	if sec <= 0 {
		return 0
	}
	m := sec / 60
	if sec%60 != 0 {
		m++
	}
	return m
}
