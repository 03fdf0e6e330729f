package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods are provided by
// design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal engine actions. Callers treat recording as
// best-effort and never fail an operation because audit failed.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record is the fire-and-forget variant used from hot paths; failures
// are swallowed by contract.
func (s *Service) Record(ctx context.Context, e Event) {
	if s == nil {
		return
	}
	_ = s.Append(ctx, e)
}
