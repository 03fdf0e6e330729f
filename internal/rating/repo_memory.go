package rating

import (
	"context"
	"strings"
	"time"
)

// MemoryRepo is a simple in-memory repository useful for tests and early development.
//
// NOTE: This is not intended for production; replace with Postgres implementation.
type MemoryRepo struct {
	Rates []Rate
}

func (r *MemoryRepo) FindRate(ctx context.Context, routeID, destination string, at time.Time) (Rate, bool, error) {
	_ = ctx

	// Longest matching prefix wins; among equal prefixes the most
	// recently effective row wins.
	var best Rate
	found := false

	for _, rate := range r.Rates {
		if rate.RouteID != routeID {
			continue
		}
		if rate.Status != RateStatusActive {
			continue
		}
		if rate.Prefix != "" && !strings.HasPrefix(destination, rate.Prefix) {
			continue
		}
		if at.Before(rate.EffectiveFrom) {
			continue
		}
		if rate.EffectiveTo != nil && !at.Before(*rate.EffectiveTo) {
			continue
		}

		switch {
		case !found:
			best = rate
			found = true
		case len(rate.Prefix) > len(best.Prefix):
			best = rate
		case len(rate.Prefix) == len(best.Prefix) && rate.EffectiveFrom.After(best.EffectiveFrom):
			best = rate
		}
	}

	return best, found, nil
}
