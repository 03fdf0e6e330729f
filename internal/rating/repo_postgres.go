package rating

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresRepo resolves rates from the rates table. Prefix matching and
// tie-breaking happen in SQL: longest prefix wins, then the most
// recently effective row.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) FindRate(ctx context.Context, routeID, destination string, at time.Time) (Rate, bool, error) {
	const q = `
		SELECT id, route_id, prefix, currency, per_minute_minor,
		       increment_seconds, minimum_seconds,
		       effective_from, effective_to, status
		FROM rates
		WHERE route_id = $1
		  AND status = 'active'
		  AND effective_from <= $2
		  AND (effective_to IS NULL OR effective_to > $2)
		  AND (prefix = '' OR $3 LIKE prefix || '%')
		ORDER BY length(prefix) DESC, effective_from DESC
		LIMIT 1`

	var (
		rate Rate
		to   sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, routeID, at, destination).Scan(
		&rate.ID, &rate.RouteID, &rate.Prefix, &rate.Currency, &rate.PerMinuteMinor,
		&rate.IncrementSeconds, &rate.MinimumSeconds,
		&rate.EffectiveFrom, &to, &rate.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Rate{}, false, nil
	}
	if err != nil {
		return Rate{}, false, err
	}
	if to.Valid {
		rate.EffectiveTo = &to.Time
	}
	return rate, true, nil
}
