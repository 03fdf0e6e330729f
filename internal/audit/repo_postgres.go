package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends events to the audit_events table. Insert-only;
// retention is an operational concern, not code.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
		INSERT INTO audit_events
			(id, type, campaign_id, lead_id, session_id, trunk_id, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.Type, nullable(e.CampaignID), nullable(e.LeadID), nullable(e.SessionID),
		nullable(e.TrunkID), nullable(e.Message), nullable(e.Metadata), e.CreatedAt,
	)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
