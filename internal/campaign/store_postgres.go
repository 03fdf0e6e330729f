package campaign

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dialcast/pkg/utils"
)

// PostgresStore persists campaigns, leads and sessions.
//
// Assumed tables: campaigns, leads, call_sessions. The reserve path
// relies on a conditional UPDATE, not row locks, so it stays safe when
// several dispatcher instances share the queue.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	const q = `
SELECT id, name, flow_id, route_id, caller_id,
       calls_per_minute, max_concurrent_calls, ring_timeout_seconds,
       state, created_at, updated_at
FROM campaigns
WHERE id = $1
`
	var c Campaign
	if err := s.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID, &c.Name, &c.FlowID, &c.RouteID, &c.CallerID,
		&c.CallsPerMinute, &c.MaxConcurrentCalls, &c.RingTimeoutSeconds,
		&c.State, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}
	return c, nil
}

func (s *PostgresStore) TransitionCampaign(ctx context.Context, id string, from []CampaignState, to CampaignState) error {
	if len(from) == 0 {
		return ErrInvalidArgument
	}
	placeholders := make([]string, len(from))
	args := []any{to, id}
	for i, st := range from {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, st)
	}
	q := fmt.Sprintf(`
UPDATE campaigns
SET state = $1, updated_at = now()
WHERE id = $2 AND state IN (%s)
`, strings.Join(placeholders, ", "))

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing campaign from a disallowed transition.
		if _, err := s.GetCampaign(ctx, id); err != nil {
			return err
		}
		return ErrBadTransition
	}
	return nil
}

func (s *PostgresStore) ReserveLeads(ctx context.Context, campaignID string, limit int, now time.Time) ([]Lead, error) {
	if limit <= 0 {
		return nil, nil
	}
	// The inner SELECT picks candidates in queue order; the conditional
	// UPDATE claims only rows still in a queueable state, and
	// SKIP LOCKED keeps concurrent reservers from stalling each other.
	const q = `
UPDATE leads
SET state = 'dialing', attempts = attempts + 1, last_dial_at = $3, updated_at = $3
WHERE id IN (
    SELECT id FROM leads
    WHERE campaign_id = $1 AND state IN ('pending', 'queued')
    ORDER BY created_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
AND state IN ('pending', 'queued')
RETURNING id, campaign_id, number, state, attempts, max_attempts,
          last_dial_at, last_error, created_at, updated_at
`
	rows, err := s.db.QueryContext(ctx, q, campaignID, limit, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		var l Lead
		var lastErr sql.NullString
		if err := rows.Scan(
			&l.ID, &l.CampaignID, &l.Number, &l.State, &l.Attempts, &l.MaxAttempts,
			&l.LastDialAt, &lastErr, &l.CreatedAt, &l.UpdatedAt,
		); err != nil {
			return nil, err
		}
		l.LastError = lastErr.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UnreserveLead(ctx context.Context, leadID string) error {
	const q = `
UPDATE leads
SET state = 'queued', attempts = GREATEST(attempts - 1, 0), updated_at = now()
WHERE id = $1 AND state = 'dialing'
`
	return s.execExpectRow(ctx, q, leadID)
}

func (s *PostgresStore) GetLead(ctx context.Context, leadID string) (Lead, error) {
	const q = `
SELECT id, campaign_id, number, state, attempts, max_attempts,
       last_dial_at, last_error, created_at, updated_at
FROM leads
WHERE id = $1
`
	var l Lead
	var lastErr sql.NullString
	if err := s.db.QueryRowContext(ctx, q, leadID).Scan(
		&l.ID, &l.CampaignID, &l.Number, &l.State, &l.Attempts, &l.MaxAttempts,
		&l.LastDialAt, &lastErr, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lead{}, ErrNotFound
		}
		return Lead{}, err
	}
	l.LastError = lastErr.String
	return l, nil
}

func (s *PostgresStore) MarkLeadConnected(ctx context.Context, leadID string) error {
	const q = `
UPDATE leads
SET state = 'connected', updated_at = now()
WHERE id = $1 AND state = 'dialing'
`
	return s.execExpectRow(ctx, q, leadID)
}

func (s *PostgresStore) MarkLeadFailed(ctx context.Context, leadID, reason string) error {
	const q = `
UPDATE leads
SET state = 'failed', last_error = $2, updated_at = now()
WHERE id = $1 AND state IN ('dialing', 'connected')
`
	return s.execExpectRow(ctx, q, leadID, reason)
}

func (s *PostgresStore) RequeueFailed(ctx context.Context, campaignID string) (int, error) {
	const q = `
UPDATE leads
SET state = 'queued', last_error = '', updated_at = now()
WHERE campaign_id = $1 AND state = 'failed' AND attempts < max_attempts
`
	res, err := s.db.ExecContext(ctx, q, campaignID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) OpenLeadCount(ctx context.Context, campaignID string) (int, error) {
	const q = `
SELECT COUNT(*)
FROM leads
WHERE campaign_id = $1 AND state IN ('pending', 'queued', 'dialing')
`
	var n int
	if err := s.db.QueryRowContext(ctx, q, campaignID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) LeadStateCounts(ctx context.Context, campaignID string) (map[LeadState]int, error) {
	const q = `
SELECT state, COUNT(*)
FROM leads
WHERE campaign_id = $1
GROUP BY state
`
	rows, err := s.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[LeadState]int)
	for rows.Next() {
		var st LeadState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateSession(ctx context.Context, cs CallSession) error {
	if cs.ID == "" || cs.CampaignID == "" || cs.LeadID == "" {
		return ErrInvalidArgument
	}
	const q = `
INSERT INTO call_sessions (id, campaign_id, lead_id, channel_id, state, digits,
                           voicemail_detected, voicemail_confidence,
                           duration_seconds, cost_minor, currency,
                           recording_url, error, created_at)
VALUES ($1, $2, $3, $4, $5, '', false, 0, 0, 0, '', '', '', $6)
`
	_, err := s.db.ExecContext(ctx, q,
		cs.ID, cs.CampaignID, cs.LeadID, cs.ChannelID, cs.State, cs.CreatedAt.UTC(),
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (CallSession, error) {
	const q = `
SELECT id, campaign_id, lead_id, channel_id, state, digits,
       voicemail_detected, voicemail_confidence,
       duration_seconds, cost_minor, currency, recording_url, error,
       created_at, answered_at, ended_at
FROM call_sessions
WHERE id = $1
`
	var cs CallSession
	if err := s.db.QueryRowContext(ctx, q, id).Scan(
		&cs.ID, &cs.CampaignID, &cs.LeadID, &cs.ChannelID, &cs.State, &cs.Digits,
		&cs.VoicemailDetected, &cs.VoicemailConfidence,
		&cs.DurationSeconds, &cs.CostMinor, &cs.Currency, &cs.RecordingURL, &cs.Error,
		&cs.CreatedAt, &cs.AnsweredAt, &cs.EndedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallSession{}, ErrNotFound
		}
		return CallSession{}, err
	}
	return cs, nil
}

func (s *PostgresStore) SetSessionRinging(ctx context.Context, id, channelID string) error {
	return s.forwardSession(ctx, id, SessionRinging, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
UPDATE call_sessions SET state = 'ringing', channel_id = $2 WHERE id = $1
`, id, channelID)
		return err
	})
}

func (s *PostgresStore) SetSessionAnswered(ctx context.Context, id string, at time.Time) error {
	return s.forwardSession(ctx, id, SessionAnswered, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
UPDATE call_sessions SET state = 'answered', answered_at = $2 WHERE id = $1
`, id, at.UTC())
		return err
	})
}

func (s *PostgresStore) AppendSessionDigits(ctx context.Context, id, digits string) error {
	const q = `
UPDATE call_sessions SET digits = digits || $2 WHERE id = $1
`
	return s.execExpectRow(ctx, q, id, digits)
}

func (s *PostgresStore) SetSessionVoicemail(ctx context.Context, id string, detected bool, confidence float64) error {
	const q = `
UPDATE call_sessions SET voicemail_detected = $2, voicemail_confidence = $3 WHERE id = $1
`
	return s.execExpectRow(ctx, q, id, detected, confidence)
}

func (s *PostgresStore) FailSession(ctx context.Context, id, reason string) error {
	return s.forwardSession(ctx, id, SessionFailed, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
UPDATE call_sessions SET state = 'failed', error = $2, ended_at = now() WHERE id = $1
`, id, reason)
		return err
	})
}

func (s *PostgresStore) FinishSession(ctx context.Context, id string, out SessionOutcome) error {
	if !out.State.Terminal() {
		return ErrInvalidArgument
	}
	return s.forwardSession(ctx, id, out.State, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
UPDATE call_sessions
SET state = $2, duration_seconds = $3, cost_minor = $4, currency = $5,
    recording_url = $6, error = $7, ended_at = $8
WHERE id = $1
`, id, out.State, out.DurationSeconds, out.CostMinor, out.Currency,
			out.RecordingURL, out.Error, out.EndedAt.UTC())
		return err
	})
}

func (s *PostgresStore) SessionStateCounts(ctx context.Context, campaignID string) (map[SessionState]int, error) {
	const q = `
SELECT state, COUNT(*)
FROM call_sessions
WHERE campaign_id = $1
GROUP BY state
`
	rows, err := s.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[SessionState]int)
	for rows.Next() {
		var st SessionState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// forwardSession serializes a monotonic session update: lock the row,
// check the transition direction, then apply.
func (s *PostgresStore) forwardSession(ctx context.Context, id string, to SessionState, apply utils.TxFunc) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		var cur SessionState
		if err := tx.QueryRowContext(ctx, `
SELECT state FROM call_sessions WHERE id = $1 FOR UPDATE
`, id).Scan(&cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !CanTransition(cur, to) {
			return ErrSessionBackwards
		}
		return apply(ctx, tx)
	})
}

func (s *PostgresStore) execExpectRow(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
