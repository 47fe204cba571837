package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/mindpulse/internal/cognitive"
	"github.com/nidhogg/mindpulse/internal/dispatch"
)

// Schedule records a new review. The active entry for the same
// (learner, concept) is superseded unless it was reviewed later, in which
// case the new row is stored already superseded.
func (s *Store) Schedule(ctx context.Context, e cognitive.ScheduleEntry) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin schedule: %w", unavailable(err))
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var (
		activeID   int64
		reviewedAt time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT id, reviewed_at FROM schedule_entries
		WHERE learner_id = $1 AND concept_id = $2 AND superseded_at IS NULL
		FOR UPDATE`, e.LearnerID, e.ConceptID).Scan(&activeID, &reviewedAt)
	hasActive := true
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		hasActive = false
	case err != nil:
		return fmt.Errorf("lock schedule %s/%s: %w", e.LearnerID, e.ConceptID, unavailable(err))
	}

	var superseded *time.Time
	if hasActive && reviewedAt.After(e.ReviewedAt) {
		superseded = &now
	} else if hasActive {
		if _, err := tx.Exec(ctx,
			`UPDATE schedule_entries SET superseded_at = $2 WHERE id = $1`, activeID, now); err != nil {
			return fmt.Errorf("supersede schedule %d: %w", activeID, unavailable(err))
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO schedule_entries
			(learner_id, concept_id, next_review_at, interval_days, last_score, reviewed_at, superseded_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.LearnerID, e.ConceptID, e.NextReviewAt.UTC(), e.IntervalDays, e.LastScore, e.ReviewedAt.UTC(), superseded, now)
	if err != nil {
		return fmt.Errorf("insert schedule %s/%s: %w", e.LearnerID, e.ConceptID, unavailable(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schedule: %w", unavailable(err))
	}
	return nil
}

// Intervene keeps a durable log of delivered interventions.
func (s *Store) Intervene(ctx context.Context, iv dispatch.Intervention) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO interventions (id, session_id, learner_id, concept_id, severity, trigger, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		iv.ID, iv.SessionID, iv.LearnerID, iv.ConceptID, iv.Severity, string(iv.Trigger), iv.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("record intervention %s: %w", iv.ID, unavailable(err))
	}
	return nil
}

const scheduleColumns = `learner_id, concept_id, next_review_at, interval_days, last_score, reviewed_at`

func scanEntries(rows pgx.Rows) ([]cognitive.ScheduleEntry, error) {
	defer rows.Close()
	var out []cognitive.ScheduleEntry
	for rows.Next() {
		var e cognitive.ScheduleEntry
		if err := rows.Scan(&e.LearnerID, &e.ConceptID, &e.NextReviewAt, &e.IntervalDays, &e.LastScore, &e.ReviewedAt); err != nil {
			return nil, fmt.Errorf("scan schedule entry: %w", err)
		}
		e.NextReviewAt = e.NextReviewAt.UTC()
		e.ReviewedAt = e.ReviewedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Entries returns the active schedule of a learner ordered by next review.
func (s *Store) Entries(ctx context.Context, learnerID string) ([]cognitive.ScheduleEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedule_entries
		WHERE learner_id = $1 AND superseded_at IS NULL
		ORDER BY next_review_at, concept_id`, learnerID)
	if err != nil {
		return nil, fmt.Errorf("list schedule %s: %w", learnerID, unavailable(err))
	}
	return scanEntries(rows)
}

// Due returns active entries that came due and have not been reminded.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]cognitive.ScheduleEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedule_entries
		WHERE superseded_at IS NULL AND reminded_at IS NULL AND next_review_at <= $1
		ORDER BY next_review_at, learner_id, concept_id
		LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedule: %w", unavailable(err))
	}
	return scanEntries(rows)
}

// MarkReminded stamps the active entry matching e. A superseded entry is
// left alone so its replacement still gets reminded.
func (s *Store) MarkReminded(ctx context.Context, e cognitive.ScheduleEntry, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE schedule_entries SET reminded_at = $4
		WHERE learner_id = $1 AND concept_id = $2 AND next_review_at = $3 AND superseded_at IS NULL`,
		e.LearnerID, e.ConceptID, e.NextReviewAt.UTC(), at.UTC())
	if err != nil {
		return fmt.Errorf("mark reminded %s/%s: %w", e.LearnerID, e.ConceptID, unavailable(err))
	}
	return nil
}
