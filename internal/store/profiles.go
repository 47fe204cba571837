package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/mindpulse/internal/profile"
)

// Load returns the stored profile of a learner.
func (s *Store) Load(ctx context.Context, learnerID string) (*profile.LearnerProfile, error) {
	var (
		data     []byte
		revision int64
	)
	err := s.db.QueryRow(ctx,
		`SELECT data, revision FROM learner_profiles WHERE learner_id = $1`, learnerID,
	).Scan(&data, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, profile.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", learnerID, unavailable(err))
	}
	var p profile.LearnerProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", learnerID, err)
	}
	p.Revision = revision
	return &p, nil
}

// CompareAndSwap applies d when the stored revision equals expected. The
// row is locked for the duration of the transaction; a concurrent writer
// that committed first makes this call return profile.ErrConflict.
func (s *Store) CompareAndSwap(ctx context.Context, learnerID string, expected int64, d profile.Delta) (int64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin cas %s: %w", learnerID, unavailable(err))
	}
	defer tx.Rollback(ctx)

	var (
		data     []byte
		revision int64
		exists   = true
	)
	err = tx.QueryRow(ctx,
		`SELECT data, revision FROM learner_profiles WHERE learner_id = $1 FOR UPDATE`, learnerID,
	).Scan(&data, &revision)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		exists = false
	case err != nil:
		return 0, fmt.Errorf("lock profile %s: %w", learnerID, unavailable(err))
	}

	if (!exists && expected != 0) || (exists && revision != expected) {
		return 0, profile.ErrConflict
	}

	now := time.Now().UTC()
	var p *profile.LearnerProfile
	if exists {
		p = &profile.LearnerProfile{}
		if err := json.Unmarshal(data, p); err != nil {
			return 0, fmt.Errorf("decode profile %s: %w", learnerID, err)
		}
	} else {
		p = profile.New(learnerID, d.TenantID, now)
	}
	if !d.Apply(p, now) && exists {
		return revision, nil
	}
	p.Revision = expected + 1

	out, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encode profile %s: %w", learnerID, err)
	}

	var tag int64
	if exists {
		ct, err := tx.Exec(ctx, `
			UPDATE learner_profiles
			SET data = $2, revision = $3, retired = $4, updated_at = $5
			WHERE learner_id = $1 AND revision = $6`,
			learnerID, out, p.Revision, p.Retired, now, expected)
		if err != nil {
			return 0, fmt.Errorf("update profile %s: %w", learnerID, unavailable(err))
		}
		tag = ct.RowsAffected()
	} else {
		ct, err := tx.Exec(ctx, `
			INSERT INTO learner_profiles (learner_id, tenant_id, revision, retired, data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (learner_id) DO NOTHING`,
			learnerID, p.TenantID, p.Revision, p.Retired, out, now)
		if err != nil {
			return 0, fmt.Errorf("insert profile %s: %w", learnerID, unavailable(err))
		}
		tag = ct.RowsAffected()
	}
	if tag == 0 {
		return 0, profile.ErrConflict
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit profile %s: %w", learnerID, unavailable(err))
	}
	return p.Revision, nil
}
