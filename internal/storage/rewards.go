package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const rewardColumns = `id, user_id, owner_event_id, feature_version, reward, status,
	attempts, last_error, scheduled_at, created_at, updated_at, idempotency_key`

// EnqueueReward inserts a Pending entry and returns its ID. When an entry
// with the same idempotency key exists, nothing is written and the existing
// ID is returned.
func (s *SQLiteStorage) EnqueueReward(ctx context.Context, e RewardEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return e.ID, nil
	}

	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = e.ID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_queue (`+rewardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`, e.ID, e.UserID, e.OwnerEventID, e.FeatureVersion, e.Reward, string(RewardPending),
		e.Attempts, e.LastError, toMillis(e.ScheduledAt), toMillis(e.CreatedAt), toMillis(now), e.IdempotencyKey)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue reward for %s: %w", e.OwnerEventID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return e.ID, nil
	}

	var existing string
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM reward_queue WHERE idempotency_key = ?`, e.IdempotencyKey,
	).Scan(&existing); err != nil {
		return "", fmt.Errorf("failed to look up reward %s: %w", e.IdempotencyKey, err)
	}
	return existing, nil
}

// RecoverStuckRewards resets Processing entries not touched since cutoff.
func (s *SQLiteStorage) RecoverStuckRewards(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE reward_queue SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`, string(RewardPending), toMillis(time.Now()), string(RewardProcessing), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stuck rewards: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClaimDueRewards atomically moves due Pending entries to Processing.
func (s *SQLiteStorage) ClaimDueRewards(ctx context.Context, now time.Time, limit int) ([]RewardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+rewardColumns+`
		FROM reward_queue
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
		LIMIT ?
	`, string(RewardPending), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due rewards: %w", err)
	}
	entries, err := scanRewards(rows)
	if err != nil {
		return nil, err
	}

	touched := toMillis(time.Now())
	for i := range entries {
		if _, err := tx.ExecContext(ctx,
			`UPDATE reward_queue SET status = ?, updated_at = ? WHERE id = ?`,
			string(RewardProcessing), touched, entries[i].ID,
		); err != nil {
			return nil, fmt.Errorf("failed to claim reward %s: %w", entries[i].ID, err)
		}
		entries[i].Status = RewardProcessing
		entries[i].UpdatedAt = fromMillis(touched)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return entries, nil
}

// FinishReward sets a terminal status.
func (s *SQLiteStorage) FinishReward(ctx context.Context, id string, status RewardStatus, lastErr string) error {
	if status != RewardDone && status != RewardFailed {
		return fmt.Errorf("reward status %q is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE reward_queue SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastErr, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to finish reward %s: %w", id, err)
	}
	return nil
}

// RescheduleReward puts an entry back to Pending.
func (s *SQLiteStorage) RescheduleReward(ctx context.Context, id string, at time.Time, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE reward_queue
		SET status = ?, scheduled_at = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(RewardPending), toMillis(at), attempts, lastErr, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule reward %s: %w", id, err)
	}
	return nil
}

// GetReward loads one entry.
func (s *SQLiteStorage) GetReward(ctx context.Context, id string) (*RewardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+rewardColumns+` FROM reward_queue WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward %s: %w", id, err)
	}
	entries, err := scanRewards(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// RewardStats counts entries by status.
func (s *SQLiteStorage) RewardStats(ctx context.Context) (map[RewardStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[RewardStatus]int{
		RewardPending: 0, RewardProcessing: 0, RewardDone: 0, RewardFailed: 0,
	}
	if !s.ready() {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM reward_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[RewardStatus(status)] = n
	}
	return out, rows.Err()
}

// Cleanup removes finished reward entries, decision records and feature
// vectors older than retention.
func (s *SQLiteStorage) Cleanup(ctx context.Context, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return nil
	}

	cutoff := toMillis(time.Now().Add(-retention))
	stmts := []struct {
		what string
		sql  string
		args []interface{}
	}{
		{"reward entries", `DELETE FROM reward_queue WHERE status IN (?, ?) AND updated_at < ?`,
			[]interface{}{string(RewardDone), string(RewardFailed), cutoff}},
		{"decision records", `DELETE FROM decision_records WHERE ts < ?`, []interface{}{cutoff}},
		{"feature vectors", `
			DELETE FROM feature_vectors
			WHERE created_at < ?
			AND owner_event_id NOT IN (
				SELECT owner_event_id FROM reward_queue WHERE status IN (?, ?)
			)`,
			[]interface{}{cutoff, string(RewardPending), string(RewardProcessing)}},
	}

	for _, st := range stmts {
		res, err := s.db.ExecContext(ctx, st.sql, st.args...)
		if err != nil {
			return fmt.Errorf("failed to clean up %s: %w", st.what, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.logger().Info("cleanup removed rows", "table", st.what, "rows", n)
		}
	}
	return nil
}

func scanRewards(rows *sql.Rows) ([]RewardEntry, error) {
	defer rows.Close()

	var out []RewardEntry
	for rows.Next() {
		var (
			e                           RewardEntry
			status                      string
			scheduled, created, updated int64
			key                         sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.OwnerEventID, &e.FeatureVersion, &e.Reward, &status,
			&e.Attempts, &e.LastError, &scheduled, &created, &updated, &key); err != nil {
			return nil, fmt.Errorf("failed to scan reward row: %w", err)
		}
		e.Status = RewardStatus(status)
		e.IdempotencyKey = key.String
		e.ScheduledAt = fromMillis(scheduled)
		e.CreatedAt = fromMillis(created)
		e.UpdatedAt = fromMillis(updated)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}
