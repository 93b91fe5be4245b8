package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadUserModels returns all model blobs of a user, or ErrNotFound when the
// user has none.
func (s *SQLiteStorage) LoadUserModels(ctx context.Context, userID string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, data FROM user_models WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var kind string
		var data []byte
		if err := rows.Scan(&kind, &data); err != nil {
			return nil, fmt.Errorf("failed to scan model row: %w", err)
		}
		out[kind] = data
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// UserModelsGeneration returns the write counter of a user's models, 0 when
// they were never saved.
func (s *SQLiteStorage) UserModelsGeneration(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return 0, nil
	}
	return modelGeneration(ctx, s.db, userID)
}

// SaveUserModels upserts the given blobs atomically when the stored
// generation still equals expected, and returns the new generation. A
// mismatch means another writer got there first and yields ErrStaleModels.
func (s *SQLiteStorage) SaveUserModels(ctx context.Context, userID string, expected int64, blobs map[string][]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() || len(blobs) == 0 {
		return expected, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return expected, fmt.Errorf("failed to begin model transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := modelGeneration(ctx, tx, userID)
	if err != nil {
		return expected, err
	}
	if current != expected {
		return current, fmt.Errorf("%w: user %s is at generation %d, expected %d", ErrStaleModels, userID, current, expected)
	}

	now := toMillis(time.Now())
	for kind, data := range blobs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_models (user_id, kind, data, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, kind) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
		`, userID, kind, data, now); err != nil {
			return expected, fmt.Errorf("failed to save %s model: %w", kind, err)
		}
	}

	next := current + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_model_generations (user_id, generation) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET generation = excluded.generation
	`, userID, next); err != nil {
		return expected, fmt.Errorf("failed to bump model generation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return expected, fmt.Errorf("failed to commit models: %w", err)
	}
	return next, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func modelGeneration(ctx context.Context, q queryRower, userID string) (int64, error) {
	var gen int64
	err := q.QueryRowContext(ctx, `SELECT generation FROM user_model_generations WHERE user_id = ?`, userID).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read model generation: %w", err)
	}
	return gen, nil
}
