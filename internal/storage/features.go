package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveFeatureVector stores a vector; a second write for the same
// (owner_event_id, version) is ignored so the decision-time vector is the
// one read back at reward time.
func (s *SQLiteStorage) SaveFeatureVector(ctx context.Context, fv FeatureVectorRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feature_vectors (owner_event_id, version, user_id, action_key, vals, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_event_id, version) DO NOTHING
	`, fv.OwnerEventID, fv.Version, fv.UserID, fv.ActionKey, s.marshalJSON(fv.Values), toMillis(fv.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save feature vector %s: %w", fv.OwnerEventID, err)
	}
	return nil
}

// GetFeatureVector loads the vector of one answer event.
func (s *SQLiteStorage) GetFeatureVector(ctx context.Context, ownerEventID string, version int) (*FeatureVectorRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return nil, ErrNotFound
	}

	var (
		row       FeatureVectorRow
		vals      string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_event_id, version, user_id, action_key, vals, created_at
		FROM feature_vectors
		WHERE owner_event_id = ? AND version = ?
	`, ownerEventID, version).Scan(&row.OwnerEventID, &row.Version, &row.UserID, &row.ActionKey, &vals, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load feature vector %s: %w", ownerEventID, err)
	}
	if err := json.Unmarshal([]byte(vals), &row.Values); err != nil {
		return nil, fmt.Errorf("corrupt feature vector %s: %w", ownerEventID, err)
	}
	row.CreatedAt = fromMillis(createdAt)
	return &row, nil
}
