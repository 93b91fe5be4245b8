package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SaveDecisionRecords appends records in one transaction. Duplicate
// decision IDs are ignored.
func (s *SQLiteStorage) SaveDecisionRecords(ctx context.Context, records []DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() || len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin decision transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decision_records (
			decision_id, user_id, owner_event_id, action_key, source,
			votes, confidences, weights, coldstart_phase, degraded, ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(decision_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare decision insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		degraded := 0
		if r.Degraded {
			degraded = 1
		}
		if _, err := stmt.ExecContext(ctx,
			r.DecisionID, r.UserID, r.OwnerEventID, r.ActionKey, r.Source,
			s.marshalJSON(r.Votes), s.marshalJSON(r.Confidences), s.marshalJSON(r.Weights),
			r.ColdStartPhase, degraded, toMillis(r.Timestamp),
		); err != nil {
			return fmt.Errorf("failed to insert decision %s: %w", r.DecisionID, err)
		}
	}
	return tx.Commit()
}

// ListDecisionRecords returns records since a time, newest first.
func (s *SQLiteStorage) ListDecisionRecords(ctx context.Context, userID string, since time.Time, limit int) ([]DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return []DecisionRecord{}, nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT decision_id, user_id, owner_event_id, action_key, source,
		       votes, confidences, weights, coldstart_phase, degraded, ts
		FROM decision_records
		WHERE ts >= ? AND (? = '' OR user_id = ?)
		ORDER BY ts DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, toMillis(since), userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var (
			r                     DecisionRecord
			votes, confs, weights string
			degraded              int
			ts                    int64
		)
		if err := rows.Scan(&r.DecisionID, &r.UserID, &r.OwnerEventID, &r.ActionKey, &r.Source,
			&votes, &confs, &weights, &r.ColdStartPhase, &degraded, &ts); err != nil {
			s.logger().Warn("failed to scan decision row", "error", err)
			continue
		}
		r.Degraded = degraded == 1
		r.Timestamp = fromMillis(ts)
		_ = json.Unmarshal([]byte(votes), &r.Votes)
		_ = json.Unmarshal([]byte(confs), &r.Confidences)
		_ = json.Unmarshal([]byte(weights), &r.Weights)
		out = append(out, r)
	}
	return out, rows.Err()
}
