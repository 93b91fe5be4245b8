/*
Package storage provides SQLite database migrations and helper functions.

This file contains schema definitions, migration logic, and JSON
serialization helpers for the storage layer. Timestamps are stored as Unix
milliseconds so range scans and ordering stay numeric.
*/
package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// runMigrations executes database schema migrations.
func (s *SQLiteStorage) runMigrations() error {
	if !s.enabled || s.db == nil {
		return nil
	}

	if err := s.createMigrationsTable(); err != nil {
		return err
	}

	version, err := s.getCurrentMigrationVersion()
	if err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "initial_schema", up: s.migration001InitialSchema},
		{version: 2, name: "reward_queue", up: s.migration002RewardQueue},
		{version: 3, name: "reward_idempotency", up: s.migration003RewardIdempotency},
		{version: 4, name: "user_model_generations", up: s.migration004ModelGenerations},
	}

	for _, m := range migrations {
		if version < m.version {
			s.logger().Info("running migration", "version", m.version, "name", m.name)
			if err := m.up(); err != nil {
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
			if err := s.setMigrationVersion(m.version, m.name); err != nil {
				return err
			}
		}
	}

	return nil
}

// migration represents a single database migration.
type migration struct {
	version int
	name    string
	up      func() error
}

// createMigrationsTable creates the schema_migrations table.
func (s *SQLiteStorage) createMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

// getCurrentMigrationVersion returns the highest applied migration version.
func (s *SQLiteStorage) getCurrentMigrationVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// setMigrationVersion records a migration as applied.
func (s *SQLiteStorage) setMigrationVersion(version int, name string) error {
	_, err := s.db.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", version, name)
	return err
}

// migration001InitialSchema creates the feature, model and decision tables.
func (s *SQLiteStorage) migration001InitialSchema() error {
	stmts := []struct{ what, sql string }{
		{"feature_vectors table", `
			CREATE TABLE IF NOT EXISTS feature_vectors (
				owner_event_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				user_id TEXT NOT NULL,
				action_key TEXT NOT NULL,
				vals TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				UNIQUE (owner_event_id, version)
			)`},
		{"feature_vectors user index", `
			CREATE INDEX IF NOT EXISTS idx_feature_vectors_user
			ON feature_vectors(user_id, created_at DESC)`},
		{"user_models table", `
			CREATE TABLE IF NOT EXISTS user_models (
				user_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				data BLOB NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (user_id, kind)
			)`},
		{"decision_records table", `
			CREATE TABLE IF NOT EXISTS decision_records (
				decision_id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				owner_event_id TEXT NOT NULL,
				action_key TEXT NOT NULL,
				source TEXT NOT NULL,
				votes TEXT NOT NULL,
				confidences TEXT NOT NULL,
				weights TEXT NOT NULL,
				coldstart_phase TEXT NOT NULL,
				degraded INTEGER NOT NULL,
				ts INTEGER NOT NULL
			)`},
		{"decision_records user index", `
			CREATE INDEX IF NOT EXISTS idx_decision_records_user_ts
			ON decision_records(user_id, ts DESC)`},
	}

	for _, st := range stmts {
		if _, err := s.db.Exec(st.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", st.what, err)
		}
	}
	return nil
}

// migration002RewardQueue creates the delayed reward queue.
func (s *SQLiteStorage) migration002RewardQueue() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS reward_queue (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			owner_event_id TEXT NOT NULL,
			feature_version INTEGER NOT NULL,
			reward REAL NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			scheduled_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create reward_queue table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_reward_queue_status_scheduled
		ON reward_queue(status, scheduled_at)
	`); err != nil {
		return fmt.Errorf("failed to create reward_queue status index: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_reward_queue_owner_event
		ON reward_queue(owner_event_id)
	`); err != nil {
		return fmt.Errorf("failed to create reward_queue owner index: %w", err)
	}

	return nil
}

// migration003RewardIdempotency adds a unique idempotency key to reward
// entries. Existing rows are keyed by their ID.
func (s *SQLiteStorage) migration003RewardIdempotency() error {
	stmts := []struct{ what, sql string }{
		{"idempotency_key column", `ALTER TABLE reward_queue ADD COLUMN idempotency_key TEXT`},
		{"idempotency_key backfill", `UPDATE reward_queue SET idempotency_key = id WHERE idempotency_key IS NULL`},
		{"idempotency_key index", `
			CREATE UNIQUE INDEX IF NOT EXISTS idx_reward_queue_idempotency
			ON reward_queue(idempotency_key)`},
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st.sql); err != nil {
			return fmt.Errorf("failed to apply %s: %w", st.what, err)
		}
	}
	return nil
}

// migration004ModelGenerations adds the per-user write counter of
// user_models.
func (s *SQLiteStorage) migration004ModelGenerations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS user_model_generations (
			user_id TEXT PRIMARY KEY,
			generation INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create user_model_generations table: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// marshalJSON serializes v, falling back to "null" and a warning on failure.
func (s *SQLiteStorage) marshalJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger().Warn("failed to marshal column", "error", err)
		return "null"
	}
	return string(data)
}
