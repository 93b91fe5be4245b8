/*
Package storage implements the persistence layer of the decision engine.

It stores feature vectors, per-user model state, decision records and the
delayed reward queue in SQLite through modernc.org/sqlite (a pure Go,
CGo-free implementation). If the database cannot be opened, the storage is
disabled: writes become no-ops and reads report ErrNotFound, so the engine
keeps deciding with fresh in-memory models.
*/
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/khanglvm/amas-engine/internal/logger"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrStaleModels is returned by SaveUserModels when another writer saved
	// the user's models after the caller loaded them.
	ErrStaleModels = errors.New("storage: user models changed concurrently")
)

// Storage defines the persistence operations used by the engine, the
// decision recorder and the reward queue.
type Storage interface {
	// Init opens the database and runs migrations.
	Init() error

	// SaveFeatureVector stores a vector. The first write for an
	// (owner event, version) pair wins; later writes are ignored.
	SaveFeatureVector(ctx context.Context, fv FeatureVectorRow) error

	// GetFeatureVector loads the vector of one answer event.
	GetFeatureVector(ctx context.Context, ownerEventID string, version int) (*FeatureVectorRow, error)

	// LoadUserModels returns every persisted model blob of a user keyed by kind.
	LoadUserModels(ctx context.Context, userID string) (map[string][]byte, error)

	// UserModelsGeneration returns how many times the user's models were saved.
	UserModelsGeneration(ctx context.Context, userID string) (int64, error)

	// SaveUserModels replaces the given blobs of a user in one transaction
	// if the generation is still expected, and returns the new generation.
	SaveUserModels(ctx context.Context, userID string, expected int64, blobs map[string][]byte) (int64, error)

	// SaveDecisionRecords appends a batch of decision records.
	SaveDecisionRecords(ctx context.Context, records []DecisionRecord) error

	// ListDecisionRecords returns records newest first; an empty userID lists all users.
	ListDecisionRecords(ctx context.Context, userID string, since time.Time, limit int) ([]DecisionRecord, error)

	// EnqueueReward inserts a Pending reward entry and returns its ID. An
	// entry with the same idempotency key is not inserted twice; the ID of
	// the existing one is returned instead.
	EnqueueReward(ctx context.Context, entry RewardEntry) (string, error)

	// RecoverStuckRewards moves Processing entries last touched before cutoff back to Pending.
	RecoverStuckRewards(ctx context.Context, cutoff time.Time) (int, error)

	// ClaimDueRewards moves up to limit due Pending entries to Processing and returns them.
	ClaimDueRewards(ctx context.Context, now time.Time, limit int) ([]RewardEntry, error)

	// FinishReward sets a terminal status (Done or Failed).
	FinishReward(ctx context.Context, id string, status RewardStatus, lastErr string) error

	// RescheduleReward puts an entry back to Pending at the given time.
	RescheduleReward(ctx context.Context, id string, at time.Time, attempts int, lastErr string) error

	// GetReward loads one entry.
	GetReward(ctx context.Context, id string) (*RewardEntry, error)

	// RewardStats counts entries by status.
	RewardStats(ctx context.Context) (map[RewardStatus]int, error)

	// Cleanup removes finished reward entries, decision records and feature
	// vectors older than retention.
	Cleanup(ctx context.Context, retention time.Duration) error

	// Close closes the database connection.
	Close() error
}

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db       *sql.DB
	dbPath   string
	enabled  bool
	mu       sync.Mutex
	initOnce sync.Once
	log      *logger.Logger
}

// NewStorage creates a SQLite storage at dbPath. An empty path selects
// ~/.amas-engine/engine.db. The database is opened lazily by Init.
func NewStorage(dbPath string, log *logger.Logger) *SQLiteStorage {
	if log == nil {
		log = logger.Nop()
	}
	if dbPath == "" {
		path, err := DefaultDBPath()
		if err != nil {
			log.Warn("storage disabled", "error", err)
			return &SQLiteStorage{enabled: false, log: log}
		}
		dbPath = path
	}
	return &SQLiteStorage{dbPath: dbPath, enabled: true, log: log}
}

// DefaultDBPath returns ~/.amas-engine/engine.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".amas-engine", "engine.db"), nil
}

// Init initializes the database and runs migrations.
//
// If initialization fails, storage is disabled and subsequent operations
// become no-ops (graceful degradation).
func (s *SQLiteStorage) Init() error {
	if !s.enabled {
		return nil
	}

	var initErr error
	s.initOnce.Do(func() {
		if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
			initErr = fmt.Errorf("failed to create db directory: %w", err)
			s.enabled = false
			return
		}

		dsn := s.dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			initErr = fmt.Errorf("failed to open database: %w", err)
			s.enabled = false
			s.logger().Warn("storage disabled", "error", initErr)
			return
		}
		// One writer at a time; SQLite serializes writes anyway.
		db.SetMaxOpenConns(1)
		s.db = db

		if err := db.Ping(); err != nil {
			initErr = fmt.Errorf("failed to ping database: %w", err)
			s.enabled = false
			s.logger().Warn("storage disabled", "error", initErr)
			return
		}

		if err := s.runMigrations(); err != nil {
			initErr = fmt.Errorf("failed to run migrations: %w", err)
			s.enabled = false
			s.logger().Warn("storage disabled", "error", initErr)
			return
		}
	})

	return initErr
}

// Enabled reports whether the database is usable.
func (s *SQLiteStorage) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled && s.db != nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.db = nil
	return nil
}

func (s *SQLiteStorage) ready() bool {
	return s.enabled && s.db != nil
}

func (s *SQLiteStorage) logger() *logger.Logger {
	if s.log == nil {
		return logger.Nop()
	}
	return s.log
}
