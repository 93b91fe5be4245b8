package reward

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/khanglvm/amas-engine/internal/features"
	"github.com/khanglvm/amas-engine/internal/isolation"
	"github.com/khanglvm/amas-engine/internal/logger"
	"github.com/khanglvm/amas-engine/internal/observability"
	"github.com/khanglvm/amas-engine/internal/storage"
)

var tracer = observability.Tracer("github.com/khanglvm/amas-engine/internal/reward")

// ErrInvalidRequest is returned by Enqueue for requests missing an ID.
var ErrInvalidRequest = errors.New("reward: invalid request")

// Applier applies one delayed reward to a user's models. Implementations
// hold the user lock for the duration of the call.
type Applier interface {
	ApplyDelayedReward(ctx context.Context, userID, ownerEventID string, version int, reward float64) error
}

// Store is the part of storage.Storage the queue needs.
type Store interface {
	EnqueueReward(ctx context.Context, entry storage.RewardEntry) (string, error)
	RecoverStuckRewards(ctx context.Context, cutoff time.Time) (int, error)
	ClaimDueRewards(ctx context.Context, now time.Time, limit int) ([]storage.RewardEntry, error)
	FinishReward(ctx context.Context, id string, status storage.RewardStatus, lastErr string) error
	RescheduleReward(ctx context.Context, id string, at time.Time, attempts int, lastErr string) error
	RewardStats(ctx context.Context) (map[storage.RewardStatus]int, error)
}

// Config controls the worker.
type Config struct {
	BatchSize      int           `json:"batchSize"`
	StuckAfter     time.Duration `json:"stuckAfter"`
	RetryDelay     time.Duration `json:"retryDelay"`
	PollInterval   time.Duration `json:"pollInterval"`
	Concurrency    int           `json:"concurrency"`
	MaxLockRetries int           `json:"maxLockRetries"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      50,
		StuckAfter:     300 * time.Second,
		RetryDelay:     30 * time.Second,
		PollInterval:   5 * time.Second,
		Concurrency:    4,
		MaxLockRetries: 1,
	}
}

// EnqueueRequest describes one delayed reward.
type EnqueueRequest struct {
	UserID       string    `json:"userId"`
	OwnerEventID string    `json:"ownerEventId"`
	Reward       float64   `json:"reward"`
	ScheduledAt  time.Time `json:"scheduledAt,omitempty"`

	// FeatureVersion defaults to the current layout.
	FeatureVersion int `json:"featureVersion,omitempty"`

	// IdempotencyKey deduplicates retried enqueues. It defaults to
	// "<ownerEventId>@<featureVersion>", so one event is rewarded once.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Stats summarizes one ProcessDue pass.
type Stats struct {
	Recovered int `json:"recovered"`
	Claimed   int `json:"claimed"`
	Done      int `json:"done"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// Queue is the delayed reward queue and its worker.
type Queue struct {
	store   Store
	applier Applier
	cfg     Config
	log     *logger.Logger
	now     func() time.Time
}

// NewQueue creates a queue. Zero config fields take defaults.
func NewQueue(store Store, applier Applier, cfg Config, log *logger.Logger) *Queue {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxLockRetries < 0 {
		cfg.MaxLockRetries = 0
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Queue{
		store:   store,
		applier: applier,
		cfg:     cfg,
		log:     log.With("component", "RewardQueue"),
		now:     time.Now,
	}
}

// Enqueue stores a Pending entry and returns its ID. A request whose
// idempotency key is already queued returns the existing entry's ID.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.OwnerEventID) == "" {
		return "", fmt.Errorf("%w: user id and owner event id are required", ErrInvalidRequest)
	}
	if req.ScheduledAt.IsZero() {
		req.ScheduledAt = q.now()
	}
	if req.FeatureVersion <= 0 {
		req.FeatureVersion = features.SchemaVersion
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = fmt.Sprintf("%s@%d", req.OwnerEventID, req.FeatureVersion)
	}

	entry := storage.RewardEntry{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		OwnerEventID:   req.OwnerEventID,
		FeatureVersion: req.FeatureVersion,
		Reward:         Normalize(req.Reward),
		Status:         storage.RewardPending,
		IdempotencyKey: req.IdempotencyKey,
		ScheduledAt:    req.ScheduledAt,
		CreatedAt:      q.now(),
	}
	id, err := q.store.EnqueueReward(ctx, entry)
	if err != nil {
		return "", err
	}
	if id != entry.ID {
		q.log.Info("duplicate reward ignored", "id", id, "user_id", entry.UserID, "idempotency_key", entry.IdempotencyKey)
		return id, nil
	}
	q.log.Debug("reward enqueued", "id", id, "user_id", entry.UserID, "owner_event_id", entry.OwnerEventID)
	return id, nil
}

// ProcessDue recovers stuck entries, claims one batch of due entries and
// applies them. Entries of one user run in claim order; different users
// run in parallel up to Concurrency.
func (q *Queue) ProcessDue(ctx context.Context) (Stats, error) {
	ctx, span := tracer.Start(ctx, "reward.ProcessDue")
	defer span.End()

	var st Stats
	now := q.now()

	recovered, err := q.store.RecoverStuckRewards(ctx, now.Add(-q.cfg.StuckAfter))
	if err != nil {
		span.RecordError(err)
		return st, err
	}
	st.Recovered = recovered
	if recovered > 0 {
		q.log.Warn("recovered stuck reward entries", "count", recovered)
	}

	entries, err := q.store.ClaimDueRewards(ctx, now, q.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return st, err
	}
	st.Claimed = len(entries)
	span.SetAttributes(attribute.Int("reward.claimed", st.Claimed))
	if len(entries) == 0 {
		return st, nil
	}

	var order []string
	byUser := make(map[string][]storage.RewardEntry)
	for _, e := range entries {
		if _, ok := byUser[e.UserID]; !ok {
			order = append(order, e.UserID)
		}
		byUser[e.UserID] = append(byUser[e.UserID], e)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Concurrency)

	for _, userID := range order {
		batch := byUser[userID]
		g.Go(func() error {
			for _, e := range batch {
				status := q.processOne(gctx, e)
				mu.Lock()
				switch status {
				case storage.RewardDone:
					st.Done++
				case storage.RewardPending:
					st.Retried++
				default:
					st.Failed++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("reward.done", st.Done),
		attribute.Int("reward.retried", st.Retried),
		attribute.Int("reward.failed", st.Failed),
	)
	q.log.Info("processed due rewards",
		"claimed", st.Claimed,
		"done", st.Done,
		"retried", st.Retried,
		"failed", st.Failed,
	)
	return st, nil
}

// processOne applies one entry and records its outcome. It returns the
// resulting status.
func (q *Queue) processOne(ctx context.Context, e storage.RewardEntry) (status storage.RewardStatus) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("reward apply panic", "id", e.ID, "user_id", e.UserID, "panic", r)
			status = storage.RewardFailed
			q.finish(ctx, e, status, fmt.Sprintf("panic: %v", r))
		}
	}()

	err := q.applier.ApplyDelayedReward(ctx, e.UserID, e.OwnerEventID, e.FeatureVersion, e.Reward)
	switch {
	case err == nil:
		status = storage.RewardDone
		q.finish(ctx, e, status, "")

	case errors.Is(err, storage.ErrNotFound):
		q.log.Warn("feature vector missing, dropping reward",
			"id", e.ID, "user_id", e.UserID, "owner_event_id", e.OwnerEventID)
		status = storage.RewardFailed
		q.finish(ctx, e, status, err.Error())

	case errors.Is(err, isolation.ErrLockTimeout) && e.Attempts < q.cfg.MaxLockRetries:
		status = storage.RewardPending
		at := q.now().Add(q.cfg.RetryDelay)
		if rerr := q.store.RescheduleReward(ctx, e.ID, at, e.Attempts+1, err.Error()); rerr != nil {
			q.log.Error("failed to reschedule reward", "id", e.ID, "error", rerr)
		}

	default:
		q.log.Warn("reward apply failed", "id", e.ID, "user_id", e.UserID, "attempts", e.Attempts, "error", err)
		status = storage.RewardFailed
		q.finish(ctx, e, status, err.Error())
	}
	return status
}

func (q *Queue) finish(ctx context.Context, e storage.RewardEntry, status storage.RewardStatus, lastErr string) {
	if err := q.store.FinishReward(ctx, e.ID, status, lastErr); err != nil {
		q.log.Error("failed to finish reward", "id", e.ID, "status", string(status), "error", err)
	}
}

// Start runs ProcessDue every PollInterval until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.log.Info("reward worker started", "poll_interval", q.cfg.PollInterval.String(), "concurrency", q.cfg.Concurrency)
	for {
		select {
		case <-ctx.Done():
			q.log.Info("reward worker stopped")
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

func (q *Queue) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("reward worker panic", "panic", r)
		}
	}()
	if _, err := q.ProcessDue(ctx); err != nil && ctx.Err() == nil {
		q.log.Warn("reward pass failed", "error", err)
	}
}

// Stats returns entry counts by status.
func (q *Queue) Stats(ctx context.Context) (map[storage.RewardStatus]int, error) {
	return q.store.RewardStats(ctx)
}
