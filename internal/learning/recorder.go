package learning

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/khanglvm/amas-engine/internal/logger"
	"github.com/khanglvm/amas-engine/internal/storage"
)

// DecisionStore is the part of storage the recorder writes to.
type DecisionStore interface {
	SaveDecisionRecords(ctx context.Context, records []storage.DecisionRecord) error
}

// RecorderConfig sizes the recorder's buffer and flush cadence.
type RecorderConfig struct {
	// QueueSize is the buffer size. When full, new records are dropped.
	QueueSize int `json:"queueSize"`

	// BatchSize triggers an immediate flush.
	BatchSize int `json:"batchSize"`

	// FlushInterval flushes a partial batch.
	FlushInterval time.Duration `json:"flushInterval"`

	// WriteTimeout bounds one batch write.
	WriteTimeout time.Duration `json:"writeTimeout"`
}

// DefaultRecorderConfig returns the production sizing.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		QueueSize:     1000,
		BatchSize:     20,
		FlushInterval: 500 * time.Millisecond,
		WriteTimeout:  5 * time.Second,
	}
}

// RecorderStats is a point-in-time view of the recorder.
type RecorderStats struct {
	Queued  int   `json:"queued"`
	Dropped int64 `json:"dropped"`
	Flushed int64 `json:"flushed"`
	Failed  int64 `json:"failed"`
	Enabled bool  `json:"enabled"`
}

// Recorder persists decision records in the background with non-blocking
// writes.
type Recorder struct {
	store    DecisionStore
	cfg      RecorderConfig
	log      *logger.Logger
	queue    chan DecisionRecord
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// mu guards enabled and stopped. Record holds it shared across the
	// send so Stop cannot start draining while a send is in flight.
	mu      sync.RWMutex
	enabled bool
	stopped bool

	dropped atomic.Int64
	flushed atomic.Int64
	failed  atomic.Int64
}

// NewRecorder creates a recorder and starts its flush loop.
func NewRecorder(store DecisionStore, cfg RecorderConfig, log *logger.Logger) *Recorder {
	def := DefaultRecorderConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if log == nil {
		log = logger.Nop()
	}

	r := &Recorder{
		store:    store,
		cfg:      cfg,
		log:      log,
		queue:    make(chan DecisionRecord, cfg.QueueSize),
		stopChan: make(chan struct{}),
		enabled:  store != nil,
	}

	r.wg.Add(1)
	go r.processRecords()

	return r
}

// Record queues rec without blocking. It reports false when the record was
// dropped because the buffer is full, the recorder is disabled or stopped.
func (r *Recorder) Record(rec DecisionRecord) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.enabled || r.stopped {
		return false
	}

	select {
	case r.queue <- rec:
		return true
	default:
		r.dropped.Add(1)
		r.log.Warn("decision queue full, dropping record", "decision_id", rec.DecisionID, "user_id", rec.UserID)
		return false
	}
}

// Stop drains and flushes everything buffered. It is safe to call twice.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		close(r.stopChan)
		r.wg.Wait()
	})
}

// Disable makes Record a no-op. Records already buffered are still flushed.
func (r *Recorder) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = false
}

// Enable re-enables recording.
func (r *Recorder) Enable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = r.store != nil
}

// IsEnabled returns whether recording is enabled.
func (r *Recorder) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Dropped counts records lost to a full buffer.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Stats reports queue depth and counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Queued:  len(r.queue),
		Dropped: r.dropped.Load(),
		Flushed: r.flushed.Load(),
		Failed:  r.failed.Load(),
		Enabled: r.IsEnabled(),
	}
}

// processRecords batches records and flushes them when the batch is full,
// on every tick, and once more on stop.
func (r *Recorder) processRecords() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]DecisionRecord, 0, r.cfg.BatchSize)

	for {
		select {
		case rec := <-r.queue:
			batch = append(batch, rec)
			if len(batch) >= r.cfg.BatchSize {
				r.flush(batch)
				batch = make([]DecisionRecord, 0, r.cfg.BatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = make([]DecisionRecord, 0, r.cfg.BatchSize)
			}

		case <-r.stopChan:
			for {
				select {
				case rec := <-r.queue:
					batch = append(batch, rec)
					if len(batch) >= r.cfg.BatchSize {
						r.flush(batch)
						batch = make([]DecisionRecord, 0, r.cfg.BatchSize)
					}
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes one batch. Errors are logged, never returned.
func (r *Recorder) flush(records []DecisionRecord) {
	if len(records) == 0 {
		return
	}

	rows := make([]storage.DecisionRecord, len(records))
	for i, rec := range records {
		rows[i] = rec.ToStorage()
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	if err := r.store.SaveDecisionRecords(ctx, rows); err != nil {
		r.failed.Add(int64(len(rows)))
		r.log.Warn("failed to record decisions", "count", len(rows), "error", err)
		return
	}
	r.flushed.Add(int64(len(rows)))
}
