/*
Package storage provides data models for the persistence layer.

These rows mirror the tables created by the migrations in sqlite.go.
*/
package storage

import "time"

// Model blob kinds stored in user_models.
const (
	KindLinUCB    = "linucb"
	KindThompson  = "thompson"
	KindEnsemble  = "ensemble"
	KindColdStart = "coldstart"
	KindStrategy  = "strategy"
)

// FeatureVectorRow is a persisted feature vector.
type FeatureVectorRow struct {
	// OwnerEventID identifies the answer event that produced the vector.
	OwnerEventID string `json:"owner_event_id"`

	// Version is the vector layout version.
	Version int `json:"version"`

	// UserID is the learner the event belongs to.
	UserID string `json:"user_id"`

	// ActionKey is the key of the action actually applied for this event.
	ActionKey string `json:"action_key"`

	// Values is the context vector.
	Values []float64 `json:"values"`

	// CreatedAt is when the vector was built.
	CreatedAt time.Time `json:"created_at"`
}

// DecisionRecord is an immutable trace of one decision.
type DecisionRecord struct {
	// DecisionID is a unique identifier (UUID).
	DecisionID string `json:"decision_id"`

	UserID       string `json:"user_id"`
	OwnerEventID string `json:"owner_event_id"`

	// ActionKey is the key of the chosen (post-guardrail) action.
	ActionKey string `json:"action_key"`

	// Source names the member that decided (ensemble, coldstart, heuristic_fallback).
	Source string `json:"source"`

	// Votes maps each policy to the key of the action it voted for.
	Votes map[string]string `json:"votes"`

	// Confidences maps each policy to its vote confidence.
	Confidences map[string]float64 `json:"confidences"`

	// Weights is the ensemble weight snapshot at decision time.
	Weights map[string]float64 `json:"weights"`

	ColdStartPhase string    `json:"coldstart_phase"`
	Degraded       bool      `json:"degraded"`
	Timestamp      time.Time `json:"timestamp"`
}

// RewardStatus is the lifecycle state of a reward queue entry.
type RewardStatus string

const (
	RewardPending    RewardStatus = "pending"
	RewardProcessing RewardStatus = "processing"
	RewardDone       RewardStatus = "done"
	RewardFailed     RewardStatus = "failed"
)

// RewardEntry is one delayed reward waiting to be applied.
type RewardEntry struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	OwnerEventID   string       `json:"owner_event_id"`
	FeatureVersion int          `json:"feature_version"`
	Reward         float64      `json:"reward"`
	Status         RewardStatus `json:"status"`

	// IdempotencyKey is unique across the queue; it defaults to the ID.
	IdempotencyKey string `json:"idempotency_key"`

	// Attempts counts lock-timeout retries already spent.
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
