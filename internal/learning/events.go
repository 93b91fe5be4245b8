/*
Package learning implements the decision policies of the engine and the
background recorder of their decisions.

It provides two contextual bandits (LinUCB over gonum matrices and Thompson
sampling over Beta posteriors), a deterministic heuristic, the ensemble that
weighs their votes, and a non-blocking recorder that batches decision
records to storage.
*/
package learning

import (
	"time"

	"github.com/google/uuid"

	"github.com/khanglvm/amas-engine/internal/amas"
	"github.com/khanglvm/amas-engine/internal/storage"
)

// SourceHeuristicFallback marks decisions taken without the learned
// policies, after a lock timeout.
const SourceHeuristicFallback = "heuristic_fallback"

// DecisionRecord is the immutable trace of one decision.
type DecisionRecord struct {
	// DecisionID is a random UUID.
	DecisionID string

	UserID       string
	OwnerEventID string

	// Action is the applied (post-guardrail) action.
	Action amas.Action

	// Source is the member or path that produced the decision.
	Source string

	Votes          []Vote
	Weights        map[PolicyID]float64
	ColdStartPhase string
	Degraded       bool
	Timestamp      time.Time
}

// NewDecisionRecord creates a record with a fresh ID.
func NewDecisionRecord(userID, ownerEventID string, dec Decision, applied amas.Action, phase string, degraded bool) DecisionRecord {
	return DecisionRecord{
		DecisionID:     uuid.NewString(),
		UserID:         userID,
		OwnerEventID:   ownerEventID,
		Action:         applied,
		Source:         dec.Source,
		Votes:          dec.Votes,
		Weights:        dec.Weights,
		ColdStartPhase: phase,
		Degraded:       degraded,
		Timestamp:      time.Now(),
	}
}

// ToStorage converts the record to its storage row.
func (r DecisionRecord) ToStorage() storage.DecisionRecord {
	votes := make(map[string]string, len(r.Votes))
	confs := make(map[string]float64, len(r.Votes))
	for _, v := range r.Votes {
		votes[string(v.Policy)] = v.Action.Key()
		confs[string(v.Policy)] = v.Confidence
	}
	weights := make(map[string]float64, len(r.Weights))
	for p, w := range r.Weights {
		weights[string(p)] = w
	}
	return storage.DecisionRecord{
		DecisionID:     r.DecisionID,
		UserID:         r.UserID,
		OwnerEventID:   r.OwnerEventID,
		ActionKey:      r.Action.Key(),
		Source:         r.Source,
		Votes:          votes,
		Confidences:    confs,
		Weights:        weights,
		ColdStartPhase: r.ColdStartPhase,
		Degraded:       r.Degraded,
		Timestamp:      r.Timestamp,
	}
}
