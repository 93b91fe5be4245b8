package learning

import (
	"math"

	"github.com/khanglvm/amas-engine/internal/amas"
)

// PolicyID names an ensemble member.
type PolicyID string

const (
	PolicyColdStart PolicyID = "coldstart"
	PolicyLinUCB    PolicyID = "linucb"
	PolicyThompson  PolicyID = "thompson"
	PolicyHeuristic PolicyID = "heuristic"
)

// PriorityOrder breaks score ties in the ensemble, highest priority first.
var PriorityOrder = []PolicyID{PolicyColdStart, PolicyLinUCB, PolicyThompson, PolicyHeuristic}

// Policy is a contextual bandit over a set of candidate actions.
//
// Implementations keep per-user state and are not safe for concurrent use;
// the engine serializes all access to one user's policies.
type Policy interface {
	ID() PolicyID

	// SelectAction picks one of candidates for context x. It reports false
	// only when candidates is empty.
	SelectAction(x []float64, candidates []amas.Action) (amas.Action, bool)

	// Update folds reward r in [-1,1] for action a taken in context x.
	Update(x []float64, a amas.Action, r float64)

	// Confidence is a monotone, saturating function of the evidence
	// gathered for a.
	Confidence(a amas.Action) float64
}

// ConfidenceCurve maps a sample count onto min + (max-min)*n/(n+k).
type ConfidenceCurve struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	K   float64 `json:"k"`
}

// DefaultConfidenceCurve starts at 0.4 and reaches 0.7 after 20 samples.
func DefaultConfidenceCurve() ConfidenceCurve {
	return ConfidenceCurve{Min: 0.4, Max: 1.0, K: 20}
}

// At evaluates the curve for n samples.
func (c ConfidenceCurve) At(n float64) float64 {
	if n <= 0 || math.IsNaN(n) {
		return c.Min
	}
	if math.IsInf(n, 1) || c.K <= 0 {
		return c.Max
	}
	return c.Min + (c.Max-c.Min)*n/(n+c.K)
}

// bestAction returns the highest-scoring candidate. Candidates are scored in
// order and the first maximum wins; NaN scores never win.
func bestAction(candidates []amas.Action, score func(amas.Action) float64) (amas.Action, bool) {
	if len(candidates) == 0 {
		return amas.Action{}, false
	}

	best := 0
	bestScore := math.Inf(-1)
	for i, a := range candidates {
		s := score(a)
		if math.IsNaN(s) {
			continue
		}
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	return candidates[best], true
}

func clampReward(r float64) float64 {
	if math.IsNaN(r) {
		return 0
	}
	return math.Max(-1, math.Min(1, r))
}
