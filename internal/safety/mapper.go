package safety

import (
	"math"

	"github.com/khanglvm/amas-engine/internal/amas"
)

// DefaultWeights weight the normalized coordinates in the order difficulty,
// new ratio, batch size, hint level, interval scale.
var DefaultWeights = [amas.Dims]float64{0.3, 0.2, 0.2, 0.15, 0.15}

const tieEpsilon = 1e-12

// Mapper snaps arbitrary strategies onto an ActionSpace.
type Mapper struct {
	space   *amas.ActionSpace
	weights [amas.Dims]float64
	maxDist float64
}

// NewMapper returns a mapper over space using DefaultWeights.
func NewMapper(space *amas.ActionSpace) *Mapper {
	return NewWeightedMapper(space, DefaultWeights)
}

// NewWeightedMapper returns a mapper with custom dimension weights.
// Negative weights are treated as zero.
func NewWeightedMapper(space *amas.ActionSpace, weights [amas.Dims]float64) *Mapper {
	m := &Mapper{space: space}
	var sum float64
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) {
			w = 0
		}
		m.weights[i] = w
		sum += w
	}
	m.maxDist = math.Sqrt(sum)
	return m
}

// Space returns the action space the mapper targets.
func (m *Mapper) Space() *amas.ActionSpace { return m.space }

// Distance is the weighted Euclidean distance between two strategies.
func (m *Mapper) Distance(a, b amas.StrategyParams) float64 {
	ca := m.space.Coordinates(a.Clamped())
	cb := m.space.Coordinates(b.Clamped())
	var sum float64
	for i := range ca {
		d := ca[i] - cb[i]
		sum += m.weights[i] * d * d
	}
	return math.Sqrt(sum)
}

// Similarity is 1 minus the normalized distance, in [0,1].
func (m *Mapper) Similarity(a, b amas.StrategyParams) float64 {
	if m.maxDist == 0 {
		return 1
	}
	return math.Max(0, 1-m.Distance(a, b)/m.maxDist)
}

// Map returns the member nearest to s. Ties go to preferred when it is one
// of the tied members, otherwise to the lowest index.
func (m *Mapper) Map(s amas.StrategyParams, preferred *amas.Action) amas.Action {
	s = s.Clamped()
	if a, ok := m.space.Lookup(s); ok {
		return a
	}

	best := -1
	bestDist := math.Inf(1)
	preferredDist := math.Inf(1)
	if preferred != nil && m.space.Contains(*preferred) {
		preferredDist = m.Distance(s, preferred.Strategy)
	}

	for i := 0; i < m.space.Len(); i++ {
		d := m.Distance(s, m.space.At(i).Strategy)
		if d < bestDist-tieEpsilon {
			best, bestDist = i, d
		}
	}

	if preferred != nil && m.space.Contains(*preferred) && math.Abs(preferredDist-bestDist) <= tieEpsilon {
		return *preferred
	}
	return m.space.At(best)
}

// MapStrategyToAction maps s with the default weights.
func MapStrategyToAction(s amas.StrategyParams, space *amas.ActionSpace, preferred *amas.Action) amas.Action {
	return NewMapper(space).Map(s, preferred)
}
