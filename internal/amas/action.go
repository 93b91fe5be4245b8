package amas

import (
	"fmt"
	"math"
)

// Action is one member of an ActionSpace: a strategy quantized onto the grid.
// The zero value is not a member of any space.
type Action struct {
	Index    int            `json:"index"`
	Strategy StrategyParams `json:"strategy"`
}

// Key identifies the action independently of its index, so persisted models
// survive a reordering of the grid.
func (a Action) Key() string {
	return StrategyKey(a.Strategy)
}

// StrategyKey renders the quantization-relevant fields of s.
func StrategyKey(s StrategyParams) string {
	return fmt.Sprintf("%s|%.2f|%d|%d|%.2f", s.Difficulty, s.NewRatio, s.BatchSize, s.HintLevel, s.IntervalScale)
}

// Grid lists the legal values of every strategy dimension.
type Grid struct {
	Difficulties   []Difficulty `json:"difficulties"`
	NewRatios      []float64    `json:"newRatios"`
	BatchSizes     []int        `json:"batchSizes"`
	HintLevels     []int        `json:"hintLevels"`
	IntervalScales []float64    `json:"intervalScales"`
}

// DefaultGrid is the production action grid (720 actions).
func DefaultGrid() Grid {
	return Grid{
		Difficulties:   []Difficulty{Easy, Mid, Hard},
		NewRatios:      []float64{0.1, 0.2, 0.3, 0.4},
		BatchSizes:     []int{5, 8, 12, 16},
		HintLevels:     []int{0, 1, 2},
		IntervalScales: []float64{0.5, 0.8, 1.0, 1.2, 1.5},
	}
}

// Dims is the number of normalized coordinates of a strategy.
const Dims = 5

// ActionSpace is the finite set of legal actions. It is immutable after
// construction and safe for concurrent use.
type ActionSpace struct {
	grid    Grid
	actions []Action
	byKey   map[string]int
}

// NewActionSpace enumerates grid in a fixed order: difficulty, new ratio,
// batch size, hint level, interval scale.
func NewActionSpace(grid Grid) (*ActionSpace, error) {
	if len(grid.Difficulties) == 0 || len(grid.NewRatios) == 0 || len(grid.BatchSizes) == 0 ||
		len(grid.HintLevels) == 0 || len(grid.IntervalScales) == 0 {
		return nil, fmt.Errorf("action grid has an empty dimension")
	}

	s := &ActionSpace{grid: grid, byKey: make(map[string]int)}
	for _, d := range grid.Difficulties {
		for _, nr := range grid.NewRatios {
			for _, b := range grid.BatchSizes {
				for _, h := range grid.HintLevels {
					for _, iv := range grid.IntervalScales {
						st := StrategyParams{Difficulty: d, NewRatio: nr, BatchSize: b, HintLevel: h, IntervalScale: iv}
						key := StrategyKey(st)
						if _, dup := s.byKey[key]; dup {
							continue
						}
						a := Action{Index: len(s.actions), Strategy: st}
						s.byKey[key] = a.Index
						s.actions = append(s.actions, a)
					}
				}
			}
		}
	}
	return s, nil
}

// DefaultActionSpace builds the space for DefaultGrid.
func DefaultActionSpace() *ActionSpace {
	s, _ := NewActionSpace(DefaultGrid())
	return s
}

// Grid returns the grid the space was built from.
func (s *ActionSpace) Grid() Grid { return s.grid }

// Len returns the number of actions.
func (s *ActionSpace) Len() int { return len(s.actions) }

// At returns the action at index i.
func (s *ActionSpace) At(i int) Action { return s.actions[i] }

// Actions returns a copy of all actions in index order.
func (s *ActionSpace) Actions() []Action {
	out := make([]Action, len(s.actions))
	copy(out, s.actions)
	return out
}

// Lookup finds the member whose strategy matches st exactly.
func (s *ActionSpace) Lookup(st StrategyParams) (Action, bool) {
	i, ok := s.byKey[StrategyKey(st)]
	if !ok {
		return Action{}, false
	}
	return s.actions[i], true
}

// LookupKey finds a member by its Key.
func (s *ActionSpace) LookupKey(key string) (Action, bool) {
	i, ok := s.byKey[key]
	if !ok {
		return Action{}, false
	}
	return s.actions[i], true
}

// Contains reports whether a is a member of the space (index and strategy agree).
func (s *ActionSpace) Contains(a Action) bool {
	if a.Index < 0 || a.Index >= len(s.actions) {
		return false
	}
	return s.actions[a.Index].Strategy.Equal(a.Strategy)
}

// Coordinates maps st onto [0,1] per dimension using the grid bounds, in the
// order difficulty, new ratio, batch size, hint level, interval scale.
func (s *ActionSpace) Coordinates(st StrategyParams) [Dims]float64 {
	dLo, dHi := float64(Easy), float64(Hard)
	nLo, nHi := floatBounds(s.grid.NewRatios)
	bLo, bHi := intBounds(s.grid.BatchSizes)
	hLo, hHi := intBounds(s.grid.HintLevels)
	iLo, iHi := floatBounds(s.grid.IntervalScales)
	return [Dims]float64{
		norm(float64(st.Difficulty), dLo, dHi),
		norm(st.NewRatio, nLo, nHi),
		norm(float64(st.BatchSize), bLo, bHi),
		norm(float64(st.HintLevel), hLo, hHi),
		norm(st.IntervalScale, iLo, iHi),
	}
}

func norm(v, lo, hi float64) float64 {
	if hi-lo < 1e-12 || math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, (v-lo)/(hi-lo)))
}

func floatBounds(vs []float64) (float64, float64) {
	lo, hi := vs[0], vs[0]
	for _, v := range vs[1:] {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	return lo, hi
}

func intBounds(vs []int) (float64, float64) {
	lo, hi := vs[0], vs[0]
	for _, v := range vs[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return float64(lo), float64(hi)
}
