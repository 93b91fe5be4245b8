package amas

import (
	"fmt"
	"math"
)

// StrategyParams is the decision handed to the session planner.
type StrategyParams struct {
	Difficulty    Difficulty `json:"difficulty"`
	BatchSize     int        `json:"batchSize"`
	HintLevel     int        `json:"hintLevel"`
	IntervalScale float64    `json:"intervalScale"`
	NewRatio      float64    `json:"newRatio"`
}

// Legal ranges for every strategy field.
const (
	MinBatchSize     = 5
	MaxBatchSize     = 16
	MinHintLevel     = 0
	MaxHintLevel     = 2
	MinIntervalScale = 0.5
	MaxIntervalScale = 1.5
	MinNewRatio      = 0.1
	MaxNewRatio      = 0.4
)

// DefaultStrategy is the balanced preset used for unknown learners.
func DefaultStrategy() StrategyParams {
	return StrategyParams{Difficulty: Mid, BatchSize: 8, HintLevel: 1, IntervalScale: 1.0, NewRatio: 0.2}
}

// FastStrategy suits learners who answer quickly and accurately.
func FastStrategy() StrategyParams {
	return StrategyParams{Difficulty: Hard, BatchSize: 12, HintLevel: 0, IntervalScale: 0.8, NewRatio: 0.3}
}

// CautiousStrategy is the lowest-stimulation preset.
func CautiousStrategy() StrategyParams {
	return StrategyParams{Difficulty: Easy, BatchSize: 5, HintLevel: 2, IntervalScale: 1.2, NewRatio: 0.1}
}

// Clamped restricts every field to its legal range. Non-finite floats are
// replaced by the default preset's value.
func (s StrategyParams) Clamped() StrategyParams {
	def := DefaultStrategy()
	s.Difficulty = s.Difficulty.Clamp()
	s.BatchSize = clampInt(s.BatchSize, MinBatchSize, MaxBatchSize)
	s.HintLevel = clampInt(s.HintLevel, MinHintLevel, MaxHintLevel)
	s.IntervalScale = clampRange(s.IntervalScale, MinIntervalScale, MaxIntervalScale, def.IntervalScale)
	s.NewRatio = clampRange(s.NewRatio, MinNewRatio, MaxNewRatio, def.NewRatio)
	return s
}

// Equal compares strategies with a small tolerance on float fields.
func (s StrategyParams) Equal(o StrategyParams) bool {
	return s.Difficulty == o.Difficulty &&
		s.BatchSize == o.BatchSize &&
		s.HintLevel == o.HintLevel &&
		math.Abs(s.IntervalScale-o.IntervalScale) < 1e-9 &&
		math.Abs(s.NewRatio-o.NewRatio) < 1e-9
}

func (s StrategyParams) String() string {
	return fmt.Sprintf("difficulty=%s batch=%d hint=%d interval=%.2f new=%.2f",
		s.Difficulty, s.BatchSize, s.HintLevel, s.IntervalScale, s.NewRatio)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
