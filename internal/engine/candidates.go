package engine

import (
	"math"

	"github.com/khanglvm/amas-engine/internal/amas"
)

// candidates enumerates strategies around current, narrowed by the
// learner's time-of-day habit, and maps each onto the action space.
// The result is deduplicated and keeps generation order.
func (e *Engine) candidates(current amas.StrategyParams, habit *amas.HabitProfile, hour int) []amas.Action {
	grid := e.space.Grid()
	difficulties := append([]amas.Difficulty(nil), grid.Difficulties...)
	newRatios := append([]float64(nil), grid.NewRatios...)
	batchSizes := append([]int(nil), grid.BatchSizes...)
	hintLevels := append([]int(nil), grid.HintLevels...)

	if habit != nil {
		if habit.TimeEvents >= e.cfg.Heuristic.MinHabitEvents {
			bias := habit.PrefAt(hour)
			if habit.IsPreferred(hour) {
				bias = math.Max(bias, 0.6)
			}
			switch {
			case bias >= 0.6:
				difficulties = []amas.Difficulty{amas.Mid, amas.Hard}
				newRatios = []float64{0.2, 0.3, 0.4}
				batchSizes = []int{8, 12, 16}
				hintLevels = []int{0, 1}
			case bias <= 0.2:
				difficulties = []amas.Difficulty{amas.Easy, amas.Mid}
				newRatios = []float64{0.1, 0.2, 0.3}
				batchSizes = []int{5, 8, 12}
				hintLevels = []int{1, 2}
			}
		}

		if habit.Batches >= e.cfg.Heuristic.MinRhythmBatches {
			median := int(math.Round(habit.BatchMedian))
			if median >= amas.MinBatchSize && median <= amas.MaxBatchSize {
				batchSizes = appendInt(batchSizes, median)
			}
		}
	}

	difficulties = appendDifficulty(difficulties, current.Difficulty)
	newRatios = appendFloat(newRatios, current.NewRatio)
	batchSizes = appendInt(batchSizes, current.BatchSize)
	hintLevels = appendInt(hintLevels, current.HintLevel)

	var raw []amas.StrategyParams
	for _, d := range difficulties {
		for _, nr := range newRatios {
			s := current
			s.Difficulty, s.NewRatio = d, nr
			raw = append(raw, s)
		}
	}
	for _, b := range batchSizes {
		s := current
		s.BatchSize = b
		raw = append(raw, s)
	}
	for _, h := range hintLevels {
		s := current
		s.HintLevel = h
		raw = append(raw, s)
	}

	seen := make(map[string]bool, len(raw))
	out := make([]amas.Action, 0, len(raw))
	for _, s := range raw {
		a := e.mapper.Map(s.Clamped(), nil)
		if seen[a.Key()] {
			continue
		}
		seen[a.Key()] = true
		out = append(out, a)
	}
	return out
}

func appendDifficulty(xs []amas.Difficulty, v amas.Difficulty) []amas.Difficulty {
	for _, x := range xs {
		if x == v {
			return xs
		}
	}
	return append(xs, v)
}

func appendInt(xs []int, v int) []int {
	for _, x := range xs {
		if x == v {
			return xs
		}
	}
	return append(xs, v)
}

func appendFloat(xs []float64, v float64) []float64 {
	for _, x := range xs {
		if math.Abs(x-v) < 1e-6 {
			return xs
		}
	}
	return append(xs, v)
}
