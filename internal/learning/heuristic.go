package learning

import (
	"math"

	"github.com/khanglvm/amas-engine/internal/amas"
	"github.com/khanglvm/amas-engine/internal/safety"
)

// HeuristicConfig holds the rule thresholds.
type HeuristicConfig struct {
	FatigueThreshold    float64 `json:"fatigueThreshold"`
	AttentionThreshold  float64 `json:"attentionThreshold"`
	MotivationThreshold float64 `json:"motivationThreshold"`

	// MinHabitEvents is the number of time observations needed before the
	// habit rules apply.
	MinHabitEvents int `json:"minHabitEvents"`

	// MinRhythmBatches is the number of batches needed before the rhythm
	// rule applies.
	MinRhythmBatches int `json:"minRhythmBatches"`
}

// DefaultHeuristicConfig returns the production thresholds.
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		FatigueThreshold:    0.7,
		AttentionThreshold:  0.4,
		MotivationThreshold: -0.3,
		MinHabitEvents:      10,
		MinRhythmBatches:    5,
	}
}

// Heuristic is a deterministic rule cascade. It needs no history and
// never fails, which makes it the fallback when the learned policies are
// unavailable.
type Heuristic struct {
	cfg HeuristicConfig
}

// NewHeuristic creates a rule policy.
func NewHeuristic(cfg HeuristicConfig) *Heuristic {
	return &Heuristic{cfg: cfg}
}

// Suggest nudges current according to state and the hour of day. All
// nudges are additive and the result is clamped.
func (h *Heuristic) Suggest(state amas.UserState, current amas.StrategyParams, hour int) amas.StrategyParams {
	state = state.Sanitized()
	s := current.Clamped()

	if state.Fatigue > h.cfg.FatigueThreshold {
		s.BatchSize -= 2
		s.NewRatio -= 0.1
		if s.Difficulty == amas.Hard {
			s.Difficulty = amas.Mid
		}
	}

	if state.Attention < h.cfg.AttentionThreshold {
		s.HintLevel++
		s.BatchSize--
	}

	if state.Motivation < h.cfg.MotivationThreshold {
		s.Difficulty = s.Difficulty.Down()
		s.IntervalScale *= 1.1
	}

	if state.Motivation > 0.7 && state.Fatigue < 0.3 && state.Attention > 0.7 {
		s.BatchSize += 2
		s.NewRatio += 0.05
		if s.Difficulty == amas.Easy {
			s.Difficulty = amas.Mid
		}
	}

	if state.Cognitive.Memory > 0.8 && state.Cognitive.Speed > 0.7 {
		s.IntervalScale *= 0.9
	} else if state.Cognitive.Memory < 0.4 {
		s.IntervalScale *= 1.2
		s.HintLevel++
	}

	if habit := state.Habit; habit != nil && habit.TimeEvents >= h.cfg.MinHabitEvents {
		pref := habit.PrefAt(hour)
		switch {
		case (pref >= 0.6 || habit.IsPreferred(hour)) && state.Fatigue <= h.cfg.FatigueThreshold:
			s.BatchSize++
			s.NewRatio += 0.05
		case pref <= 0.2:
			s.HintLevel++
			s.BatchSize--
			s.NewRatio -= 0.05
		}
	}

	if habit := state.Habit; habit != nil && habit.Batches >= h.cfg.MinRhythmBatches && habit.BatchMedian > 0 {
		s = s.Clamped()
		target := int(math.Round(habit.BatchMedian))
		s.BatchSize += (target - s.BatchSize) / 2
	}

	return s.Clamped()
}

// Confidence multiplies 0.8 into 1.0 for every stress threshold crossed,
// never dropping below 0.3.
func (h *Heuristic) Confidence(state amas.UserState) float64 {
	state = state.Sanitized()
	c := 1.0
	if state.Fatigue > h.cfg.FatigueThreshold {
		c *= 0.8
	}
	if state.Attention < h.cfg.AttentionThreshold {
		c *= 0.8
	}
	if state.Motivation < h.cfg.MotivationThreshold {
		c *= 0.8
	}
	return math.Max(0.3, c)
}

// HeuristicMember votes for the candidate nearest to the heuristic
// suggestion.
type HeuristicMember struct {
	h      *Heuristic
	mapper *safety.Mapper
}

// NewHeuristicMember wraps h for the ensemble.
func NewHeuristicMember(h *Heuristic, mapper *safety.Mapper) *HeuristicMember {
	return &HeuristicMember{h: h, mapper: mapper}
}

func (m *HeuristicMember) ID() PolicyID { return PolicyHeuristic }

func (m *HeuristicMember) Vote(in DecisionInput) (Vote, bool) {
	suggested := m.h.Suggest(in.State, in.Current, in.Hour)
	a, ok := bestAction(in.Candidates, func(a amas.Action) float64 {
		return -m.mapper.Distance(suggested, a.Strategy)
	})
	if !ok {
		return Vote{}, false
	}
	return Vote{Policy: PolicyHeuristic, Action: a, Confidence: m.h.Confidence(in.State)}, true
}
