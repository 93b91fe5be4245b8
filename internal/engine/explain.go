package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/khanglvm/amas-engine/internal/amas"
)

// Factor names used in explanations.
const (
	FactorFatigue           = "fatigue"
	FactorAttention         = "attention"
	FactorMotivation        = "motivation"
	FactorHabit             = "habit"
	FactorGuardrail         = "guardrail"
	FactorHeuristicFallback = "heuristic_fallback"
)

// explain describes why strategy was chosen over previous.
func (e *Engine) explain(state amas.UserState, hour int, previous, strategy amas.StrategyParams, guardrails []string, degraded bool) amas.DecisionExplanation {
	var factors []amas.DecisionFactor

	if state.Fatigue > 0.5 {
		factors = append(factors, amas.DecisionFactor{
			Name:      FactorFatigue,
			Value:     state.Fatigue,
			Impact:    "smaller batch",
			Magnitude: (state.Fatigue - 0.5) * 100,
		})
	}
	if state.Attention < 0.5 {
		factors = append(factors, amas.DecisionFactor{
			Name:      FactorAttention,
			Value:     state.Attention,
			Impact:    "more hints",
			Magnitude: (0.5 - state.Attention) * 100,
		})
	}
	if state.Motivation < 0 {
		factors = append(factors, amas.DecisionFactor{
			Name:      FactorMotivation,
			Value:     state.Motivation,
			Impact:    "easier difficulty",
			Magnitude: math.Abs(state.Motivation) * 100,
		})
	}
	if h := state.Habit; h != nil && h.TimeEvents >= e.cfg.Heuristic.MinHabitEvents {
		pref := h.PrefAt(hour)
		switch {
		case pref >= 0.6 || h.IsPreferred(hour):
			factors = append(factors, amas.DecisionFactor{
				Name: FactorHabit, Value: pref, Impact: "preferred hour, more challenge", Magnitude: pref * 100,
			})
		case pref <= 0.2:
			factors = append(factors, amas.DecisionFactor{
				Name: FactorHabit, Value: pref, Impact: "off-hour, lighter load", Magnitude: pref * 100,
			})
		}
	}
	for _, rule := range guardrails {
		factors = append(factors, amas.DecisionFactor{Name: FactorGuardrail, Impact: rule, Magnitude: 100})
	}
	if degraded {
		factors = append(factors, amas.DecisionFactor{
			Name: FactorHeuristicFallback, Impact: "learned policies skipped", Magnitude: 100,
		})
	}

	changes := make([]string, 0, 3)
	if previous.Difficulty != strategy.Difficulty {
		changes = append(changes, fmt.Sprintf("difficulty: %s -> %s", previous.Difficulty, strategy.Difficulty))
	} else {
		changes = append(changes, fmt.Sprintf("difficulty: %s", strategy.Difficulty))
	}
	if previous.BatchSize != strategy.BatchSize {
		changes = append(changes, fmt.Sprintf("batch: %d -> %d", previous.BatchSize, strategy.BatchSize))
	} else {
		changes = append(changes, fmt.Sprintf("batch: %d", strategy.BatchSize))
	}
	if math.Abs(previous.NewRatio-strategy.NewRatio) > 1e-9 {
		changes = append(changes, fmt.Sprintf("new words: %.0f%% -> %.0f%%", previous.NewRatio*100, strategy.NewRatio*100))
	} else {
		changes = append(changes, fmt.Sprintf("new words: %.0f%%", strategy.NewRatio*100))
	}

	text := "learner state is good, keeping the current strategy"
	if len(factors) > 0 {
		seen := make(map[string]bool)
		var names []string
		for _, f := range factors {
			if !seen[f.Name] {
				seen[f.Name] = true
				names = append(names, f.Name)
			}
		}
		text = "adjusted for " + strings.Join(names, ", ")
	}

	return amas.DecisionExplanation{Factors: factors, Changes: changes, Text: text}
}
