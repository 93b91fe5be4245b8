/*
Package safety holds the last two steps of every decision: guardrails that
cap a strategy according to the learner's state, and the mapper that snaps
the capped strategy back onto the action grid.
*/
package safety

import (
	"math"

	"github.com/khanglvm/amas-engine/internal/amas"
)

// Guardrails are hard caps applied after a strategy is chosen.
type Guardrails struct {
	CriticalFatigue    float64 `json:"criticalFatigue"`
	HighFatigue        float64 `json:"highFatigue"`
	LowAttention       float64 `json:"lowAttention"`
	LongSessionMinutes float64 `json:"longSessionMinutes"`
	LowRetention       float64 `json:"lowRetention"`
}

// DefaultGuardrails returns the production thresholds.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		CriticalFatigue:    0.9,
		HighFatigue:        0.75,
		LowAttention:       0.3,
		LongSessionMinutes: 45,
		LowRetention:       0.7,
	}
}

// Rule names reported by Apply.
const (
	RuleCriticalFatigue = "critical_fatigue"
	RuleHighFatigue     = "high_fatigue"
	RuleLowAttention    = "low_attention"
	RuleLongSession     = "long_session"
	RuleLowRetention    = "low_retention"
)

// Apply caps s and returns the names of the rules that fired. The result is
// always clamped to the legal ranges.
func (g Guardrails) Apply(state amas.UserState, s amas.StrategyParams, sessionMinutes float64) (amas.StrategyParams, []string) {
	state = state.Sanitized()
	s = s.Clamped()
	var fired []string

	if state.Fatigue >= g.CriticalFatigue {
		s.Difficulty = amas.Easy
		s.BatchSize = minInt(s.BatchSize, 5)
		s.NewRatio = math.Min(s.NewRatio, 0.2)
		s.HintLevel = maxInt(s.HintLevel, 1)
		fired = append(fired, RuleCriticalFatigue)
	} else if state.Fatigue >= g.HighFatigue {
		if s.Difficulty == amas.Hard {
			s.Difficulty = amas.Mid
		}
		s.BatchSize = minInt(s.BatchSize, 8)
		fired = append(fired, RuleHighFatigue)
	}

	if state.Attention < g.LowAttention {
		s.HintLevel = maxInt(s.HintLevel, 1)
		s.BatchSize = minInt(s.BatchSize, 8)
		fired = append(fired, RuleLowAttention)
	}

	if !math.IsNaN(sessionMinutes) && sessionMinutes > g.LongSessionMinutes {
		s.NewRatio = math.Min(s.NewRatio, 0.15)
		fired = append(fired, RuleLongSession)
	}

	if r := state.PredictedRetention; r > 0 && r < g.LowRetention {
		s.IntervalScale = math.Min(s.IntervalScale, 0.8)
		fired = append(fired, RuleLowRetention)
	}

	return s.Clamped(), fired
}

// ApplyGuardrails applies the default thresholds.
func ApplyGuardrails(state amas.UserState, s amas.StrategyParams, sessionMinutes float64) amas.StrategyParams {
	out, _ := DefaultGuardrails().Apply(state, s, sessionMinutes)
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Satisfied reports whether s already respects every rule for state.
func (g Guardrails) Satisfied(state amas.UserState, s amas.StrategyParams, sessionMinutes float64) bool {
	capped, _ := g.Apply(state, s, sessionMinutes)
	return capped.Equal(s)
}

// Enforce caps the chosen action and maps the result back onto the grid,
// preferring chosen on distance ties. If the preferred tie-break would land
// on a member that breaks a rule (a cap halfway between two grid values),
// the plain lowest-index mapping is used instead.
func (g Guardrails) Enforce(state amas.UserState, chosen amas.Action, sessionMinutes float64, m *Mapper) (amas.Action, []string) {
	capped, fired := g.Apply(state, chosen.Strategy, sessionMinutes)
	action := m.Map(capped, &chosen)
	if len(fired) > 0 && !g.Satisfied(state, action.Strategy, sessionMinutes) {
		action = m.Map(capped, nil)
	}
	return action, fired
}
