package engine

import (
	"math"
	"time"

	"github.com/khanglvm/amas-engine/internal/amas"
)

// ObjectiveConfig holds the learning-objective constraints.
type ObjectiveConfig struct {
	MinAccuracy     float64 `json:"minAccuracy"`
	MaxDailyMinutes float64 `json:"maxDailyMinutes"`
	MinRetention    float64 `json:"minRetention"`

	// DefaultAccuracy is assumed when the caller reports no recent accuracy.
	DefaultAccuracy float64 `json:"defaultAccuracy"`
}

// DefaultObjectiveConfig returns the production constraints.
func DefaultObjectiveConfig() ObjectiveConfig {
	return ObjectiveConfig{MinAccuracy: 0.6, MaxDailyMinutes: 60, MinRetention: 0.7, DefaultAccuracy: 0.7}
}

// Constraint names reported in violations.
const (
	ConstraintMinAccuracy  = "minAccuracy"
	ConstraintMaxDailyTime = "maxDailyTime"
	ConstraintMinRetention = "minRetention"
)

// Evaluate scores how well the learner is doing under strategy s and checks
// the constraints. Retention is only checked when the state carries a
// prediction.
func Evaluate(cfg ObjectiveConfig, state amas.UserState, s amas.StrategyParams, opts Options, now time.Time) amas.ObjectiveEvaluation {
	state = state.Sanitized()

	accuracy := cfg.DefaultAccuracy
	if opts.RecentAccuracy != nil {
		accuracy = math.Max(0, math.Min(1, *opts.RecentAccuracy))
	}
	fatigue := state.Fatigue

	shortTerm := 0.6*accuracy + 0.4*state.Attention
	longTerm := 0.5*state.Cognitive.Memory + 0.3*state.Cognitive.Stability + 0.2*(1-fatigue)
	batch := math.Min(float64(s.BatchSize)/float64(amas.MaxBatchSize), 1)
	efficiency := 0.5*state.Cognitive.Speed + 0.3*batch + 0.2*(1-fatigue)
	aggregate := 0.3*shortTerm + 0.4*longTerm + 0.3*efficiency

	var violations []amas.ConstraintViolation
	adjusted := s
	if accuracy < cfg.MinAccuracy {
		violations = append(violations, amas.ConstraintViolation{
			Constraint: ConstraintMinAccuracy, Expected: cfg.MinAccuracy, Actual: accuracy,
		})
		adjusted.Difficulty = adjusted.Difficulty.Down()
		adjusted.HintLevel++
	}
	if opts.StudyMinutes > cfg.MaxDailyMinutes {
		violations = append(violations, amas.ConstraintViolation{
			Constraint: ConstraintMaxDailyTime, Expected: cfg.MaxDailyMinutes, Actual: opts.StudyMinutes,
		})
		adjusted.BatchSize = amas.MinBatchSize
		adjusted.NewRatio = amas.MinNewRatio
	}
	if r := state.PredictedRetention; r > 0 && r < cfg.MinRetention {
		violations = append(violations, amas.ConstraintViolation{
			Constraint: ConstraintMinRetention, Expected: cfg.MinRetention, Actual: r,
		})
		adjusted.IntervalScale *= 0.8
	}

	eval := amas.ObjectiveEvaluation{
		Metrics: amas.ObjectiveMetrics{
			ShortTerm:  round2(shortTerm),
			LongTerm:   round2(longTerm),
			Efficiency: round2(efficiency),
			Aggregate:  round2(aggregate),
			Timestamp:  now.UTC(),
		},
		ConstraintsSatisfied: len(violations) == 0,
		Violations:           violations,
	}
	if len(violations) > 0 {
		adjusted = adjusted.Clamped()
		eval.SuggestedAdjustment = &adjusted
	}
	return eval
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
