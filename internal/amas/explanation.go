package amas

import "time"

// DecisionFactor is one named influence on a decision.
type DecisionFactor struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Impact    string  `json:"impact"`
	Magnitude float64 `json:"magnitude"` // percentage points
}

// Contribution is one policy's share of the ensemble vote.
type Contribution struct {
	Policy     string  `json:"policy"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
	Share      float64 `json:"share"`
}

// DecisionExplanation is the human-readable trace attached to every decision.
type DecisionExplanation struct {
	Factors       []DecisionFactor `json:"factors"`
	Contributions []Contribution   `json:"contributions,omitempty"`
	Changes       []string         `json:"changes"`
	Text          string           `json:"text"`
}

// ObjectiveMetrics are the multi-objective scores, each rounded to two decimals.
type ObjectiveMetrics struct {
	ShortTerm  float64   `json:"shortTerm"`
	LongTerm   float64   `json:"longTerm"`
	Efficiency float64   `json:"efficiency"`
	Aggregate  float64   `json:"aggregate"`
	Timestamp  time.Time `json:"timestamp"`
}

// ConstraintViolation names a constraint and the value that broke it.
type ConstraintViolation struct {
	Constraint string  `json:"constraint"`
	Expected   float64 `json:"expected"`
	Actual     float64 `json:"actual"`
}

// ObjectiveEvaluation reports whether the learning objectives are currently met.
type ObjectiveEvaluation struct {
	Metrics              ObjectiveMetrics      `json:"metrics"`
	ConstraintsSatisfied bool                  `json:"constraintsSatisfied"`
	Violations           []ConstraintViolation `json:"violations"`
	SuggestedAdjustment  *StrategyParams       `json:"suggestedAdjustment,omitempty"`
}
