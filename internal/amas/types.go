/*
Package amas holds the domain types shared by the decision engine:
learner state snapshots, answer events, strategy parameters, the quantized
action space and the explanation/evaluation values returned to callers.

Everything here is a plain value. Components that own mutable state
(policies, cold start, ensemble) live in their own packages.
*/
package amas

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Difficulty is the coarse difficulty level of a learning batch.
type Difficulty int

const (
	Easy Difficulty = iota
	Mid
	Hard
)

func (d Difficulty) String() string {
	switch d {
	case Easy:
		return "easy"
	case Hard:
		return "hard"
	default:
		return "mid"
	}
}

// Clamp returns d restricted to the valid levels.
func (d Difficulty) Clamp() Difficulty {
	if d < Easy {
		return Easy
	}
	if d > Hard {
		return Hard
	}
	return d
}

// Down returns the next easier level (Easy stays Easy).
func (d Difficulty) Down() Difficulty { return (d - 1).Clamp() }

// Up returns the next harder level (Hard stays Hard).
func (d Difficulty) Up() Difficulty { return (d + 1).Clamp() }

// ParseDifficulty accepts "easy", "mid"/"medium" and "hard".
func ParseDifficulty(s string) (Difficulty, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "easy":
		return Easy, nil
	case "mid", "medium":
		return Mid, nil
	case "hard":
		return Hard, nil
	}
	return Mid, fmt.Errorf("unknown difficulty %q", s)
}

func (d Difficulty) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Difficulty) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDifficulty(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// CognitiveProfile holds the externally estimated cognitive sub-scores, each in [0,1].
type CognitiveProfile struct {
	Memory    float64 `json:"memory"`
	Speed     float64 `json:"speed"`
	Stability float64 `json:"stability"`
}

// HabitProfile describes when and how a learner usually studies.
type HabitProfile struct {
	// TimePref is the hourly preference distribution, indexed by hour of day.
	TimePref []float64 `json:"timePref,omitempty"`

	// PreferredSlots lists hours the learner explicitly prefers.
	PreferredSlots []int `json:"preferredSlots,omitempty"`

	// BatchMedian is the learner's typical batch size.
	BatchMedian float64 `json:"batchMedian,omitempty"`

	// SessionMedianMinutes is the typical session length.
	SessionMedianMinutes float64 `json:"sessionMedianMinutes,omitempty"`

	// TimeEvents is the number of sessions the time preference was estimated from.
	TimeEvents int `json:"timeEvents"`

	// Batches is the number of batches the rhythm estimate was built from.
	Batches int `json:"batches"`
}

// PrefAt returns the preference for hour, or 0.5 when unknown.
func (h *HabitProfile) PrefAt(hour int) float64 {
	if h == nil || hour < 0 || hour >= len(h.TimePref) {
		return 0.5
	}
	return clamp01(h.TimePref[hour], 0.5)
}

// IsPreferred reports whether hour is one of the explicitly preferred slots.
func (h *HabitProfile) IsPreferred(hour int) bool {
	if h == nil {
		return false
	}
	for _, s := range h.PreferredSlots {
		if s == hour {
			return true
		}
	}
	return false
}

// UserState is a read-only snapshot produced by the external estimators.
type UserState struct {
	Attention  float64          `json:"attention"`
	Fatigue    float64          `json:"fatigue"`
	Motivation float64          `json:"motivation"`
	Cognitive  CognitiveProfile `json:"cognitive"`
	Habit      *HabitProfile    `json:"habit,omitempty"`

	// PredictedRetention is the memory model's retention estimate; 0 means unknown.
	PredictedRetention float64 `json:"predictedRetention,omitempty"`

	// Confidence is the estimators' confidence in this snapshot.
	Confidence float64 `json:"confidence,omitempty"`
}

// DefaultUserState is a neutral state used when no estimate is available.
func DefaultUserState() UserState {
	return UserState{
		Attention:  0.7,
		Fatigue:    0.3,
		Motivation: 0.0,
		Cognitive:  CognitiveProfile{Memory: 0.5, Speed: 0.5, Stability: 0.5},
		Confidence: 0.5,
	}
}

// Sanitized returns a copy with every score clamped to its valid range.
// Non-finite values fall back to the neutral default for that field.
func (s UserState) Sanitized() UserState {
	def := DefaultUserState()
	out := s
	out.Attention = clamp01(s.Attention, def.Attention)
	out.Fatigue = clamp01(s.Fatigue, def.Fatigue)
	out.Motivation = clampRange(s.Motivation, -1, 1, def.Motivation)
	out.Cognitive.Memory = clamp01(s.Cognitive.Memory, def.Cognitive.Memory)
	out.Cognitive.Speed = clamp01(s.Cognitive.Speed, def.Cognitive.Speed)
	out.Cognitive.Stability = clamp01(s.Cognitive.Stability, def.Cognitive.Stability)
	out.PredictedRetention = clamp01(s.PredictedRetention, 0)
	out.Confidence = clamp01(s.Confidence, def.Confidence)
	return out
}

// RawEvent is one answer submitted by a learner.
type RawEvent struct {
	WordID       string    `json:"wordId"`
	IsCorrect    bool      `json:"isCorrect"`
	ResponseTime int64     `json:"responseTime"` // milliseconds
	DwellTime    int64     `json:"dwellTime,omitempty"`
	RetryCount   int       `json:"retryCount,omitempty"`
	HintUsed     bool      `json:"hintUsed,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	QuestionType string    `json:"questionType,omitempty"`
}

func clamp01(v, fallback float64) float64 {
	return clampRange(v, 0, 1, fallback)
}

func clampRange(v, lo, hi, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return math.Max(lo, math.Min(hi, v))
}
