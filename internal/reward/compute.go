/*
Package reward computes immediate rewards and runs the delayed reward queue.

An immediate reward is derived from the answer itself and applied to the
policies inside the real-time decision. A delayed reward arrives later
(for example when a review outcome becomes known); it is queued with the
owner event ID and applied by a background worker against the feature
vector stored at decision time.
*/
package reward

import (
	"math"

	"github.com/khanglvm/amas-engine/internal/amas"
)

// Weights are the component weights of the immediate reward. They should sum to 1.
type Weights struct {
	Accuracy  float64 `json:"accuracy"`
	Speed     float64 `json:"speed"`
	Stability float64 `json:"stability"`
	Retention float64 `json:"retention"`

	// MaxResponseTime (ms) maps to a speed score of 0.
	MaxResponseTime int64 `json:"maxResponseTime"`
}

// DefaultWeights returns 0.4/0.2/0.2/0.2 with a 10s response cap.
func DefaultWeights() Weights {
	return Weights{Accuracy: 0.4, Speed: 0.2, Stability: 0.2, Retention: 0.2, MaxResponseTime: 10000}
}

// Reward is a scalar in [-1,1] with a short reason.
type Reward struct {
	Value  float64 `json:"value"`
	Reason string  `json:"reason"`
}

// Reasons attached to immediate rewards.
const (
	ReasonCorrectFast = "correct_fast"
	ReasonCorrect     = "correct"
	ReasonHintUsed    = "answered_with_hint"
	ReasonIncorrect   = "incorrect"
)

// Compute scores one answer.
func Compute(ev amas.RawEvent, st amas.UserState, w Weights) Reward {
	st = st.Sanitized()
	if w.MaxResponseTime <= 0 {
		w.MaxResponseTime = DefaultWeights().MaxResponseTime
	}

	accuracy := 0.0
	if ev.IsCorrect {
		accuracy = 1
	}
	rt := math.Max(float64(ev.ResponseTime), 0)
	speed := 1 - math.Min(rt/float64(w.MaxResponseTime), 1)

	v := w.Accuracy*accuracy +
		w.Speed*speed +
		w.Stability*st.Cognitive.Stability +
		w.Retention*st.Cognitive.Memory

	var reason string
	switch {
	case ev.IsCorrect && speed > 0.7:
		reason = ReasonCorrectFast
	case ev.IsCorrect:
		reason = ReasonCorrect
	case ev.HintUsed:
		reason = ReasonHintUsed
	default:
		reason = ReasonIncorrect
	}

	return Reward{Value: Normalize(v*2 - 1), Reason: reason}
}

// Normalize clamps r to [-1,1]. Non-finite values become 0.
func Normalize(r float64) float64 {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return math.Max(-1, math.Min(1, r))
}
