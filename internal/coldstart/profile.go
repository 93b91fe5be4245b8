package coldstart

import (
	"math"

	"github.com/khanglvm/amas-engine/internal/amas"
)

const profileAlpha = 0.1

// Profile is a continuous learner profile tracked alongside the discrete
// classification. Each field is an exponential moving average in [0,1].
type Profile struct {
	Speed     float64 `json:"speed"`
	Accuracy  float64 `json:"accuracy"`
	Stability float64 `json:"stability"`
	Samples   int     `json:"samples"`
}

// NewProfile starts from the neutral midpoint.
func NewProfile() *Profile {
	return &Profile{Speed: 0.5, Accuracy: 0.5, Stability: 0.5}
}

// Seed moves the profile toward the prototype of t. It only applies while
// the profile has few samples, so a seeded profile is still driven by data.
func (p *Profile) Seed(t UserType) {
	if p.Samples > 10 {
		return
	}
	switch t {
	case Fast:
		p.Speed, p.Accuracy, p.Stability = 0.8, 0.85, 0.7
	case Cautious:
		p.Speed, p.Accuracy, p.Stability = 0.3, 0.55, 0.4
	default:
		p.Speed, p.Accuracy, p.Stability = 0.5, 0.72, 0.6
	}
}

// Observe folds one answer into the averages.
func (p *Profile) Observe(s Signals) {
	speed := 1 - math.Min(float64(s.ResponseTime)/float64(2*slowResponseMs), 1)
	stability := 0.5
	if s.Extra != nil {
		stability = 1 - math.Min(s.Extra.RTVariance, 1)
	}
	p.Speed = ema(p.Speed, speed)
	p.Accuracy = ema(p.Accuracy, s.Accuracy)
	p.Stability = ema(p.Stability, stability)
	p.Samples++
}

// Confidence grows with the number of samples and saturates at 1.
func (p *Profile) Confidence() float64 {
	n := float64(p.Samples)
	return n / (n + 10)
}

// ToStrategy interpolates a strategy from the profile.
func (p *Profile) ToStrategy() amas.StrategyParams {
	out := amas.DefaultStrategy()
	switch {
	case p.Accuracy >= 0.8 && p.Speed >= 0.6:
		out.Difficulty = amas.Hard
	case p.Accuracy < 0.6:
		out.Difficulty = amas.Easy
	}
	out.BatchSize = int(math.Round(5 + 11*p.Speed*p.Stability))
	out.NewRatio = 0.1 + 0.3*p.Accuracy*p.Speed
	out.IntervalScale = 1.2 - 0.4*p.Accuracy*p.Stability
	switch {
	case p.Accuracy < 0.6:
		out.HintLevel = 2
	case p.Accuracy > 0.8:
		out.HintLevel = 0
	}
	return out.Clamped()
}

func ema(prev, v float64) float64 {
	return (1-profileAlpha)*prev + profileAlpha*v
}
