/*
Package coldstart implements the cold-start classifier for learners with no
history.

The Manager is a three-phase state machine:

	Classify -> Explore -> Normal

Classify scores each answer against three learner types (fast, stable,
cautious). Explore issues a fixed, high-contrast probe sequence and settles
on a strategy. Normal is terminal: Update returns nothing and decisions are
left to the ensemble. The phase only moves forward; Reset is the only way back.

The manager never returns an error. Malformed signals are clamped and
anything unexpected falls back to the cautious preset.
*/
package coldstart

import (
	"math"

	"github.com/khanglvm/amas-engine/internal/amas"
)

// Phase is the cold-start phase. Its ordinal never decreases without Reset.
type Phase int

const (
	Classify Phase = iota
	Explore
	Normal
)

func (p Phase) String() string {
	switch p {
	case Classify:
		return "classify"
	case Explore:
		return "explore"
	default:
		return "normal"
	}
}

// UserType is the learner class chosen during Classify.
type UserType int

const (
	Fast UserType = iota
	Stable
	Cautious
)

func (u UserType) String() string {
	switch u {
	case Fast:
		return "fast"
	case Cautious:
		return "cautious"
	default:
		return "stable"
	}
}

// Strategy returns the preset for the type.
func (u UserType) Strategy() amas.StrategyParams {
	switch u {
	case Fast:
		return amas.FastStrategy()
	case Cautious:
		return amas.CautiousStrategy()
	default:
		return amas.DefaultStrategy()
	}
}

// probeType maps a probe value onto a preset: 0 hard, 1 mid, 2 easy.
func probeType(v int) UserType {
	switch v {
	case 0:
		return Fast
	case 2:
		return Cautious
	default:
		return Stable
	}
}

const (
	fastResponseMs = 2000
	slowResponseMs = 4000
)

// Config holds the cold-start knobs.
type Config struct {
	ClassifySamples     int     `json:"classifySamples"`
	ExploreSamples      int     `json:"exploreSamples"`
	ProbeSequence       []int   `json:"probeSequence"`
	MinClassifySamples  int     `json:"minClassifySamples"`
	MinExploreSamples   int     `json:"minExploreSamples"`
	ConfidenceMargin    float64 `json:"confidenceMargin"`
	ExploreHighAccuracy float64 `json:"exploreHighAccuracy"`
	ExploreLowAccuracy  float64 `json:"exploreLowAccuracy"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ClassifySamples:     3,
		ExploreSamples:      5,
		ProbeSequence:       []int{0, 1, 2, 0, 1, 2},
		MinClassifySamples:  2,
		MinExploreSamples:   2,
		ConfidenceMargin:    0.35,
		ExploreHighAccuracy: 0.85,
		ExploreLowAccuracy:  0.5,
	}
}

// Signals are the per-answer inputs. Extra is optional.
type Signals struct {
	Accuracy     float64
	ResponseTime int64 // milliseconds
	Extra        *Extra
}

// Extra carries the optional state-derived signals.
type Extra struct {
	Attention  float64
	Motivation float64
	Memory     float64
	RTVariance float64 // coefficient of variation of recent response times
}

// State is the persisted form of a Manager.
type State struct {
	Phase                Phase                `json:"phase"`
	UpdateCount          int                  `json:"updateCount"`
	ClassificationScores [3]float64           `json:"classificationScores"`
	ProbeIndex           int                  `json:"probeIndex"`
	UserType             *UserType            `json:"userType,omitempty"`
	ExploreSamples       int                  `json:"exploreSamples"`
	ExploreCorrect       float64              `json:"exploreCorrect"`
	Settled              *amas.StrategyParams `json:"settled,omitempty"`
	Profile              *Profile             `json:"profile,omitempty"`
}

// Manager runs the state machine for one learner. It is not safe for
// concurrent use; callers serialize access per learner.
type Manager struct {
	cfg   Config
	state State
}

// NewManager starts a fresh learner in Classify.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: normalize(cfg)}
}

// FromState restores a manager from persisted state.
func FromState(cfg Config, st State) *Manager {
	if st.Phase < Classify || st.Phase > Normal {
		st.Phase = Classify
	}
	return &Manager{cfg: normalize(cfg), state: st}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ClassifySamples <= 0 {
		cfg.ClassifySamples = def.ClassifySamples
	}
	if cfg.ExploreSamples <= 0 {
		cfg.ExploreSamples = def.ExploreSamples
	}
	if len(cfg.ProbeSequence) == 0 {
		cfg.ProbeSequence = def.ProbeSequence
	}
	if cfg.MinClassifySamples <= 0 || cfg.MinClassifySamples > cfg.ClassifySamples {
		cfg.MinClassifySamples = cfg.ClassifySamples
	}
	if cfg.MinExploreSamples <= 0 || cfg.MinExploreSamples > cfg.ExploreSamples {
		cfg.MinExploreSamples = cfg.ExploreSamples
	}
	return cfg
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase { return m.state.Phase }

// IsComplete reports whether the learner reached Normal.
func (m *Manager) IsComplete() bool { return m.state.Phase == Normal }

// State returns a copy of the persisted state.
func (m *Manager) State() State {
	st := m.state
	if st.Settled != nil {
		s := *st.Settled
		st.Settled = &s
	}
	if st.UserType != nil {
		u := *st.UserType
		st.UserType = &u
	}
	if st.Profile != nil {
		p := *st.Profile
		st.Profile = &p
	}
	return st
}

// Reset returns the learner to Classify and clears all evidence.
func (m *Manager) Reset() { m.state = State{} }

// Update feeds one answer. It returns the strategy to use next, or false
// once the learner is in Normal.
func (m *Manager) Update(s Signals) (*amas.StrategyParams, bool) {
	s = sanitize(s)
	if m.state.Profile == nil {
		m.state.Profile = NewProfile()
	}
	m.state.Profile.Observe(s)

	var out amas.StrategyParams
	switch m.state.Phase {
	case Classify:
		out = m.classify(s)
	case Explore:
		out = m.explore(s)
	default:
		return nil, false
	}
	return &out, true
}

func (m *Manager) classify(s Signals) amas.StrategyParams {
	m.state.ClassificationScores[Fast] += fastScore(s)
	m.state.ClassificationScores[Stable] += stableScore(s)
	m.state.ClassificationScores[Cautious] += cautiousScore(s)
	m.state.UpdateCount++

	if m.state.UpdateCount >= m.cfg.MinClassifySamples {
		if t, ok := m.confidentType(); ok {
			return m.enterExplore(t)
		}
	}
	if m.state.UpdateCount >= m.cfg.ClassifySamples {
		return m.enterExplore(m.leadingType())
	}

	// Provisional strategy so personalization starts with the first answer.
	switch {
	case s.ResponseTime < fastResponseMs && s.Accuracy > 0.8:
		return Fast.Strategy()
	case s.ResponseTime > slowResponseMs || s.Accuracy < 0.6:
		return Cautious.Strategy()
	default:
		return Stable.Strategy()
	}
}

func (m *Manager) enterExplore(t UserType) amas.StrategyParams {
	m.state.UserType = &t
	m.state.Phase = Explore
	m.state.ProbeIndex = m.state.UpdateCount
	m.state.Profile.Seed(t)
	return t.Strategy()
}

func (m *Manager) explore(s Signals) amas.StrategyParams {
	m.state.UpdateCount++
	m.state.ExploreSamples++
	m.state.ExploreCorrect += s.Accuracy
	acc := m.state.ExploreCorrect / float64(m.state.ExploreSamples)

	extreme := acc >= m.cfg.ExploreHighAccuracy || acc <= m.cfg.ExploreLowAccuracy
	if (m.state.ExploreSamples >= m.cfg.MinExploreSamples && extreme) ||
		m.state.ExploreSamples >= m.cfg.ExploreSamples {
		return m.settle(acc)
	}

	seq := m.cfg.ProbeSequence
	probe := seq[m.state.ProbeIndex%len(seq)]
	m.state.ProbeIndex++
	return probeType(probe).Strategy()
}

func (m *Manager) settle(acc float64) amas.StrategyParams {
	m.state.Phase = Normal

	t := Stable
	if m.state.UserType != nil {
		t = *m.state.UserType
	}
	out := t.Strategy()
	switch {
	case acc >= m.cfg.ExploreHighAccuracy:
		out.Difficulty = amas.Hard
		out.NewRatio = math.Min(out.NewRatio+0.1, amas.MaxNewRatio)
	case acc <= m.cfg.ExploreLowAccuracy:
		out.Difficulty = amas.Easy
		out.NewRatio = math.Max(out.NewRatio-0.1, amas.MinNewRatio)
		out.HintLevel = amas.MaxHintLevel
	}
	m.state.Settled = &out
	return out
}

// confidentType returns the leading type when its margin over the runner-up,
// as a share of the total score, reaches ConfidenceMargin.
func (m *Manager) confidentType() (UserType, bool) {
	sc := m.state.ClassificationScores
	total := sc[0] + sc[1] + sc[2]
	if total <= 1e-6 {
		return Stable, false
	}
	top := m.leadingType()
	second := math.Inf(-1)
	for i, v := range sc {
		if UserType(i) != top && v > second {
			second = v
		}
	}
	if (sc[top]-second)/total < m.cfg.ConfidenceMargin {
		return Stable, false
	}
	return top, true
}

// leadingType is the argmax of the scores; ties resolve toward the more
// cautious class.
func (m *Manager) leadingType() UserType {
	sc := m.state.ClassificationScores
	best := Cautious
	for _, t := range []UserType{Stable, Fast} {
		if sc[t] > sc[best] {
			best = t
		}
	}
	return best
}

func fastScore(s Signals) float64 {
	score := 0.0
	if s.ResponseTime < fastResponseMs && s.Accuracy > 0.8 {
		score += 1
	}
	if x := s.Extra; x != nil {
		if x.Attention > 0.7 {
			score += 0.3
		}
		if x.RTVariance < 0.3 {
			score += 0.2
		}
		if x.Memory > 0.7 {
			score += 0.2
		}
	}
	return score
}

func stableScore(s Signals) float64 {
	score := 0.0
	if s.Accuracy >= 0.6 && s.Accuracy <= 0.85 {
		score += 1
	}
	if x := s.Extra; x != nil {
		if x.Memory > 0.5 && x.Memory <= 0.8 {
			score += 0.3
		}
		if x.Motivation > 0 && x.Motivation < 0.5 {
			score += 0.2
		}
		if x.RTVariance >= 0.3 && x.RTVariance <= 0.6 {
			score += 0.2
		}
	}
	return score
}

func cautiousScore(s Signals) float64 {
	score := 0.0
	if s.ResponseTime > slowResponseMs || s.Accuracy < 0.6 {
		score += 1
	}
	if x := s.Extra; x != nil {
		if x.Motivation < 0 {
			score += 0.3
		}
		if x.Attention < 0.5 {
			score += 0.2
		}
		if x.RTVariance > 0.6 {
			score += 0.2
		}
	}
	return score
}

// sanitize clamps every signal. Unknown accuracy counts as a miss and an
// unknown response time counts as slow, both of which push toward cautious.
func sanitize(s Signals) Signals {
	if math.IsNaN(s.Accuracy) || math.IsInf(s.Accuracy, 0) {
		s.Accuracy = 0
	}
	s.Accuracy = clamp(s.Accuracy, 0, 1)
	if s.ResponseTime <= 0 {
		s.ResponseTime = slowResponseMs + 1
	}
	if s.Extra != nil {
		x := *s.Extra
		x.Attention = finite(clamp(x.Attention, 0, 1), 0)
		x.Motivation = finite(clamp(x.Motivation, -1, 1), -1)
		x.Memory = finite(clamp(x.Memory, 0, 1), 0)
		x.RTVariance = finite(math.Max(0, x.RTVariance), 1)
		s.Extra = &x
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func finite(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
