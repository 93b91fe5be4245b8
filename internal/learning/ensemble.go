package learning

import (
	"math"

	"github.com/khanglvm/amas-engine/internal/amas"
	"github.com/khanglvm/amas-engine/internal/safety"
)

// recentRewardsCap bounds EnsembleState.RecentRewards.
const recentRewardsCap = 50

const scoreEpsilon = 1e-9

// Vote is one member's choice for the current decision.
type Vote struct {
	Policy     PolicyID    `json:"policy"`
	Action     amas.Action `json:"action"`
	Confidence float64     `json:"confidence"`

	// Exclusive votes win outright.
	Exclusive bool `json:"exclusive,omitempty"`
}

// DecisionInput is everything a member may look at.
type DecisionInput struct {
	Context    []float64
	State      amas.UserState
	Current    amas.StrategyParams
	Hour       int
	Candidates []amas.Action

	// ColdStart is the strategy issued by the cold-start manager for this
	// event, nil once the manager reached Normal.
	ColdStart *amas.StrategyParams
}

// Member is one voter of the ensemble.
type Member interface {
	ID() PolicyID
	Vote(in DecisionInput) (Vote, bool)
}

// PolicyMember adapts a contextual Policy to the Member interface.
type PolicyMember struct {
	Policy
}

func (m PolicyMember) Vote(in DecisionInput) (Vote, bool) {
	a, ok := m.SelectAction(in.Context, in.Candidates)
	if !ok {
		return Vote{}, false
	}
	return Vote{Policy: m.ID(), Action: a, Confidence: m.Confidence(a)}, true
}

// ColdStartMember relays the cold-start strategy as an exclusive vote.
type ColdStartMember struct {
	mapper *safety.Mapper
}

// NewColdStartMember creates the member; strategies are mapped onto the
// grid with mapper.
func NewColdStartMember(mapper *safety.Mapper) *ColdStartMember {
	return &ColdStartMember{mapper: mapper}
}

func (m *ColdStartMember) ID() PolicyID { return PolicyColdStart }

func (m *ColdStartMember) Vote(in DecisionInput) (Vote, bool) {
	if in.ColdStart == nil {
		return Vote{}, false
	}
	return Vote{
		Policy:     PolicyColdStart,
		Action:     m.mapper.Map(*in.ColdStart, nil),
		Confidence: 1,
		Exclusive:  true,
	}, true
}

// Decision sources.
const (
	SourceEnsemble  = "ensemble"
	SourceColdStart = "coldstart"
)

// Decision is the ensemble's output.
type Decision struct {
	Action     amas.Action
	Source     string
	Votes      []Vote
	Weights    map[PolicyID]float64
	Score      float64
	Confidence float64
}

// EnsembleConfig holds the weight schedule.
type EnsembleConfig struct {
	LearningRate float64              `json:"learningRate"`
	Decay        float64              `json:"decay"`
	MinWeight    float64              `json:"minWeight"`
	Prior        map[PolicyID]float64 `json:"prior"`
}

// DefaultEnsembleConfig returns the production schedule.
func DefaultEnsembleConfig() EnsembleConfig {
	return EnsembleConfig{
		LearningRate: 0.1,
		Decay:        0.01,
		MinWeight:    0.05,
		Prior: map[PolicyID]float64{
			PolicyLinUCB:    0.4,
			PolicyThompson:  0.4,
			PolicyHeuristic: 0.2,
		},
	}
}

// EnsembleState is the persisted part of an Ensemble.
type EnsembleState struct {
	Weights         map[PolicyID]float64 `json:"weights"`
	RecentRewards   []float64            `json:"recentRewards"`
	LastVotes       map[PolicyID]string  `json:"lastVotes,omitempty"`
	LastConfidences map[PolicyID]float64 `json:"lastConfidences,omitempty"`
	Updates         int                  `json:"updates"`
}

// Ensemble combines member votes with adaptive weights.
type Ensemble struct {
	cfg     EnsembleConfig
	mapper  *safety.Mapper
	members []Member
	prior   map[PolicyID]float64
	state   EnsembleState
}

// NewEnsemble creates an ensemble over members, in order. Members without a
// prior entry carry no weight and can only win through an exclusive vote.
func NewEnsemble(cfg EnsembleConfig, mapper *safety.Mapper, members ...Member) *Ensemble {
	e := &Ensemble{cfg: cfg, mapper: mapper, members: members}
	e.prior = make(map[PolicyID]float64)
	for _, m := range members {
		if w, ok := cfg.Prior[m.ID()]; ok && w > 0 {
			e.prior[m.ID()] = w
		}
	}
	normalize(e.prior)
	e.state = EnsembleState{Weights: copyWeights(e.prior)}
	return e
}

// Weights returns a copy of the current weights.
func (e *Ensemble) Weights() map[PolicyID]float64 {
	return copyWeights(e.state.Weights)
}

// Decide collects votes and picks a candidate. An exclusive vote wins
// outright; otherwise each candidate scores Σ w·conf·sim(vote, candidate).
func (e *Ensemble) Decide(in DecisionInput) Decision {
	votes := make([]Vote, 0, len(e.members))
	for _, m := range e.members {
		if v, ok := m.Vote(in); ok {
			votes = append(votes, v)
		}
	}
	e.remember(votes)

	dec := Decision{Votes: votes, Weights: e.Weights(), Source: SourceEnsemble}

	for _, v := range votes {
		if v.Exclusive {
			dec.Action = v.Action
			dec.Source = string(v.Policy)
			dec.Confidence = v.Confidence
			return dec
		}
	}

	candidates := in.Candidates
	if len(candidates) == 0 {
		if len(votes) > 0 {
			dec.Action = votes[0].Action
		} else {
			dec.Action = e.mapper.Map(in.Current, nil)
		}
		return dec
	}

	scores := make([]float64, len(candidates))
	best := math.Inf(-1)
	for i, c := range candidates {
		scores[i] = e.score(votes, c)
		if scores[i] > best {
			best = scores[i]
		}
	}

	dec.Action = e.breakTie(votes, candidates, scores, best)
	dec.Score = best
	dec.Confidence = e.agreement(votes, dec.Action)
	return dec
}

func (e *Ensemble) score(votes []Vote, c amas.Action) float64 {
	var s float64
	for _, v := range votes {
		s += e.state.Weights[v.Policy] * v.Confidence * e.mapper.Similarity(v.Action.Strategy, c.Strategy)
	}
	return s
}

// breakTie picks, among candidates scoring best, the one equal to the vote
// of the highest-priority policy, else the first in candidate order.
func (e *Ensemble) breakTie(votes []Vote, candidates []amas.Action, scores []float64, best float64) amas.Action {
	tied := make(map[string]int)
	first := -1
	for i, c := range candidates {
		if best-scores[i] <= scoreEpsilon {
			if first < 0 {
				first = i
			}
			if _, seen := tied[c.Key()]; !seen {
				tied[c.Key()] = i
			}
		}
	}
	if len(tied) > 1 {
		for _, p := range PriorityOrder {
			for _, v := range votes {
				if v.Policy != p {
					continue
				}
				if i, ok := tied[v.Action.Key()]; ok {
					return candidates[i]
				}
			}
		}
	}
	return candidates[first]
}

// agreement is the weighted confidence of the votes, discounted by how far
// each vote is from chosen.
func (e *Ensemble) agreement(votes []Vote, chosen amas.Action) float64 {
	var num, den float64
	for _, v := range votes {
		w := e.state.Weights[v.Policy]
		num += w * v.Confidence * e.mapper.Similarity(v.Action.Strategy, chosen.Strategy)
		den += w
	}
	if den == 0 {
		return 0
	}
	return math.Max(0, math.Min(1, num/den))
}

func (e *Ensemble) remember(votes []Vote) {
	e.state.LastVotes = make(map[PolicyID]string, len(votes))
	e.state.LastConfidences = make(map[PolicyID]float64, len(votes))
	for _, v := range votes {
		e.state.LastVotes[v.Policy] = v.Action.Key()
		e.state.LastConfidences[v.Policy] = v.Confidence
	}
}

// UpdateWeights applies w ← w·exp(η·r·(2·sim(vote, applied) − 1)), decays
// every weight toward its prior, floors at MinWeight and renormalizes.
func (e *Ensemble) UpdateWeights(votes []Vote, applied amas.Action, reward float64) {
	r := clampReward(reward)
	w := e.state.Weights

	for _, v := range votes {
		if _, ok := w[v.Policy]; !ok {
			continue
		}
		sim := e.mapper.Similarity(v.Action.Strategy, applied.Strategy)
		w[v.Policy] *= math.Exp(e.cfg.LearningRate * r * (2*sim - 1))
	}

	for p := range w {
		w[p] = (1-e.cfg.Decay)*w[p] + e.cfg.Decay*e.prior[p]
	}

	e.floorAndNormalize()

	e.state.RecentRewards = append(e.state.RecentRewards, r)
	if n := len(e.state.RecentRewards); n > recentRewardsCap {
		e.state.RecentRewards = append([]float64(nil), e.state.RecentRewards[n-recentRewardsCap:]...)
	}
	e.state.Updates++
}

func (e *Ensemble) floorAndNormalize() {
	w := e.state.Weights
	for p, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			e.state.Weights = copyWeights(e.prior)
			return
		}
		if v < e.cfg.MinWeight {
			w[p] = e.cfg.MinWeight
		}
	}
	normalize(w)
}

// MeanRecentReward averages the reward ring; 0 when empty.
func (e *Ensemble) MeanRecentReward() float64 {
	if len(e.state.RecentRewards) == 0 {
		return 0
	}
	var sum float64
	for _, r := range e.state.RecentRewards {
		sum += r
	}
	return sum / float64(len(e.state.RecentRewards))
}

// Contributions reports each vote's share of the chosen action's score.
func (e *Ensemble) Contributions(dec Decision) []amas.Contribution {
	out := make([]amas.Contribution, 0, len(dec.Votes))
	var total float64
	parts := make([]float64, len(dec.Votes))
	for i, v := range dec.Votes {
		w := dec.Weights[v.Policy]
		if v.Exclusive {
			w = 1
		}
		parts[i] = w * v.Confidence * e.mapper.Similarity(v.Action.Strategy, dec.Action.Strategy)
		total += parts[i]
	}
	for i, v := range dec.Votes {
		share := 0.0
		if total > 0 {
			share = parts[i] / total
		}
		out = append(out, amas.Contribution{
			Policy:     string(v.Policy),
			Weight:     dec.Weights[v.Policy],
			Confidence: v.Confidence,
			Share:      share,
		})
	}
	return out
}

// State snapshots the ensemble.
func (e *Ensemble) State() EnsembleState {
	st := EnsembleState{
		Weights:         copyWeights(e.state.Weights),
		RecentRewards:   append([]float64(nil), e.state.RecentRewards...),
		LastVotes:       make(map[PolicyID]string, len(e.state.LastVotes)),
		LastConfidences: copyWeights(e.state.LastConfidences),
		Updates:         e.state.Updates,
	}
	for k, v := range e.state.LastVotes {
		st.LastVotes[k] = v
	}
	return st
}

// Restore loads st. Weights of unknown policies are dropped, missing ones
// take the prior, and the result is renormalized.
func (e *Ensemble) Restore(st EnsembleState) {
	w := make(map[PolicyID]float64, len(e.prior))
	for p, pw := range e.prior {
		if v, ok := st.Weights[p]; ok && v > 0 {
			w[p] = v
		} else {
			w[p] = pw
		}
	}
	e.state = EnsembleState{
		Weights:         w,
		RecentRewards:   append([]float64(nil), st.RecentRewards...),
		LastVotes:       st.LastVotes,
		LastConfidences: st.LastConfidences,
		Updates:         st.Updates,
	}
	if n := len(e.state.RecentRewards); n > recentRewardsCap {
		e.state.RecentRewards = e.state.RecentRewards[n-recentRewardsCap:]
	}
	e.floorAndNormalize()
}

func normalize(w map[PolicyID]float64) {
	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum <= 0 {
		for p := range w {
			w[p] = 1 / float64(len(w))
		}
		return
	}
	for p := range w {
		w[p] /= sum
	}
}

func copyWeights(w map[PolicyID]float64) map[PolicyID]float64 {
	out := make(map[PolicyID]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}
