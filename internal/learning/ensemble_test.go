package learning

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khanglvm/amas-engine/internal/amas"
	"github.com/khanglvm/amas-engine/internal/safety"
)

// fixedMember always votes for the same action.
type fixedMember struct {
	id   PolicyID
	a    amas.Action
	conf float64
}

func (m fixedMember) ID() PolicyID { return m.id }

func (m fixedMember) Vote(DecisionInput) (Vote, bool) {
	return Vote{Policy: m.id, Action: m.a, Confidence: m.conf}, true
}

func lookup(t *testing.T, space *amas.ActionSpace, s amas.StrategyParams) amas.Action {
	t.Helper()
	a, ok := space.Lookup(s)
	require.True(t, ok, "strategy %s not on grid", s)
	return a
}

func TestEnsembleColdStartVoteIsExclusive(t *testing.T) {
	space := amas.DefaultActionSpace()
	mapper := safety.NewMapper(space)
	fast := lookup(t, space, amas.FastStrategy())
	cautious := lookup(t, space, amas.CautiousStrategy())

	e := NewEnsemble(DefaultEnsembleConfig(), mapper,
		NewColdStartMember(mapper),
		fixedMember{id: PolicyLinUCB, a: cautious, conf: 1},
		fixedMember{id: PolicyThompson, a: cautious, conf: 1},
	)

	probe := amas.FastStrategy()
	dec := e.Decide(DecisionInput{Candidates: []amas.Action{cautious}, ColdStart: &probe})

	assert.Equal(t, fast, dec.Action)
	assert.Equal(t, SourceColdStart, dec.Source)

	dec = e.Decide(DecisionInput{Candidates: []amas.Action{cautious, fast}})
	assert.Equal(t, cautious, dec.Action)
	assert.Equal(t, SourceEnsemble, dec.Source)
}

func TestEnsembleWeightedScore(t *testing.T) {
	space := amas.DefaultActionSpace()
	mapper := safety.NewMapper(space)
	fast := lookup(t, space, amas.FastStrategy())
	cautious := lookup(t, space, amas.CautiousStrategy())

	e := NewEnsemble(DefaultEnsembleConfig(), mapper,
		fixedMember{id: PolicyLinUCB, a: fast, conf: 0.9},
		fixedMember{id: PolicyThompson, a: fast, conf: 0.9},
		fixedMember{id: PolicyHeuristic, a: cautious, conf: 1},
	)

	dec := e.Decide(DecisionInput{Candidates: []amas.Action{cautious, fast}})
	assert.Equal(t, fast, dec.Action)
	assert.Len(t, dec.Votes, 3)
	assert.Greater(t, dec.Confidence, 0.0)
	assert.LessOrEqual(t, dec.Confidence, 1.0)
}

func TestEnsembleTieBreaksByPriority(t *testing.T) {
	space := amas.DefaultActionSpace()
	mapper := safety.NewMapper(space)
	fast := lookup(t, space, amas.FastStrategy())
	cautious := lookup(t, space, amas.CautiousStrategy())

	cfg := DefaultEnsembleConfig()
	cfg.Prior = map[PolicyID]float64{PolicyLinUCB: 0.5, PolicyThompson: 0.5}
	e := NewEnsemble(cfg, mapper,
		fixedMember{id: PolicyThompson, a: cautious, conf: 0.8},
		fixedMember{id: PolicyLinUCB, a: fast, conf: 0.8},
	)

	// Symmetric votes tie; linucb outranks thompson.
	dec := e.Decide(DecisionInput{Candidates: []amas.Action{cautious, fast}})
	assert.Equal(t, fast, dec.Action)
}

func TestEnsembleWeightsStayNormalized(t *testing.T) {
	space := amas.DefaultActionSpace()
	mapper := safety.NewMapper(space)
	fast := lookup(t, space, amas.FastStrategy())
	cautious := lookup(t, space, amas.CautiousStrategy())

	e := NewEnsemble(DefaultEnsembleConfig(), mapper,
		fixedMember{id: PolicyLinUCB, a: fast, conf: 0.9},
		fixedMember{id: PolicyThompson, a: cautious, conf: 0.9},
		fixedMember{id: PolicyHeuristic, a: cautious, conf: 0.9},
	)

	rewards := []float64{1, -1, 0.5, 1, 1, -0.3, math.NaN(), 2, -5}
	for i := 0; i < 200; i++ {
		dec := e.Decide(DecisionInput{Candidates: []amas.Action{cautious, fast}})
		e.UpdateWeights(dec.Votes, fast, rewards[i%len(rewards)])

		var sum float64
		for p, w := range e.Weights() {
			assert.GreaterOrEqual(t, w, 0.0, "weight of %s", p)
			sum += w
		}
		require.InDelta(t, 1.0, sum, 1e-9)
	}

	st := e.State()
	assert.Len(t, st.RecentRewards, 50)
	assert.Equal(t, 200, st.Updates)
}

func TestEnsembleRewardsAgreeingPolicy(t *testing.T) {
	space := amas.DefaultActionSpace()
	mapper := safety.NewMapper(space)
	fast := lookup(t, space, amas.FastStrategy())
	cautious := lookup(t, space, amas.CautiousStrategy())

	e := NewEnsemble(DefaultEnsembleConfig(), mapper,
		fixedMember{id: PolicyLinUCB, a: fast, conf: 0.9},
		fixedMember{id: PolicyThompson, a: cautious, conf: 0.9},
	)
	before := e.Weights()

	votes := []Vote{
		{Policy: PolicyLinUCB, Action: fast, Confidence: 0.9},
		{Policy: PolicyThompson, Action: cautious, Confidence: 0.9},
	}
	for i := 0; i < 20; i++ {
		e.UpdateWeights(votes, fast, 1)
	}
	after := e.Weights()

	assert.Greater(t, after[PolicyLinUCB], before[PolicyLinUCB])
	assert.Less(t, after[PolicyThompson], before[PolicyThompson])
	assert.GreaterOrEqual(t, after[PolicyThompson], 0.05-1e-9)
}

func TestEnsembleRestore(t *testing.T) {
	space := amas.DefaultActionSpace()
	mapper := safety.NewMapper(space)
	a := space.At(0)
	e := NewEnsemble(DefaultEnsembleConfig(), mapper,
		fixedMember{id: PolicyLinUCB, a: a, conf: 1},
		fixedMember{id: PolicyThompson, a: a, conf: 1},
	)

	e.Restore(EnsembleState{
		Weights:       map[PolicyID]float64{PolicyLinUCB: 3, "unknown": 5},
		RecentRewards: make([]float64, 80),
	})

	w := e.Weights()
	assert.Len(t, w, 2)
	assert.InDelta(t, 1.0, w[PolicyLinUCB]+w[PolicyThompson], 1e-9)
	assert.Len(t, e.State().RecentRewards, 50)
}

func TestEnsembleContributions(t *testing.T) {
	space := amas.DefaultActionSpace()
	mapper := safety.NewMapper(space)
	fast := lookup(t, space, amas.FastStrategy())
	e := NewEnsemble(DefaultEnsembleConfig(), mapper,
		fixedMember{id: PolicyLinUCB, a: fast, conf: 1},
		fixedMember{id: PolicyThompson, a: fast, conf: 1},
	)

	dec := e.Decide(DecisionInput{Candidates: []amas.Action{fast}})
	contribs := e.Contributions(dec)

	require.Len(t, contribs, 2)
	assert.InDelta(t, 1.0, contribs[0].Share+contribs[1].Share, 1e-9)
}
