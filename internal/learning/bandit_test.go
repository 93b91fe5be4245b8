package learning

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/khanglvm/amas-engine/internal/amas"
	"github.com/khanglvm/amas-engine/internal/features"
)

func testContext() []float64 {
	x := make([]float64, features.Dim)
	x[features.IdxAttention] = 0.8
	x[features.IdxFatigue] = 0.2
	x[features.IdxMotivation] = 0.5
	x[features.IdxMemory] = 0.6
	x[features.IdxTimePref] = 0.5
	return x
}

func TestBestActionPicksHighestScore(t *testing.T) {
	space := amas.DefaultActionSpace()
	a, b := space.At(0), space.At(1)
	scores := map[string]float64{a.Key(): 3.1, b.Key(): 5.2}

	got, ok := bestAction([]amas.Action{a, b}, func(x amas.Action) float64 { return scores[x.Key()] })
	if !ok {
		t.Fatal("expected a selection")
	}
	if got != b {
		t.Errorf("expected the 5.2 candidate, got %v", got.Key())
	}
}

func TestBestActionFirstMaximumWins(t *testing.T) {
	space := amas.DefaultActionSpace()
	cands := []amas.Action{space.At(3), space.At(1), space.At(2)}

	got, _ := bestAction(cands, func(amas.Action) float64 { return 1 })
	if got != cands[0] {
		t.Errorf("expected first candidate on ties, got %v", got.Key())
	}

	got, _ = bestAction(cands, func(x amas.Action) float64 {
		if x == cands[0] {
			return math.NaN()
		}
		return 0
	})
	if got != cands[1] {
		t.Errorf("expected NaN score to be skipped, got %v", got.Key())
	}
}

func TestBestActionEmpty(t *testing.T) {
	if _, ok := bestAction(nil, func(amas.Action) float64 { return 0 }); ok {
		t.Error("expected no selection for empty candidates")
	}
}

func TestConfidenceCurve(t *testing.T) {
	c := DefaultConfidenceCurve()

	if got := c.At(0); got != 0.4 {
		t.Errorf("expected 0.4 at n=0, got %f", got)
	}
	if got := c.At(20); math.Abs(got-0.7) > 1e-9 {
		t.Errorf("expected 0.7 at n=k, got %f", got)
	}
	prev := c.At(0)
	for n := 1.0; n < 500; n *= 2 {
		cur := c.At(n)
		if cur < prev || cur > c.Max {
			t.Fatalf("curve not monotone or above max at n=%v: %f", n, cur)
		}
		prev = cur
	}
}

func TestLinUCBLearnsRewardedAction(t *testing.T) {
	space := amas.DefaultActionSpace()
	p := NewLinUCB(DefaultLinUCBConfig(), space, features.Dim)
	good, bad := space.At(10), space.At(500)
	x := testContext()

	for i := 0; i < 30; i++ {
		p.Update(x, good, 1)
		p.Update(x, bad, -1)
	}

	got, ok := p.SelectAction(x, []amas.Action{bad, good})
	if !ok {
		t.Fatal("expected a selection")
	}
	if got != good {
		t.Errorf("expected rewarded action, got %s", got.Key())
	}
	if p.Count(good) != 30 {
		t.Errorf("expected 30 updates, got %d", p.Count(good))
	}
	if p.Confidence(good) <= p.Confidence(space.At(42)) {
		t.Error("expected confidence to grow with updates")
	}
}

func TestLinUCBPriorScoreForUnseenAction(t *testing.T) {
	space := amas.DefaultActionSpace()
	cfg := DefaultLinUCBConfig()
	cfg.Lambda = 4
	p := NewLinUCB(cfg, space, features.Dim)
	a := space.At(0)

	// Unseen arm: zero mean, bonus α·|z|/√λ.
	x := make([]float64, features.Dim)
	got := p.Score(x, a)
	z := p.joint(x, a)
	var norm2 float64
	for i := 0; i < z.Len(); i++ {
		norm2 += z.AtVec(i) * z.AtVec(i)
	}
	want := cfg.Alpha * math.Sqrt(norm2/cfg.Lambda)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected prior score %f, got %f", want, got)
	}
}

func TestLinUCBContextDisabled(t *testing.T) {
	space := amas.DefaultActionSpace()
	cfg := DefaultLinUCBConfig()
	cfg.ContextDisabled = true
	p := NewLinUCB(cfg, space, features.Dim)

	z := p.joint(testContext(), space.At(0))
	for i := 0; i < features.Dim; i++ {
		if z.AtVec(i) != 0 {
			t.Fatalf("expected zeroed context at %d, got %f", i, z.AtVec(i))
		}
	}
	if z.AtVec(z.Len()-1) != 1 {
		t.Error("expected bias term 1")
	}
}

func TestLinUCBStateRoundTrip(t *testing.T) {
	space := amas.DefaultActionSpace()
	p := NewLinUCB(DefaultLinUCBConfig(), space, features.Dim)
	x := testContext()
	a := space.At(7)
	p.Update(x, a, 0.5)
	p.Update(x, a, -0.2)

	data, err := json.Marshal(p.State())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var st LinUCBState
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	q := NewLinUCB(DefaultLinUCBConfig(), space, features.Dim)
	if err := q.Restore(st); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if math.Abs(p.Score(x, a)-q.Score(x, a)) > 1e-9 {
		t.Errorf("restored score differs: %f vs %f", p.Score(x, a), q.Score(x, a))
	}

	st.Dim = 3
	if err := q.Restore(st); err == nil {
		t.Error("expected dimension mismatch to be rejected")
	}
}

func TestThompsonPrefersWinningAction(t *testing.T) {
	space := amas.DefaultActionSpace()
	p := NewThompson(DefaultThompsonConfig())
	good, bad := space.At(3), space.At(4)
	x := testContext()

	for i := 0; i < 300; i++ {
		p.Update(x, good, 1)
		p.Update(x, bad, -1)
	}

	wins := 0
	for i := 0; i < 20; i++ {
		if got, _ := p.SelectAction(x, []amas.Action{bad, good}); got == good {
			wins++
		}
	}
	if wins != 20 {
		t.Errorf("expected the winning action every time, got %d/20", wins)
	}
}

func TestThompsonSoftUpdate(t *testing.T) {
	space := amas.DefaultActionSpace()
	p := NewThompson(DefaultThompsonConfig())
	a := space.At(0)
	x := testContext()

	p.Update(x, a, 0.5)

	g := p.State().Global[a.Key()]
	if math.Abs(g.Alpha-1.75) > 1e-9 || math.Abs(g.Beta-1.25) > 1e-9 {
		t.Errorf("expected Beta(1.75, 1.25), got Beta(%f, %f)", g.Alpha, g.Beta)
	}
	c := p.State().Context[p.Signature(x)+"|"+a.Key()]
	if math.Abs(c.Alpha-1.75) > 1e-9 {
		t.Errorf("expected context alpha 1.75, got %f", c.Alpha)
	}

	// Rewards outside [-1,1] are clamped.
	p.Update(x, a, 7)
	g = p.State().Global[a.Key()]
	if math.Abs(g.Alpha-2.75) > 1e-9 || math.Abs(g.Beta-1.25) > 1e-9 {
		t.Errorf("expected Beta(2.75, 1.25), got Beta(%f, %f)", g.Alpha, g.Beta)
	}
}

func TestThompsonConfidenceGrows(t *testing.T) {
	space := amas.DefaultActionSpace()
	p := NewThompson(DefaultThompsonConfig())
	a := space.At(0)
	x := testContext()
	p.SelectAction(x, []amas.Action{a})

	before := p.Confidence(a)
	if before != 0.4 {
		t.Errorf("expected min confidence for unseen action, got %f", before)
	}
	for i := 0; i < 10; i++ {
		p.Update(x, a, 0)
	}
	if after := p.Confidence(a); after <= before || after > 1 {
		t.Errorf("expected confidence in (%f, 1], got %f", before, after)
	}
}

func TestThompsonSignature(t *testing.T) {
	p := NewThompson(DefaultThompsonConfig())
	x := testContext()
	if p.Signature(x) != p.Signature(x) {
		t.Error("signature must be deterministic")
	}

	y := testContext()
	y[features.IdxAttention] = 0.1
	if p.Signature(x) == p.Signature(y) {
		t.Error("expected different signatures for different attention bins")
	}

	cfg := DefaultThompsonConfig()
	cfg.ContextDisabled = true
	q := NewThompson(cfg)
	if q.Signature(x) != q.Signature(y) {
		t.Error("expected a single signature when context is disabled")
	}
}

func TestThompsonEvictsContextEntries(t *testing.T) {
	space := amas.DefaultActionSpace()
	cfg := DefaultThompsonConfig()
	cfg.MaxContextEntries = 10
	p := NewThompson(cfg)
	x := testContext()

	for i := 0; i < 30; i++ {
		p.Update(x, space.At(i), 1)
	}
	if n := len(p.State().Context); n > 10 {
		t.Errorf("expected at most 10 context entries, got %d", n)
	}
	if len(p.State().Global) != 30 {
		t.Errorf("global table must not be evicted, got %d", len(p.State().Global))
	}
}
