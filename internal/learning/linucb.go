package learning

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/khanglvm/amas-engine/internal/amas"
)

// LinUCBConfig tunes the ridge-regression bandit.
type LinUCBConfig struct {
	// Alpha scales the exploration bonus.
	Alpha float64 `json:"alpha"`

	// Lambda is the ridge prior: an unseen action starts at A = Lambda*I.
	Lambda float64 `json:"lambda"`

	// ContextDisabled zeroes the context part of the joint feature.
	ContextDisabled bool `json:"contextDisabled"`

	Confidence ConfidenceCurve `json:"confidence"`
}

// DefaultLinUCBConfig returns the production defaults.
func DefaultLinUCBConfig() LinUCBConfig {
	return LinUCBConfig{Alpha: 0.3, Lambda: 1.0, Confidence: DefaultConfidenceCurve()}
}

// LinUCB is a disjoint ridge-regression bandit: every action keeps its own
// accumulators over the joint feature z = context ++ action coordinates ++ 1.
type LinUCB struct {
	cfg    LinUCBConfig
	space  *amas.ActionSpace
	ctxDim int
	arms   map[string]*linArm
}

type linArm struct {
	a *mat.SymDense
	b *mat.VecDense
	n int
}

// NewLinUCB creates a bandit for contexts of length ctxDim.
func NewLinUCB(cfg LinUCBConfig, space *amas.ActionSpace, ctxDim int) *LinUCB {
	if cfg.Lambda <= 0 || math.IsNaN(cfg.Lambda) {
		cfg.Lambda = 1.0
	}
	if cfg.Alpha < 0 || math.IsNaN(cfg.Alpha) {
		cfg.Alpha = 0
	}
	return &LinUCB{cfg: cfg, space: space, ctxDim: ctxDim, arms: make(map[string]*linArm)}
}

func (p *LinUCB) ID() PolicyID { return PolicyLinUCB }

// Dim is the length of the joint feature.
func (p *LinUCB) Dim() int { return p.ctxDim + amas.Dims + 1 }

// SelectAction returns the candidate with the highest upper confidence bound.
func (p *LinUCB) SelectAction(x []float64, candidates []amas.Action) (amas.Action, bool) {
	return bestAction(candidates, func(a amas.Action) float64 {
		return p.score(p.joint(x, a), p.arms[a.Key()])
	})
}

// Score exposes the UCB of a for context x.
func (p *LinUCB) Score(x []float64, a amas.Action) float64 {
	return p.score(p.joint(x, a), p.arms[a.Key()])
}

func (p *LinUCB) score(z *mat.VecDense, arm *linArm) float64 {
	if arm == nil {
		// Prior A = λI, b = 0: zero mean, bonus α·|z|/√λ.
		return p.cfg.Alpha * math.Sqrt(mat.Dot(z, z)/p.cfg.Lambda)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(arm.a); !ok {
		return math.NaN()
	}
	var theta, ainvz mat.VecDense
	if err := chol.SolveVecTo(&theta, arm.b); err != nil {
		return math.NaN()
	}
	if err := chol.SolveVecTo(&ainvz, z); err != nil {
		return math.NaN()
	}
	mean := mat.Dot(&theta, z)
	variance := math.Max(0, mat.Dot(z, &ainvz))
	return mean + p.cfg.Alpha*math.Sqrt(variance)
}

// Update applies A += zzᵀ and b += r·z to the arm of a.
func (p *LinUCB) Update(x []float64, a amas.Action, r float64) {
	z := p.joint(x, a)
	arm := p.arm(a.Key())
	arm.a.SymRankOne(arm.a, 1, z)
	arm.b.AddScaledVec(arm.b, clampReward(r), z)
	arm.n++
}

// Confidence grows with the number of updates of a.
func (p *LinUCB) Confidence(a amas.Action) float64 {
	if arm, ok := p.arms[a.Key()]; ok {
		return p.cfg.Confidence.At(float64(arm.n))
	}
	return p.cfg.Confidence.At(0)
}

// Count returns the number of updates applied to a.
func (p *LinUCB) Count(a amas.Action) int {
	if arm, ok := p.arms[a.Key()]; ok {
		return arm.n
	}
	return 0
}

func (p *LinUCB) arm(key string) *linArm {
	if arm, ok := p.arms[key]; ok {
		return arm
	}
	d := p.Dim()
	a := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		a.SetSym(i, i, p.cfg.Lambda)
	}
	arm := &linArm{a: a, b: mat.NewVecDense(d, nil)}
	p.arms[key] = arm
	return arm
}

// joint builds z. Missing context values are zero, extra ones are ignored.
func (p *LinUCB) joint(x []float64, a amas.Action) *mat.VecDense {
	z := mat.NewVecDense(p.Dim(), nil)
	if !p.cfg.ContextDisabled {
		for i := 0; i < p.ctxDim && i < len(x); i++ {
			if v := x[i]; !math.IsNaN(v) && !math.IsInf(v, 0) {
				z.SetVec(i, v)
			}
		}
	}
	coords := p.space.Coordinates(a.Strategy)
	for i, c := range coords {
		z.SetVec(p.ctxDim+i, c)
	}
	z.SetVec(p.Dim()-1, 1)
	return z
}

// LinUCBState is the persisted form of a LinUCB model.
type LinUCBState struct {
	Dim  int                       `json:"dim"`
	Arms map[string]LinUCBArmState `json:"arms"`
}

// LinUCBArmState holds one action's accumulators. A is row-major d×d.
type LinUCBArmState struct {
	A []float64 `json:"a"`
	B []float64 `json:"b"`
	N int       `json:"n"`
}

// State snapshots the model.
func (p *LinUCB) State() LinUCBState {
	d := p.Dim()
	st := LinUCBState{Dim: d, Arms: make(map[string]LinUCBArmState, len(p.arms))}
	for key, arm := range p.arms {
		full := make([]float64, d*d)
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				full[i*d+j] = arm.a.At(i, j)
			}
		}
		b := make([]float64, d)
		copy(b, arm.b.RawVector().Data)
		st.Arms[key] = LinUCBArmState{A: full, B: b, N: arm.n}
	}
	return st
}

// Restore replaces the model with st. A state of another dimension is
// rejected and leaves the model untouched; arms of actions outside the grid
// are dropped.
func (p *LinUCB) Restore(st LinUCBState) error {
	d := p.Dim()
	if st.Dim != d {
		return fmt.Errorf("linucb state has dimension %d, want %d", st.Dim, d)
	}

	arms := make(map[string]*linArm, len(st.Arms))
	for key, as := range st.Arms {
		if _, ok := p.space.LookupKey(key); !ok {
			continue
		}
		if len(as.A) != d*d || len(as.B) != d {
			return fmt.Errorf("linucb arm %s has malformed accumulators", key)
		}
		a := mat.NewSymDense(d, nil)
		for i := 0; i < d; i++ {
			for j := i; j < d; j++ {
				a.SetSym(i, j, as.A[i*d+j])
			}
		}
		b := make([]float64, d)
		copy(b, as.B)
		arms[key] = &linArm{a: a, b: mat.NewVecDense(d, b), n: as.N}
	}
	p.arms = arms
	return nil
}
