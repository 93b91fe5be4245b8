package learning

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/khanglvm/amas-engine/internal/amas"
	"github.com/khanglvm/amas-engine/internal/features"
)

// ThompsonConfig tunes the Beta-posterior sampler.
type ThompsonConfig struct {
	// ContextWeightMin and ContextWeightMax bound the share of the
	// context-specific sample in the blend.
	ContextWeightMin float64 `json:"contextWeightMin"`
	ContextWeightMax float64 `json:"contextWeightMax"`

	// ContextEvidenceK is the context sample count at which the weight is
	// halfway between min and max.
	ContextEvidenceK float64 `json:"contextEvidenceK"`

	// ContextBins is the number of bins per signature dimension.
	ContextBins int `json:"contextBins"`

	// MaxContextEntries caps the context table; least recently used
	// entries are evicted first.
	MaxContextEntries int `json:"maxContextEntries"`

	// ContextDisabled collapses every context onto one signature.
	ContextDisabled bool `json:"contextDisabled"`

	Confidence ConfidenceCurve `json:"confidence"`
}

// DefaultThompsonConfig returns the production defaults.
func DefaultThompsonConfig() ThompsonConfig {
	return ThompsonConfig{
		ContextWeightMin:  0.35,
		ContextWeightMax:  0.75,
		ContextEvidenceK:  10,
		ContextBins:       3,
		MaxContextEntries: 1000,
		Confidence:        DefaultConfidenceCurve(),
	}
}

const noContextSignature = "*"

// BetaParams is one Beta(α, β) posterior.
type BetaParams struct {
	Alpha    float64 `json:"alpha"`
	Beta     float64 `json:"beta"`
	LastUsed uint64  `json:"lastUsed,omitempty"`
}

func uniformPrior() BetaParams { return BetaParams{Alpha: 1, Beta: 1} }

// evidence is the number of (soft) observations folded into p.
func (p BetaParams) evidence() float64 {
	return math.Max(0, p.Alpha+p.Beta-2)
}

// Thompson samples a global and a context-specific Beta posterior per
// action and blends them.
type Thompson struct {
	cfg     ThompsonConfig
	global  map[string]BetaParams
	context map[string]BetaParams // keyed signature|action
	clock   uint64
	lastSig string
}

// NewThompson creates a sampler with uniform priors.
func NewThompson(cfg ThompsonConfig) *Thompson {
	if cfg.ContextBins < 2 {
		cfg.ContextBins = 2
	}
	cfg.ContextWeightMin = math.Max(0, math.Min(1, cfg.ContextWeightMin))
	cfg.ContextWeightMax = math.Max(cfg.ContextWeightMin, math.Min(1, cfg.ContextWeightMax))
	return &Thompson{
		cfg:     cfg,
		global:  make(map[string]BetaParams),
		context: make(map[string]BetaParams),
		lastSig: noContextSignature,
	}
}

func (p *Thompson) ID() PolicyID { return PolicyThompson }

// SelectAction draws one blended sample per candidate and keeps the largest.
func (p *Thompson) SelectAction(x []float64, candidates []amas.Action) (amas.Action, bool) {
	sig := p.Signature(x)
	p.lastSig = sig
	return bestAction(candidates, func(a amas.Action) float64 {
		key := a.Key()
		g := p.global[key]
		if g.Alpha == 0 {
			g = uniformPrior()
		}
		c := p.contextParams(sig, key)
		w := p.contextWeight(c)
		return (1-w)*sample(g) + w*sample(c)
	})
}

// Update applies the soft update α += (r+1)/2, β += (1-r)/2 to the global
// and the context posterior of a.
func (p *Thompson) Update(x []float64, a amas.Action, r float64) {
	r = clampReward(r)
	win := (r + 1) / 2
	p.clock++

	key := a.Key()
	g, ok := p.global[key]
	if !ok {
		g = uniformPrior()
	}
	g.Alpha += win
	g.Beta += 1 - win
	g.LastUsed = p.clock
	p.global[key] = g

	sig := p.Signature(x)
	ck := sig + "|" + key
	c := p.contextParams(sig, key)
	c.Alpha += win
	c.Beta += 1 - win
	c.LastUsed = p.clock
	p.context[ck] = c
	p.evict()
}

// Confidence uses the blended effective sample size of a under the context
// of the most recent selection.
func (p *Thompson) Confidence(a amas.Action) float64 {
	key := a.Key()
	g, ok := p.global[key]
	if !ok {
		g = uniformPrior()
	}
	c := p.contextParams(p.lastSig, key)
	w := p.contextWeight(c)
	n := (1-w)*g.evidence() + w*c.evidence()
	return p.cfg.Confidence.At(n)
}

// Signature bins attention, fatigue, motivation, memory and time preference.
func (p *Thompson) Signature(x []float64) string {
	if p.cfg.ContextDisabled {
		return noContextSignature
	}
	at := func(i int) float64 {
		if i < len(x) {
			return x[i]
		}
		return 0.5
	}
	motivation := (at(features.IdxMotivation) + 1) / 2
	return fmt.Sprintf("a%d_f%d_m%d_c%d_t%d",
		p.bin(at(features.IdxAttention)),
		p.bin(at(features.IdxFatigue)),
		p.bin(motivation),
		p.bin(at(features.IdxMemory)),
		p.bin(at(features.IdxTimePref)),
	)
}

func (p *Thompson) bin(v float64) int {
	if math.IsNaN(v) {
		v = 0.5
	}
	v = math.Max(0, math.Min(1, v))
	idx := int(math.Floor(v * float64(p.cfg.ContextBins)))
	if idx >= p.cfg.ContextBins {
		idx = p.cfg.ContextBins - 1
	}
	return idx
}

func (p *Thompson) contextParams(sig, key string) BetaParams {
	if c, ok := p.context[sig+"|"+key]; ok {
		return c
	}
	return uniformPrior()
}

func (p *Thompson) contextWeight(c BetaParams) float64 {
	n := c.evidence()
	k := p.cfg.ContextEvidenceK
	if k <= 0 {
		return p.cfg.ContextWeightMax
	}
	return p.cfg.ContextWeightMin + (p.cfg.ContextWeightMax-p.cfg.ContextWeightMin)*n/(n+k)
}

// evict drops the least recently used half of the context table once it
// grows past MaxContextEntries.
func (p *Thompson) evict() {
	limit := p.cfg.MaxContextEntries
	if limit <= 0 || len(p.context) <= limit {
		return
	}
	keys := make([]string, 0, len(p.context))
	for k := range p.context {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return p.context[keys[i]].LastUsed < p.context[keys[j]].LastUsed
	})
	for _, k := range keys[:len(keys)-limit/2] {
		delete(p.context, k)
	}
}

func sample(b BetaParams) float64 {
	if b.Alpha <= 0 || b.Beta <= 0 || math.IsNaN(b.Alpha) || math.IsNaN(b.Beta) {
		return 0.5
	}
	return distuv.Beta{Alpha: b.Alpha, Beta: b.Beta}.Rand()
}

// ThompsonState is the persisted form of a Thompson model.
type ThompsonState struct {
	Global  map[string]BetaParams `json:"global"`
	Context map[string]BetaParams `json:"context"`
	Clock   uint64                `json:"clock"`
}

// State snapshots the model.
func (p *Thompson) State() ThompsonState {
	st := ThompsonState{
		Global:  make(map[string]BetaParams, len(p.global)),
		Context: make(map[string]BetaParams, len(p.context)),
		Clock:   p.clock,
	}
	for k, v := range p.global {
		st.Global[k] = v
	}
	for k, v := range p.context {
		st.Context[k] = v
	}
	return st
}

// Restore replaces the model with st. Non-positive posteriors are reset to
// the uniform prior.
func (p *Thompson) Restore(st ThompsonState) {
	p.global = make(map[string]BetaParams, len(st.Global))
	p.context = make(map[string]BetaParams, len(st.Context))
	for k, v := range st.Global {
		p.global[k] = sane(v)
	}
	for k, v := range st.Context {
		p.context[k] = sane(v)
	}
	p.clock = st.Clock
}

func sane(b BetaParams) BetaParams {
	if b.Alpha <= 0 || b.Beta <= 0 || math.IsNaN(b.Alpha) || math.IsNaN(b.Beta) ||
		math.IsInf(b.Alpha, 0) || math.IsInf(b.Beta, 0) {
		return BetaParams{Alpha: 1, Beta: 1, LastUsed: b.LastUsed}
	}
	return b
}
