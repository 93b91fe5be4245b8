/*
Package benchmark drives the engine with synthetic learners.

Each simulated learner answers a stream of questions. Its accuracy and
response time depend on its archetype, on the difficulty the engine chose
for it, and on fatigue that builds up during the session. The run reports
the mean immediate reward, how many decisions were degraded, the decision
source mix and p50/p95 decision latency.
*/
package benchmark

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/khanglvm/amas-engine/internal/amas"
	"github.com/khanglvm/amas-engine/internal/engine"
	"github.com/khanglvm/amas-engine/internal/reward"
)

// Engine is the part of engine.Engine the simulation drives.
type Engine interface {
	ProcessEvent(ctx context.Context, in engine.EventInput) (*engine.Result, error)
	ApplyDelayedReward(ctx context.Context, userID, ownerEventID string, version int, r float64) error
}

// Queue routes delayed rewards through the reward queue instead of
// applying them inline.
type Queue interface {
	Enqueue(ctx context.Context, req reward.EnqueueRequest) (string, error)
	ProcessDue(ctx context.Context) (reward.Stats, error)
}

// Archetype is a synthetic learner profile.
type Archetype struct {
	Name string

	// Accuracy is the probability of a correct answer at mid difficulty.
	Accuracy float64

	// ResponseMs is the mean response time; ResponseSD its spread.
	ResponseMs float64
	ResponseSD float64

	// FatiguePerEvent is added to fatigue after each answer.
	FatiguePerEvent float64
}

// Archetypes are the learner mix used when Config.Archetypes is empty.
var Archetypes = []Archetype{
	{Name: "fast", Accuracy: 0.9, ResponseMs: 1400, ResponseSD: 300, FatiguePerEvent: 0.01},
	{Name: "stable", Accuracy: 0.75, ResponseMs: 2800, ResponseSD: 600, FatiguePerEvent: 0.015},
	{Name: "cautious", Accuracy: 0.55, ResponseMs: 4500, ResponseSD: 1200, FatiguePerEvent: 0.025},
}

// Config sizes a run.
type Config struct {
	Users         int
	EventsPerUser int

	// Concurrency is the number of learners answering at once.
	Concurrency int

	// DelayedRewardEvery sends a delayed reward for every n-th event; 0
	// disables delayed rewards.
	DelayedRewardEvery int

	Seed       uint64
	Archetypes []Archetype

	// Start is the simulated clock origin; events are a minute apart.
	Start time.Time
}

// DefaultConfig returns a small run.
func DefaultConfig() Config {
	return Config{
		Users:              20,
		EventsPerUser:      40,
		Concurrency:        4,
		DelayedRewardEvery: 5,
		Seed:               1,
		Start:              time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC),
	}
}

// Result contains the run summary.
type Result struct {
	Users      int            `json:"users"`
	Events     int            `json:"events"`
	MeanReward float64        `json:"meanReward"`
	Accuracy   float64        `json:"accuracy"`
	Degraded   int            `json:"degraded"`
	Sources    map[string]int `json:"sources"`
	Guardrails int            `json:"guardrails"`

	DelayedRewards int `json:"delayedRewards"`
	RewardsApplied int `json:"rewardsApplied"`

	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	Max     time.Duration `json:"max"`
	Elapsed time.Duration `json:"elapsed"`
}

type sample struct {
	latency   time.Duration
	reward    float64
	correct   bool
	source    string
	degraded  bool
	guardrail bool
}

// Run simulates cfg.Users learners against eng. queue may be nil, in which
// case delayed rewards are applied inline.
func Run(ctx context.Context, eng Engine, queue Queue, cfg Config) (*Result, error) {
	def := DefaultConfig()
	if cfg.Users <= 0 {
		cfg.Users = def.Users
	}
	if cfg.EventsPerUser <= 0 {
		cfg.EventsPerUser = def.EventsPerUser
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Start.IsZero() {
		cfg.Start = def.Start
	}
	if len(cfg.Archetypes) == 0 {
		cfg.Archetypes = Archetypes
	}

	started := time.Now()
	var (
		mu      sync.Mutex
		samples = make([]sample, 0, cfg.Users*cfg.EventsPerUser)
		delayed int
		applied int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i := 0; i < cfg.Users; i++ {
		g.Go(func() error {
			l := newLearner(i, cfg)
			local, sent, done, err := l.run(gctx, eng, queue)
			mu.Lock()
			samples = append(samples, local...)
			delayed += sent
			applied += done
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if queue != nil && delayed > 0 {
		for {
			st, err := queue.ProcessDue(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to drain reward queue: %w", err)
			}
			applied += st.Done
			if st.Claimed == 0 {
				break
			}
		}
	}

	res := summarize(samples)
	res.Users = cfg.Users
	res.DelayedRewards = delayed
	res.RewardsApplied = applied
	res.Elapsed = time.Since(started)
	return res, nil
}

type learner struct {
	userID string
	arch   Archetype
	cfg    Config
	rng    *rand.Rand
	rt     distuv.Normal
}

func newLearner(i int, cfg Config) *learner {
	src := rand.NewPCG(cfg.Seed, uint64(i))
	arch := cfg.Archetypes[i%len(cfg.Archetypes)]
	return &learner{
		userID: fmt.Sprintf("sim-%s-%03d", arch.Name, i),
		arch:   arch,
		cfg:    cfg,
		rng:    rand.New(src),
		rt:     distuv.Normal{Mu: arch.ResponseMs, Sigma: arch.ResponseSD, Src: rand.NewPCG(cfg.Seed^0x9e3779b97f4a7c15, uint64(i))},
	}
}

func (l *learner) run(ctx context.Context, eng Engine, queue Queue) ([]sample, int, int, error) {
	samples := make([]sample, 0, l.cfg.EventsPerUser)
	strategy := amas.DefaultStrategy()
	fatigue := 0.05
	correctStreak := 0
	sent, applied := 0, 0

	for j := 0; j < l.cfg.EventsPerUser; j++ {
		if err := ctx.Err(); err != nil {
			return samples, sent, applied, err
		}
		now := l.cfg.Start.Add(time.Duration(j) * time.Minute)

		p := l.arch.Accuracy + difficultyShift(strategy.Difficulty) - fatigue*0.3 + 0.05*float64(strategy.HintLevel)
		correct := l.rng.Float64() < clamp(p, 0.05, 0.98)
		rt := math.Max(300, l.rt.Rand()*(1+fatigue))
		if correct {
			correctStreak++
		} else {
			correctStreak = 0
		}

		acc := clamp(p, 0, 1)
		in := engine.EventInput{
			UserID: l.userID,
			Event: amas.RawEvent{
				WordID:       fmt.Sprintf("w%04d", l.rng.IntN(5000)),
				IsCorrect:    correct,
				ResponseTime: int64(rt),
				HintUsed:     strategy.HintLevel > 0 && l.rng.Float64() < 0.3,
				Timestamp:    now,
			},
			State: amas.UserState{
				Attention:  clamp(0.9-fatigue*0.8, 0, 1),
				Fatigue:    clamp(fatigue, 0, 1),
				Motivation: clamp(float64(correctStreak)*0.1-0.2, -1, 1),
				Cognitive: amas.CognitiveProfile{
					Memory:    l.arch.Accuracy,
					Speed:     clamp(1-l.arch.ResponseMs/6000, 0, 1),
					Stability: 0.6,
				},
			},
			Options: engine.Options{
				CurrentStrategy: &strategy,
				RecentAccuracy:  &acc,
				StudyMinutes:    float64(j),
				Now:             now,
			},
		}

		t0 := time.Now()
		res, err := eng.ProcessEvent(ctx, in)
		latency := time.Since(t0)
		if err != nil {
			return samples, sent, applied, fmt.Errorf("learner %s event %d: %w", l.userID, j, err)
		}
		strategy = res.Strategy
		samples = append(samples, sample{
			latency:   latency,
			reward:    res.Reward.Value,
			correct:   correct,
			source:    res.Source,
			degraded:  res.Degraded,
			guardrail: len(res.Guardrails) > 0,
		})

		if every := l.cfg.DelayedRewardEvery; every > 0 && (j+1)%every == 0 {
			// Retention outcome: the learner remembers well-paced words.
			r := 0.6
			if !correct || rt > l.arch.ResponseMs*1.5 {
				r = -0.4
			}
			sent++
			if queue != nil {
				if _, err := queue.Enqueue(ctx, reward.EnqueueRequest{
					UserID: l.userID, OwnerEventID: res.OwnerEventID, Reward: r,
					FeatureVersion: res.FeatureVersion,
				}); err != nil {
					return samples, sent, applied, err
				}
			} else if err := eng.ApplyDelayedReward(ctx, l.userID, res.OwnerEventID, res.FeatureVersion, r); err == nil {
				applied++
			}
		}

		fatigue += l.arch.FatiguePerEvent
		if strategy.BatchSize <= 5 {
			fatigue -= 0.02
		}
		fatigue = clamp(fatigue, 0, 1)
	}
	return samples, sent, applied, nil
}

func summarize(samples []sample) *Result {
	res := &Result{Events: len(samples), Sources: make(map[string]int)}
	if len(samples) == 0 {
		return res
	}

	rewards := make([]float64, len(samples))
	latencies := make([]float64, len(samples))
	correct := 0
	for i, s := range samples {
		rewards[i] = s.reward
		latencies[i] = float64(s.latency)
		res.Sources[s.source]++
		if s.degraded {
			res.Degraded++
		}
		if s.guardrail {
			res.Guardrails++
		}
		if s.correct {
			correct++
		}
	}
	sort.Float64s(latencies)

	res.MeanReward = stat.Mean(rewards, nil)
	res.Accuracy = float64(correct) / float64(len(samples))
	res.P50 = time.Duration(stat.Quantile(0.5, stat.Empirical, latencies, nil))
	res.P95 = time.Duration(stat.Quantile(0.95, stat.Empirical, latencies, nil))
	res.Max = time.Duration(latencies[len(latencies)-1])
	return res
}

func difficultyShift(d amas.Difficulty) float64 {
	switch d {
	case amas.Easy:
		return 0.1
	case amas.Hard:
		return -0.15
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// FormatResult formats the result for display.
func FormatResult(r *Result) string {
	var sb strings.Builder

	sb.WriteString("╔══════════════════════════════════════════════════════════════╗\n")
	sb.WriteString("║                  ENGINE SIMULATION RESULTS                   ║\n")
	sb.WriteString("╠══════════════════════════════════════════════════════════════╣\n")
	sb.WriteString(fmt.Sprintf("║  Learners: %-6d  Events: %-8d  Elapsed: %-14s ║\n", r.Users, r.Events, r.Elapsed.Round(time.Millisecond)))
	sb.WriteString(fmt.Sprintf("║  Mean reward: %+.3f   Accuracy: %5.1f%%                      ║\n", r.MeanReward, r.Accuracy*100))
	sb.WriteString(fmt.Sprintf("║  Degraded: %-6d  Guardrail hits: %-6d                     ║\n", r.Degraded, r.Guardrails))
	sb.WriteString(fmt.Sprintf("║  Delayed rewards: %-6d applied: %-6d                      ║\n", r.DelayedRewards, r.RewardsApplied))
	sb.WriteString(fmt.Sprintf("║  Latency p50: %-10s p95: %-10s max: %-10s    ║\n",
		r.P50.Round(time.Microsecond), r.P95.Round(time.Microsecond), r.Max.Round(time.Microsecond)))
	sb.WriteString("╠══════════════════════════════════════════════════════════════╣\n")

	sources := make([]string, 0, len(r.Sources))
	for s := range r.Sources {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	for _, s := range sources {
		sb.WriteString(fmt.Sprintf("║  %-20s %8d                                ║\n", s, r.Sources[s]))
	}
	sb.WriteString("╚══════════════════════════════════════════════════════════════╝\n")
	return sb.String()
}
