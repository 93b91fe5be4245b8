package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/khanglvm/amas-engine/internal/learning"
)

type validator struct {
	errs []FieldError
}

func (v *validator) check(ok bool, field, format string, args ...interface{}) {
	if !ok {
		v.errs = append(v.errs, FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}
}

func unit(x float64) bool { return x >= 0 && x <= 1 && !math.IsNaN(x) }

// Validate checks ranges across every section. It returns a
// *ValidationError listing all rejected fields, or nil.
func (c *Config) Validate() error {
	v := &validator{}
	c.validateEngine(v)

	v.check(c.Recorder.QueueSize > 0, "recorder.queueSize", "must be positive")
	v.check(c.Recorder.BatchSize > 0, "recorder.batchSize", "must be positive")
	v.check(c.Recorder.BatchSize <= c.Recorder.QueueSize, "recorder.batchSize", "must not exceed queueSize")

	v.check(c.Reward.BatchSize >= 0, "reward.batchSize", "must not be negative")
	v.check(c.Reward.Concurrency >= 0, "reward.concurrency", "must not be negative")
	v.check(c.Reward.MaxLockRetries >= 0, "reward.maxLockRetries", "must not be negative")

	switch c.Lock.Backend {
	case LockInProcess:
	case LockRedis:
		v.check(strings.TrimSpace(c.Redis.Addr) != "", "redis.addr", "required by the redis lock backend")
	default:
		v.check(false, "lock.backend", "must be %q or %q, got %q", LockInProcess, LockRedis, c.Lock.Backend)
	}
	v.check(c.Lock.TimeoutMs > 0, "lock.timeoutMs", "must be positive")
	v.check(c.Redis.DB >= 0, "redis.db", "must not be negative")

	v.check(c.Storage.RetentionDays >= 0, "storage.retentionDays", "must not be negative")

	v.check(unit(c.Telemetry.SampleRatio), "telemetry.sampleRatio", "must be in [0,1]")
	v.check(strings.TrimSpace(c.Telemetry.Output) != "stdout", "telemetry.output", "stdout is reserved for the stdio server")

	if c.Log.Level != "" {
		var lvl zapcore.Level
		v.check(lvl.UnmarshalText([]byte(c.Log.Level)) == nil, "log.level", "unknown level %q", c.Log.Level)
	}
	if c.Timezone != "" {
		_, err := time.LoadLocation(c.Timezone)
		v.check(err == nil, "timezone", "unknown zone %q", c.Timezone)
	}

	if len(v.errs) == 0 {
		return nil
	}
	return &ValidationError{Fields: v.errs}
}

func (c *Config) validateEngine(v *validator) {
	e := c.Engine

	g := e.Grid
	v.check(len(g.Difficulties) > 0, "engine.grid.difficulties", "must not be empty")
	v.check(len(g.NewRatios) > 0, "engine.grid.newRatios", "must not be empty")
	v.check(len(g.BatchSizes) > 0, "engine.grid.batchSizes", "must not be empty")
	v.check(len(g.HintLevels) > 0, "engine.grid.hintLevels", "must not be empty")
	v.check(len(g.IntervalScales) > 0, "engine.grid.intervalScales", "must not be empty")
	for _, r := range g.NewRatios {
		v.check(unit(r), "engine.grid.newRatios", "%v outside [0,1]", r)
	}
	for _, b := range g.BatchSizes {
		v.check(b > 0, "engine.grid.batchSizes", "%d must be positive", b)
	}
	for _, h := range g.HintLevels {
		v.check(h >= 0 && h <= 2, "engine.grid.hintLevels", "%d outside [0,2]", h)
	}
	for _, s := range g.IntervalScales {
		v.check(s > 0, "engine.grid.intervalScales", "%v must be positive", s)
	}

	cs := e.ColdStart
	v.check(cs.ClassifySamples > 0, "engine.coldStart.classifySamples", "must be positive")
	v.check(cs.ExploreSamples >= 0, "engine.coldStart.exploreSamples", "must not be negative")
	for _, p := range cs.ProbeSequence {
		v.check(p >= 0 && p <= 2, "engine.coldStart.probeSequence", "probe %d must be 0, 1 or 2", p)
	}

	v.check(e.LinUCB.Alpha >= 0, "engine.linucb.alpha", "must not be negative")
	v.check(e.LinUCB.Lambda > 0, "engine.linucb.lambda", "must be positive")
	v.check(e.Thompson.ContextWeightMin <= e.Thompson.ContextWeightMax,
		"engine.thompson.contextWeightMin", "must not exceed contextWeightMax")
	v.check(unit(e.Thompson.ContextWeightMax), "engine.thompson.contextWeightMax", "must be in [0,1]")

	en := e.Ensemble
	v.check(en.LearningRate > 0 && en.LearningRate <= 1, "engine.ensemble.learningRate", "must be in (0,1]")
	v.check(unit(en.Decay), "engine.ensemble.decay", "must be in [0,1]")
	v.check(en.MinWeight >= 0 && en.MinWeight < 1, "engine.ensemble.minWeight", "must be in [0,1)")
	for id, w := range en.Prior {
		v.check(w >= 0, "engine.ensemble.prior", "%s weight must not be negative", id)
	}

	known := map[learning.PolicyID]bool{}
	for _, id := range learning.PriorityOrder {
		known[id] = true
	}
	v.check(len(e.Members) > 0, "engine.members", "must not be empty")
	for _, id := range e.Members {
		v.check(known[id], "engine.members", "unknown policy %q", id)
	}

	r := e.Reward
	v.check(r.Accuracy >= 0 && r.Speed >= 0 && r.Stability >= 0 && r.Retention >= 0,
		"engine.reward", "weights must not be negative")
	v.check(r.Accuracy+r.Speed+r.Stability+r.Retention > 0, "engine.reward", "weights must not all be zero")
	v.check(r.MaxResponseTime > 0, "engine.reward.maxResponseTime", "must be positive")

	gr := e.Guardrails
	v.check(unit(gr.CriticalFatigue) && unit(gr.HighFatigue), "engine.guardrails", "fatigue thresholds must be in [0,1]")
	v.check(gr.HighFatigue <= gr.CriticalFatigue, "engine.guardrails.highFatigue", "must not exceed criticalFatigue")
	v.check(unit(gr.LowAttention), "engine.guardrails.lowAttention", "must be in [0,1]")

	o := e.Objective
	v.check(unit(o.MinAccuracy), "engine.objective.minAccuracy", "must be in [0,1]")
	v.check(o.MaxDailyMinutes > 0, "engine.objective.maxDailyMinutes", "must be positive")
}
