package config

import (
	"errors"
	"testing"

	"github.com/khanglvm/amas-engine/internal/learning"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"probe out of range", func(c *Config) { c.Engine.ColdStart.ProbeSequence = []int{0, 3} }, "engine.coldStart.probeSequence"},
		{"empty batch grid", func(c *Config) { c.Engine.Grid.BatchSizes = nil }, "engine.grid.batchSizes"},
		{"hint level out of range", func(c *Config) { c.Engine.Grid.HintLevels = []int{0, 5} }, "engine.grid.hintLevels"},
		{"unknown member", func(c *Config) { c.Engine.Members = []learning.PolicyID{"oracle"} }, "engine.members"},
		{"zero learning rate", func(c *Config) { c.Engine.Ensemble.LearningRate = 0 }, "engine.ensemble.learningRate"},
		{"negative prior", func(c *Config) { c.Engine.Ensemble.Prior[learning.PolicyLinUCB] = -1 }, "engine.ensemble.prior"},
		{"zero reward weights", func(c *Config) {
			c.Engine.Reward.Accuracy, c.Engine.Reward.Speed, c.Engine.Reward.Stability, c.Engine.Reward.Retention = 0, 0, 0, 0
		}, "engine.reward"},
		{"guardrail order", func(c *Config) { c.Engine.Guardrails.HighFatigue = 0.95 }, "engine.guardrails.highFatigue"},
		{"zero lock timeout", func(c *Config) { c.Lock.TimeoutMs = 0 }, "lock.timeoutMs"},
		{"redis without addr", func(c *Config) { c.Lock.Backend = LockRedis }, "redis.addr"},
		{"recorder batch above queue", func(c *Config) { c.Recorder.BatchSize = 5000 }, "recorder.batchSize"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "telemetry.sampleRatio"},
		{"telemetry on stdout", func(c *Config) { c.Telemetry.Output = "stdout" }, "telemetry.output"},
		{"log level", func(c *Config) { c.Log.Level = "chatty" }, "log.level"},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate should fail")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if !verr.Has(tt.field) {
				t.Errorf("expected %s to be rejected, got: %v", tt.field, err)
			}
		})
	}
}

func TestValidateCollectsAllFields(t *testing.T) {
	cfg := NewConfig()
	cfg.Lock.TimeoutMs = -1
	cfg.Recorder.QueueSize = 0
	cfg.Storage.RetentionDays = -3

	var verr *ValidationError
	if !errors.As(cfg.Validate(), &verr) {
		t.Fatal("expected ValidationError")
	}
	for _, f := range []string{"lock.timeoutMs", "recorder.queueSize", "storage.retentionDays"} {
		if !verr.Has(f) {
			t.Errorf("expected %s in %v", f, verr)
		}
	}
}

func TestValidateRedisBackend(t *testing.T) {
	cfg := NewConfig()
	cfg.Lock.Backend = LockRedis
	cfg.Redis.Addr = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Errorf("redis backend with addr should validate: %v", err)
	}
}
