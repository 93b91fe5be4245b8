package benchmark

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khanglvm/amas-engine/internal/engine"
	"github.com/khanglvm/amas-engine/internal/logger"
	"github.com/khanglvm/amas-engine/internal/reward"
	"github.com/khanglvm/amas-engine/internal/storage"
)

func newEngine(t *testing.T) (*engine.Engine, *storage.SQLiteStorage) {
	t.Helper()
	store := storage.NewStorage(filepath.Join(t.TempDir(), "sim.db"), logger.Nop())
	require.NoError(t, store.Init())
	t.Cleanup(func() { store.Close() })

	eng, err := engine.New(engine.DefaultConfig(), store, nil, nil, logger.Nop())
	require.NoError(t, err)
	return eng, store
}

func TestRunInlineRewards(t *testing.T) {
	eng, _ := newEngine(t)

	res, err := Run(context.Background(), eng, nil, Config{
		Users:              6,
		EventsPerUser:      30,
		Concurrency:        3,
		DelayedRewardEvery: 5,
		Seed:               7,
	})
	require.NoError(t, err)

	assert.Equal(t, 6, res.Users)
	assert.Equal(t, 180, res.Events)
	assert.Equal(t, 0, res.Degraded)
	assert.Equal(t, 36, res.DelayedRewards)
	assert.Equal(t, 36, res.RewardsApplied)
	assert.GreaterOrEqual(t, res.MeanReward, -1.0)
	assert.LessOrEqual(t, res.MeanReward, 1.0)
	assert.LessOrEqual(t, res.P50, res.P95)
	assert.LessOrEqual(t, res.P95, res.Max)

	// Every learner passes through cold start before the ensemble takes over.
	assert.Greater(t, res.Sources["coldstart"], 0)
	assert.Greater(t, res.Sources["ensemble"], 0)
	total := 0
	for _, n := range res.Sources {
		total += n
	}
	assert.Equal(t, res.Events, total)
}

func TestRunThroughQueue(t *testing.T) {
	eng, store := newEngine(t)
	queue := reward.NewQueue(store, eng, reward.Config{BatchSize: 7}, logger.Nop())

	res, err := Run(context.Background(), eng, queue, Config{
		Users:              4,
		EventsPerUser:      20,
		DelayedRewardEvery: 4,
	})
	require.NoError(t, err)

	assert.Equal(t, 20, res.DelayedRewards)
	assert.Equal(t, 20, res.RewardsApplied)

	stats, err := store.RewardStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, stats[storage.RewardDone])
	assert.Zero(t, stats[storage.RewardPending])
}

func TestRunCancelled(t *testing.T) {
	eng, _ := newEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, eng, nil, Config{Users: 2, EventsPerUser: 5})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummarize(t *testing.T) {
	samples := []sample{
		{latency: 1 * time.Millisecond, reward: 0.5, correct: true, source: "ensemble"},
		{latency: 3 * time.Millisecond, reward: -0.5, source: "coldstart", guardrail: true},
		{latency: 2 * time.Millisecond, reward: 1, correct: true, source: "heuristic_fallback", degraded: true},
	}
	res := summarize(samples)

	assert.Equal(t, 3, res.Events)
	assert.InDelta(t, 1.0/3, res.MeanReward, 1e-9)
	assert.InDelta(t, 2.0/3, res.Accuracy, 1e-9)
	assert.Equal(t, 1, res.Degraded)
	assert.Equal(t, 1, res.Guardrails)
	assert.Equal(t, 2*time.Millisecond, res.P50)
	assert.Equal(t, 3*time.Millisecond, res.Max)
	assert.Equal(t, map[string]int{"ensemble": 1, "coldstart": 1, "heuristic_fallback": 1}, res.Sources)

	assert.Zero(t, summarize(nil).Events)
}

func TestFormatResult(t *testing.T) {
	out := FormatResult(&Result{Users: 1, Events: 2, Sources: map[string]int{"ensemble": 2}})
	assert.True(t, strings.Contains(out, "ENGINE SIMULATION RESULTS"))
	assert.True(t, strings.Contains(out, "ensemble"))
}
