package cli

import (
	"context"
	"fmt"

	"github.com/khanglvm/amas-engine/internal/config"
	"github.com/khanglvm/amas-engine/internal/engine"
	"github.com/khanglvm/amas-engine/internal/isolation"
	"github.com/khanglvm/amas-engine/internal/learning"
	"github.com/khanglvm/amas-engine/internal/logger"
	"github.com/khanglvm/amas-engine/internal/reward"
	"github.com/khanglvm/amas-engine/internal/storage"
)

// stack is the wired engine stack of one command invocation.
type stack struct {
	cfg      *config.Config
	log      *logger.Logger
	store    *storage.SQLiteStorage
	locker   isolation.Locker
	recorder *learning.Recorder
	engine   *engine.Engine
	queue    *reward.Queue

	closers []func() error
}

type stackOptions struct {
	// recorder starts the background decision recorder.
	recorder bool
}

// openStack builds storage, lock, recorder, engine and reward queue from cfg.
func openStack(ctx context.Context, cfg *config.Config, opts stackOptions) (*stack, error) {
	log, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	rt := &stack{cfg: cfg, log: log}

	rt.store = storage.NewStorage(cfg.Storage.DBPath, log)
	if err := rt.store.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	rt.closers = append(rt.closers, rt.store.Close)

	switch cfg.Lock.Backend {
	case config.LockRedis:
		rdb, err := isolation.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rl := isolation.NewRedisLocker(rdb, cfg.LockOptions(), log)
		rt.locker = rl
		rt.closers = append(rt.closers, rl.Close)
	default:
		rt.locker = isolation.NewManager(cfg.Lock.Timeout())
	}

	var rec engine.Recorder
	if opts.recorder {
		rt.recorder = learning.NewRecorder(rt.store, cfg.Recorder, log)
		rec = rt.recorder
		rt.closers = append(rt.closers, func() error { rt.recorder.Stop(); return nil })
	}

	ecfg, err := cfg.EngineConfig()
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine, err = engine.New(ecfg, rt.store, rt.locker, rec, log)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.queue = reward.NewQueue(rt.store, rt.engine, cfg.Reward, log)
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *stack) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn("close failed", "error", err)
		}
	}
	rt.closers = nil
	rt.log.Sync()
}
