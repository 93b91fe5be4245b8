package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/khanglvm/amas-engine/internal/config"
	"github.com/khanglvm/amas-engine/internal/features"
	"github.com/khanglvm/amas-engine/internal/observability"
	"github.com/khanglvm/amas-engine/internal/server"
	"github.com/khanglvm/amas-engine/internal/version"
)

// cleanupInterval is how often serve prunes rows past retention.
const cleanupInterval = time.Hour

// NewServeCmd creates the 'serve' command.
func NewServeCmd(load loadFunc) *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a JSON-RPC server (stdio transport)",
		Long: `Start the engine with line-delimited JSON-RPC 2.0 on stdin/stdout.

Alongside the server, serve runs the delayed reward worker, the decision
recorder and a periodic retention cleanup. Logs and traces go to stderr.
SIGINT, SIGTERM and SIGQUIT stop the server, drain the recorder and close
the database.`,
		Example: `  # Run directly
  amas-engine serve

  # Share user locks across processes
  AMAS_LOCK_BACKEND=redis AMAS_REDIS_ADDR=localhost:6379 amas-engine serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd, cfg, !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "Do not run the delayed reward worker in this process")

	return cmd
}

func runServe(cmd *cobra.Command, cfg *config.Config, worker bool) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := openStack(ctx, cfg, stackOptions{recorder: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	info := version.Get(features.SchemaVersion)
	shutdownTracing := observability.Init(ctx, cfg.Telemetry, info.Version, rt.log)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			rt.log.Warn("trace shutdown failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	if worker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.queue.Start(ctx)
		}()
	}
	if cfg.Storage.RetentionDays > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runCleanup(ctx, rt)
		}()
	}

	var rec server.Recorder
	if rt.recorder != nil {
		rec = rt.recorder
	}
	srv := server.NewServer(rt.engine, rt.queue, rec, info.Version, cmd.InOrStdin(), cmd.OutOrStdout(), rt.log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		rt.log.Info("received signal, shutting down", "signal", sig.String())
	case runErr = <-errChan:
		// stdin closed or read error
	}

	cancel()
	wg.Wait()
	rt.log.Info("shutdown complete", "cached_users", rt.engine.CachedUsers())

	if runErr != nil {
		return fmt.Errorf("server error: %w", runErr)
	}
	return nil
}

func runCleanup(ctx context.Context, rt *stack) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		if err := rt.store.Cleanup(ctx, rt.cfg.Storage.Retention()); err != nil && ctx.Err() == nil {
			rt.log.Warn("retention cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
