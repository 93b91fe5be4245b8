package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/khanglvm/amas-engine/internal/benchmark"
)

// NewSimulateCmd creates the 'simulate' command.
func NewSimulateCmd(load loadFunc) *cobra.Command {
	var (
		sim        = benchmark.DefaultConfig()
		dbPath     string
		viaQueue   bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "simulate",
		Aliases: []string{"benchmark"},
		Short:   "Drive the engine with synthetic learners",
		Long: `Simulate fast, stable and cautious learners answering questions and
report mean reward, degraded decisions, the decision source mix and
p50/p95 decision latency.

The run uses a throwaway database unless --db is given.`,
		Example: `  amas-engine simulate
  amas-engine simulate --users 100 --events 60 --concurrency 8 --json
  amas-engine simulate --via-queue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			if dbPath == "" {
				dir, err := os.MkdirTemp("", "amas-simulate-")
				if err != nil {
					return fmt.Errorf("failed to create temp dir: %w", err)
				}
				defer os.RemoveAll(dir)
				dbPath = filepath.Join(dir, "simulate.db")
			}
			cfg.Storage.DBPath = dbPath

			rt, err := openStack(cmd.Context(), cfg, stackOptions{recorder: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			var queue benchmark.Queue
			if viaQueue {
				queue = rt.queue
			}
			res, err := benchmark.Run(cmd.Context(), rt.engine, queue, sim)
			if err != nil {
				return fmt.Errorf("simulation failed: %w", err)
			}

			if jsonOutput {
				return printJSON(cmd, res)
			}
			fmt.Fprint(cmd.OutOrStdout(), benchmark.FormatResult(res))
			return nil
		},
	}

	cmd.Flags().IntVarP(&sim.Users, "users", "u", sim.Users, "Number of simulated learners")
	cmd.Flags().IntVarP(&sim.EventsPerUser, "events", "e", sim.EventsPerUser, "Answers per learner")
	cmd.Flags().IntVar(&sim.Concurrency, "concurrency", sim.Concurrency, "Learners answering at once")
	cmd.Flags().IntVar(&sim.DelayedRewardEvery, "reward-every", sim.DelayedRewardEvery, "Send a delayed reward every n answers (0 disables)")
	cmd.Flags().Uint64Var(&sim.Seed, "seed", sim.Seed, "Random seed")
	cmd.Flags().StringVar(&dbPath, "db", "", "Database path (default: temporary)")
	cmd.Flags().BoolVar(&viaQueue, "via-queue", false, "Route delayed rewards through the reward queue")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	return cmd
}
