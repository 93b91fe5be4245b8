package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/khanglvm/amas-engine/internal/storage"
)

// NewQueueCmd creates the 'queue' command group.
func NewQueueCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain the delayed reward queue",
	}
	cmd.AddCommand(newQueueStatsCmd(load))
	cmd.AddCommand(newQueueProcessCmd(load))
	return cmd
}

func newQueueStatsCmd(load loadFunc) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show reward entry counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			rt, err := openStack(cmd.Context(), cfg, stackOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			stats, err := rt.queue.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read queue stats: %w", err)
			}
			if jsonOutput {
				return printJSON(cmd, stats)
			}

			statuses := []storage.RewardStatus{storage.RewardPending, storage.RewardProcessing, storage.RewardDone, storage.RewardFailed}
			for s := range stats {
				if !containsStatus(statuses, s) {
					statuses = append(statuses, s)
				}
			}
			sort.SliceStable(statuses[4:], func(i, j int) bool { return statuses[4+i] < statuses[4+j] })

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Reward Queue")
			fmt.Fprintln(out, "============")
			for _, s := range statuses {
				fmt.Fprintf(out, "  %-12s %d\n", s, stats[s])
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func newQueueProcessCmd(load loadFunc) *cobra.Command {
	var (
		all        bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Apply due delayed rewards once",
		Long: `Recover stuck entries, claim one batch of due rewards and apply them.
With --all, repeat until no due entry is left.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			rt, err := openStack(cmd.Context(), cfg, stackOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			var passes []interface{}
			for {
				st, err := rt.queue.ProcessDue(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to process rewards: %w", err)
				}
				passes = append(passes, st)
				if !jsonOutput {
					fmt.Fprintf(cmd.OutOrStdout(), "claimed %d: done %d, retried %d, failed %d (recovered %d)\n",
						st.Claimed, st.Done, st.Retried, st.Failed, st.Recovered)
				}
				if !all || st.Claimed == 0 {
					break
				}
			}
			if jsonOutput {
				return printJSON(cmd, passes)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Repeat until the queue has no due entries")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func containsStatus(list []storage.RewardStatus, s storage.RewardStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
