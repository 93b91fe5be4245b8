package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewColdStartCmd creates the 'coldstart' command group.
func NewColdStartCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coldstart",
		Short: "Inspect or restart a learner's cold start",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <user>",
		Short: "Restart cold-start classification for a user",
		Long: `Reset the cold-start state of one user. The next events go through
classification and exploration again. Bandit and ensemble state is kept.`,
		Args: cobra.ExactArgs(1),
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

			if err := rt.engine.ResetColdStart(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to reset cold start: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ cold start reset for %s\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <user>",
		Short: "Show a user's model snapshot as JSON",
		Args:  cobra.ExactArgs(1),
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

			snap, err := rt.engine.Snapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, snap)
		},
	})
	return cmd
}
