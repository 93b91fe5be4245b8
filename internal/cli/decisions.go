package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// NewDecisionsCmd creates the 'decisions' command group.
func NewDecisionsCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Work with recorded decisions",
	}
	cmd.AddCommand(newDecisionsExportCmd(load))
	return cmd
}

// newDecisionsExportCmd exports decision records as JSON lines.
func newDecisionsExportCmd(load loadFunc) *cobra.Command {
	var (
		userID     string
		since      time.Duration
		limit      int
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export decision records as JSON lines, newest first",
		Example: `  amas-engine decisions export --user u42 --since 24h
  amas-engine decisions export -o decisions.jsonl`,
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

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			records, err := rt.store.ListDecisionRecords(cmd.Context(), userID, from, limit)
			if err != nil {
				return fmt.Errorf("failed to list decisions: %w", err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if outputFile != "" {
				f, err := os.Create(outputFile)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				w = f
			}

			enc := json.NewEncoder(w)
			for _, r := range records {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			if outputFile != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d decisions to %s\n", len(records), outputFile)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Only this user (default: all users)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only decisions newer than this (e.g. 24h)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 1000, "Maximum number of records")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")
	return cmd
}
