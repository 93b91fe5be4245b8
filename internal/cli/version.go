package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/khanglvm/amas-engine/internal/features"
	"github.com/khanglvm/amas-engine/internal/version"
)

// NewVersionCmd creates the 'version' command
func NewVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display the version, commit hash, build date and feature schema.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get(features.SchemaVersion)
			if jsonOutput {
				return printJSON(cmd, info)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version:  %s\n", info.Version)
			fmt.Fprintf(out, "Commit:   %s\n", info.Commit)
			fmt.Fprintf(out, "Built:    %s\n", info.Date)
			fmt.Fprintf(out, "Go:       %s\n", info.GoVersion)
			fmt.Fprintf(out, "Features: v%d\n", info.FeatureSchema)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}
