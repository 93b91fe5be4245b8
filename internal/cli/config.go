package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/khanglvm/amas-engine/internal/config"
)

// NewConfigCmd creates the 'config' command group.
func NewConfigCmd(path func() (string, error), load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or display the configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with every default",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := path()
			if err != nil {
				return err
			}
			if _, err := os.Stat(p); err == nil && !force {
				return fmt.Errorf("config already exists: %s (use --force to overwrite)", p)
			}
			if err := config.Save(config.NewConfig(), p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ wrote %s\n", p)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file (a .bak copy is kept)")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (file, defaults and AMAS_* overrides)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.Redis.Password != "" {
				redacted.Redis.Password = "********"
			}
			return printJSON(cmd, redacted)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
