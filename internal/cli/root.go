/*
Package cli implements the amas-engine commands.

Every command loads ~/.amas-engine.json (or --config) with AMAS_*
environment overrides, then builds only the parts of the runtime it needs.
*/
package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/khanglvm/amas-engine/internal/config"
	"github.com/khanglvm/amas-engine/internal/features"
	"github.com/khanglvm/amas-engine/internal/version"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "amas-engine",
		Short: "Adaptive decision engine for spaced-repetition learning",
		Long: `amas-engine picks the study strategy for each learner's next batch:
difficulty, new-word ratio, batch size, hint level and review interval.

A cold-start classifier handles new learners. After that an ensemble of
LinUCB, Thompson sampling and a rule-based heuristic votes, and guardrails
cap the result when the learner is tired or inattentive. Delayed rewards
arrive through a persistent queue and train the same models.`,
		Version:       version.Get(features.SchemaVersion).String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ~/.amas-engine.json)")

	load := func() (*config.Config, error) {
		cfg, err := config.LoadOrDefault(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	path := func() (string, error) {
		if configPath != "" {
			return configPath, nil
		}
		return config.GetDefaultConfigPath()
	}

	root.AddCommand(NewServeCmd(load))
	root.AddCommand(NewSimulateCmd(load))
	root.AddCommand(NewQueueCmd(load))
	root.AddCommand(NewDecisionsCmd(load))
	root.AddCommand(NewColdStartCmd(load))
	root.AddCommand(NewConfigCmd(path, load))
	root.AddCommand(NewVersionCmd())

	return root
}

// loadFunc returns the effective configuration.
type loadFunc func() (*config.Config, error)

// printJSON pretty-prints v to cmd's output.
func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
