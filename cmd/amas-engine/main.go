/*
Package main is the entry point for the amas-engine CLI.

amas-engine is an adaptive decision engine for spaced-repetition learning.
For every answer event it chooses the strategy of the learner's next batch.

Usage:
  amas-engine [command]

Available Commands:
  serve       Run the engine as a JSON-RPC server (stdio transport)
  simulate    Drive the engine with synthetic learners
  queue       Inspect and drain the delayed reward queue
  decisions   Work with recorded decisions
  coldstart   Inspect or restart a learner's cold start
  config      Create or display the configuration
  version     Show version information

Examples:
  # Write ~/.amas-engine.json with every default
  amas-engine config init

  # Serve on stdio
  amas-engine serve

  # Measure decision latency with 100 synthetic learners
  amas-engine simulate --users 100
*/
package main

import (
	"fmt"
	"os"

	"github.com/khanglvm/amas-engine/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
