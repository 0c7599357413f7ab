// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cmd holds the taskd CLI: the serve daemon plus thin HTTP client
// commands for compiling intents and inspecting tasks.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/taskd-org/taskd/internal/paths"
)

var rootCmd = &cobra.Command{
	Use:   "taskd",
	Short: "Task compilation and safety-governed execution engine",
	Long: `taskd compiles natural-language intents into constrained execution
plans and runs them under human-in-the-loop supervision.`,
}

func Execute() {
	// A local .env is optional; absence is not an error.
	_ = godotenv.Load()

	if dataDir := os.Getenv("TASKD_DATA_DIR"); dataDir != "" {
		paths.SetDataDirOverride(dataDir)
	}

	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewCompileCmd())
	rootCmd.AddCommand(NewTasksCmd())
	rootCmd.AddCommand(NewCompletionCmd(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
