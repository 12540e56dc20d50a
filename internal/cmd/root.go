// Package cmd wires the playground CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "playground",
	Short: "Kit Playground backend server",
	Long: `Kit Playground serves the project build/run/preview API: it launches
and supervises kit build tool processes and manages xpra display sessions
for browser-embedded application previews.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
