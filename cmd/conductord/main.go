// Command conductord runs the Conductor dispatcher and its HTTP API.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "conductord",
	Short: "Conductor task dispatch daemon",
	Long: `conductord accepts prioritised tasks with dependencies, routes each ready
task to a capable agent with free capacity, and records every finished
task in the completion ledger.

With no subcommand it behaves like "conductord serve".`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (env CONDUCTOR_* overrides)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
