package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "agentd",
		Short: "agentd - monitoring agent deployment service",
		Long: `agentd provisions Compute Engine instances running the monitoring agent.

Each deployment validates its configuration, creates a VM with a startup
script that builds and starts the agent, waits for the VM to run and reports
progress over HTTP and websocket. Without cloud credentials the service runs
against a simulated backend.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "server config file path")

	rootCmd.AddCommand(newServeCommand(&configPath, version))
	rootCmd.AddCommand(newRenderScriptCommand(&configPath))
	rootCmd.AddCommand(newValidateConfigCommand(&configPath))

	return rootCmd
}
