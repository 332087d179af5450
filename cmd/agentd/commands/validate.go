package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudvibe/agentd/pkg/config"
)

func newValidateConfigCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-config [path]",
		Short: "Validate a server config file",
		Long: `Load a server config file, apply environment overrides and validate
the result. The path defaults to the --config flag.`,
		Example: `  agentd validate-config agentd.yaml`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if len(args) > 0 {
				path = args[0]
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration is valid")
			fmt.Fprintf(out, "  listen:       %s\n", cfg.Addr())
			fmt.Fprintf(out, "  api prefix:   %s\n", cfg.Server.APIPrefix)
			fmt.Fprintf(out, "  callback url: %s\n", cfg.CallbackURL())
			fmt.Fprintf(out, "  backend:      %s\n", cfg.Backend.Mode)
			if cfg.Agent.Source != "" {
				fmt.Fprintf(out, "  agent source: %s\n", cfg.Agent.Source)
			}
			return nil
		},
	}

	return cmd
}
