package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cloudvibe/agentd/pkg/config"
	"github.com/cloudvibe/agentd/pkg/engine"
	"github.com/cloudvibe/agentd/pkg/startup"
)

func newRenderScriptCommand(configPath *string) *cobra.Command {
	var (
		deploymentFile string
		deploymentID   string
		callbackURL    string
	)

	cmd := &cobra.Command{
		Use:   "render-script",
		Short: "Print the startup script for a deployment config",
		Long: `Render the VM startup script for a deployment configuration without
contacting any backend. The deployment config is read as YAML or JSON from
--file, or from stdin when --file is "-".`,
		Example: `  # Render with a random deployment id
  agentd render-script --file deployment.json

  # Render for a fixed id and callback base
  agentd render-script -f deployment.yaml --id 3f6c --callback-url https://agentd.example.com/api/v1/monitoring`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			dc, err := readDeploymentConfig(cmd.InOrStdin(), deploymentFile)
			if err != nil {
				return err
			}
			if dc.ProjectID == "" {
				dc.ProjectID = cfg.Backend.ProjectID
			}
			if err := engine.ValidateConfig(dc); err != nil {
				return err
			}

			if deploymentID == "" {
				deploymentID = uuid.NewString()
			}
			if callbackURL == "" {
				callbackURL = cfg.CallbackURL()
			}

			source := startup.NewSourceLoader(cfg.Agent.Source, log.Logger, startup.WithFetchTimeout(cfg.Agent.FetchTimeout))
			if err := source.Load(cmd.Context()); err != nil {
				log.Warn().Err(err).Msg("Agent source unavailable, using built-in agent stub")
			}

			dc.Zone = dc.EffectiveZone()
			script, err := startup.NewTemplater(source, callbackURL).Render(dc, deploymentID)
			if err != nil {
				return err
			}

			_, err = io.WriteString(cmd.OutOrStdout(), script)
			return err
		},
	}

	cmd.Flags().StringVarP(&deploymentFile, "file", "f", "", "deployment config file (YAML or JSON), - for stdin")
	cmd.Flags().StringVar(&deploymentID, "id", "", "deployment id (default: random)")
	cmd.Flags().StringVar(&callbackURL, "callback-url", "", "callback base URL (default: from server config)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readDeploymentConfig(stdin io.Reader, path string) (engine.DeploymentConfig, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		// #nosec G304
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return engine.DeploymentConfig{}, fmt.Errorf("failed to read deployment config: %w", err)
	}

	var dc engine.DeploymentConfig
	if err := yaml.Unmarshal(data, &dc); err != nil {
		return engine.DeploymentConfig{}, fmt.Errorf("failed to parse deployment config: %w", err)
	}
	return dc, nil
}
