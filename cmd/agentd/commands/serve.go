package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cloudvibe/agentd/pkg/api"
	"github.com/cloudvibe/agentd/pkg/config"
	"github.com/cloudvibe/agentd/pkg/engine"
	"github.com/cloudvibe/agentd/pkg/provisioning"
	"github.com/cloudvibe/agentd/pkg/registry"
	"github.com/cloudvibe/agentd/pkg/startup"
	"github.com/cloudvibe/agentd/pkg/telemetry"
)

func newServeCommand(configPath *string, version string) *cobra.Command {
	var backendMode string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment API server",
		Long: `Run the HTTP API that accepts agent deployments.

The provisioning backend is selected once at startup. In auto mode a failure
to initialize the Compute Engine client selects the simulated backend for the
lifetime of the process.`,
		Example: `  # Run with defaults on :8080
  agentd serve

  # Run against the simulated backend with a config file
  agentd serve --config agentd.yaml --backend simulated`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if backendMode != "" {
				cfg.Backend.Mode = provisioning.Mode(backendMode)
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			cfg.Telemetry.ServiceVersion = version

			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&backendMode, "backend", "", "backend mode override (auto, real, simulated)")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	tel, err := telemetry.NewTelemetryWithLogger(cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	eventLog := telemetry.LogSubscriber(logger.NewComponentLogger("events"))
	tel.Events.Subscribe(eventLog, telemetry.FilterByType(
		telemetry.EventTypeDeploymentStarted,
		telemetry.EventTypeDeploymentCompleted,
	))
	// Failed steps, failed deployments and reports for unknown deployments.
	tel.Events.Subscribe(eventLog, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	zl := logger.Zerolog()

	adapter, err := provisioning.Open(ctx, cfg.ProvisioningOptions(), zl)
	if err != nil {
		return err
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			zl.Warn().Err(err).Msg("Failed to close provisioning backend")
		}
	}()

	source := startup.NewSourceLoader(cfg.Agent.Source, zl, startup.WithFetchTimeout(cfg.Agent.FetchTimeout))
	if err := source.Load(ctx); err != nil {
		zl.Warn().Err(err).Msg("Agent source unavailable, using built-in agent stub")
	}
	if cfg.Agent.Watch {
		if err := source.Watch(ctx); err != nil {
			zl.Warn().Err(err).Msg("Failed to watch agent source")
		}
	}

	orchestrator := engine.NewOrchestrator(adapter,
		startup.NewTemplater(source, cfg.CallbackURL()),
		zl,
		engine.WithTimings(cfg.Timings()),
	)
	reg := registry.New(orchestrator, zl, registry.WithTelemetry(tel))

	handler := api.NewServer(reg, api.Options{
		APIPrefix:            cfg.Server.APIPrefix,
		DefaultProjectID:     cfg.Backend.ProjectID,
		Backend:              adapter.Name(),
		ObserverWriteTimeout: cfg.Server.ObserverWriteTimeout,
		Telemetry:            tel,
	}, zl).Handler()

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info().
			Str("addr", srv.Addr).
			Str("api_prefix", cfg.Server.APIPrefix).
			Str("backend", adapter.Name()).
			Str("agent_source", source.Origin()).
			Str("callback_url", cfg.CallbackURL()).
			Msg("Starting agentd server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("Received interrupt signal, shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	if err := reg.Wait(shutdownCtx); err != nil {
		zl.Warn().Int("active_deployments", reg.ActiveCount()).Msg("Shutdown timed out with deployments still running")
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		zl.Warn().Err(err).Msg("Telemetry shutdown incomplete")
	}

	zl.Info().Msg("agentd stopped")
	return nil
}
