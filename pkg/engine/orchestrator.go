package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudvibe/agentd/pkg/telemetry"
)

// Timings holds the pacing delays of the marker steps. The wait-ready delay
// belongs to the provisioning backend.
type Timings struct {
	Validate time.Duration
	Install  time.Duration
	Start    time.Duration
}

// DefaultTimings returns the demo pacing used by the server.
func DefaultTimings() Timings {
	return Timings{
		Validate: 2 * time.Second,
		Install:  2 * time.Second,
		Start:    1 * time.Second,
	}
}

// Orchestrator drives a deployment through the five-step workflow.
type Orchestrator struct {
	provisioner Provisioner
	renderer    ScriptRenderer
	timings     Timings
	logger      zerolog.Logger
	now         func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTimings overrides the step pacing.
func WithTimings(t Timings) OrchestratorOption {
	return func(o *Orchestrator) {
		o.timings = t
	}
}

// WithClock overrides the clock used to timestamp events.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator creates an orchestrator over the given provisioner and renderer.
func NewOrchestrator(p Provisioner, r ScriptRenderer, logger zerolog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		provisioner: p,
		renderer:    r,
		timings:     DefaultTimings(),
		logger:      logger.With().Str("component", "orchestrator").Logger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// runState is the per-run scratch space shared by the steps.
type runState struct {
	cfg      DeploymentConfig
	id       string
	zone     string
	instance *Instance
	logger   zerolog.Logger
}

type stepDef struct {
	step     Step
	startMsg string
	startPct int
	donePct  int
	run      func(ctx context.Context, st *runState) (string, error)
}

func (o *Orchestrator) steps() []stepDef {
	return []stepDef{
		{StepValidate, "Validating network configuration...", 10, 20, o.validate},
		{StepCreateVM, "Creating e2-micro VM instance...", 30, 50, o.createVM},
		{StepWaitReady, "Waiting for VM to be ready...", 60, 70, o.waitReady},
		{StepInstallAgent, "Installing monitoring agent software...", 80, 90, o.installAgent},
		{StepStartServices, "Starting monitoring services...", 95, 100, o.startServices},
	}
}

// Run executes the workflow. Every step reports an in-progress and a completed
// event through onProgress. On the first failing step a single failed event
// with step -1 is reported and the error is returned; nothing is retried.
func (o *Orchestrator) Run(ctx context.Context, cfg DeploymentConfig, deploymentID string, onProgress ProgressFunc) (*DeploymentResult, error) {
	if onProgress == nil {
		onProgress = func(StepEvent) {}
	}

	ctx = telemetry.WithDeploymentContext(ctx, deploymentID, cfg.AgentName)
	st := &runState{
		cfg:    cfg,
		id:     deploymentID,
		zone:   cfg.EffectiveZone(),
		logger: o.logger.With().Str("deployment_id", deploymentID).Logger(),
	}

	st.logger.Info().
		Str("agent_name", cfg.AgentName).
		Str("backend", o.provisioner.Name()).
		Str("trace_id", telemetry.TraceID(ctx)).
		Msg("Starting deployment")

	result, err := o.execute(ctx, st, onProgress)
	if err != nil {
		st.logger.Error().Err(err).Msg("Deployment failed")
		onProgress(StepEvent{
			Step:       StepUnindexed,
			Message:    "Deployment failed: " + err.Error(),
			Percentage: 0,
			Status:     StepStatusFailed,
			Timestamp:  o.now(),
			Error:      err.Error(),
		})
		telemetry.EndDeploymentContext(ctx, deploymentID, string(DeploymentStatusFailed), err)
		return nil, err
	}

	st.logger.Info().
		Str("vm_instance", result.VMInstanceName).
		Str("external_ip", result.ExternalAddress).
		Msg("Deployment completed")
	telemetry.EndDeploymentContext(ctx, deploymentID, string(DeploymentStatusCompleted), nil)
	return result, nil
}

func (o *Orchestrator) execute(ctx context.Context, st *runState, onProgress ProgressFunc) (*DeploymentResult, error) {
	for _, def := range o.steps() {
		onProgress(StepEvent{
			Step:       def.step,
			Message:    def.startMsg,
			Percentage: def.startPct,
			Status:     StepStatusInProgress,
			Timestamp:  o.now(),
		})

		stepCtx := telemetry.WithStepContext(ctx, st.id, def.step.String())
		st.logger.Debug().Str("step", def.step.String()).Msg("Step started")

		msg, err := def.run(stepCtx, st)
		if err != nil {
			telemetry.EndStepContext(stepCtx, st.id, def.step.String(), string(StepStatusFailed), err)
			return nil, err
		}
		telemetry.EndStepContext(stepCtx, st.id, def.step.String(), string(StepStatusCompleted), nil)

		onProgress(StepEvent{
			Step:       def.step,
			Message:    msg,
			Percentage: def.donePct,
			Status:     StepStatusCompleted,
			Timestamp:  o.now(),
		})
	}

	return o.buildResult(ctx, st)
}

func (o *Orchestrator) validate(ctx context.Context, st *runState) (string, error) {
	if err := ValidateConfig(st.cfg); err != nil {
		return "", err
	}

	// Network existence is advisory: lookup failures and unknown networks are
	// logged and the deployment continues.
	if !o.provisioner.Simulated() {
		exists, err := o.provisioner.NetworkExists(ctx, st.cfg.ProjectID, st.cfg.Network)
		switch {
		case err != nil:
			st.logger.Warn().Err(err).Str("network", st.cfg.Network).Msg("Could not validate network, continuing")
		case !exists:
			st.logger.Warn().Str("network", st.cfg.Network).Msg("Network not found, continuing")
		}
	}

	if err := pause(ctx, o.timings.Validate); err != nil {
		return "", err
	}
	return "Configuration validated successfully", nil
}

func (o *Orchestrator) createVM(ctx context.Context, st *runState) (string, error) {
	name := InstanceName(st.cfg.AgentName, st.id)

	cfg := st.cfg
	cfg.Zone = st.zone
	script, err := o.renderer.Render(cfg, st.id)
	if err != nil {
		return "", fmt.Errorf("render startup script: %w", err)
	}

	agentConfig, err := json.Marshal(st.cfg)
	if err != nil {
		return "", fmt.Errorf("encode agent config: %w", err)
	}

	inst, err := o.provisioner.CreateInstance(ctx, InstanceSpec{
		Name:          name,
		ProjectID:     st.cfg.ProjectID,
		Zone:          st.zone,
		Network:       st.cfg.Network,
		Subnetwork:    st.cfg.Subnetwork,
		StartupScript: script,
		DeploymentID:  st.id,
		AgentConfig:   string(agentConfig),
	})
	if err != nil {
		return "", err
	}
	st.instance = inst

	st.logger.Info().
		Str("vm_instance", inst.Name).
		Str("zone", inst.Zone).
		Bool("simulated", inst.Simulated).
		Msg("VM instance created")
	return fmt.Sprintf("VM instance %s created successfully", inst.Name), nil
}

func (o *Orchestrator) waitReady(ctx context.Context, st *runState) (string, error) {
	if err := o.provisioner.WaitReady(ctx, st.instance); err != nil {
		return "", err
	}
	return "VM is ready and accessible", nil
}

func (o *Orchestrator) installAgent(ctx context.Context, st *runState) (string, error) {
	if err := pause(ctx, o.timings.Install); err != nil {
		return "", err
	}
	st.logger.Debug().Str("vm_instance", st.instance.Name).Msg("Agent installation delegated to startup script")
	return "Monitoring agent installed successfully", nil
}

func (o *Orchestrator) startServices(ctx context.Context, st *runState) (string, error) {
	if err := pause(ctx, o.timings.Start); err != nil {
		return "", err
	}
	return "Monitoring agent is now active and collecting metrics", nil
}

func (o *Orchestrator) buildResult(ctx context.Context, st *runState) (*DeploymentResult, error) {
	external, err := o.provisioner.ExternalAddress(ctx, st.instance)
	if err != nil {
		return nil, err
	}
	internal, err := o.provisioner.InternalAddress(ctx, st.instance)
	if err != nil {
		return nil, err
	}

	return &DeploymentResult{
		DeploymentID:    st.id,
		VMInstanceName:  st.instance.Name,
		AgentID:         ResultAgentID(st.instance.Name),
		ExternalAddress: external,
		InternalAddress: internal,
		Zone:            st.instance.Zone,
		SelfLink:        st.instance.SelfLink,
		Simulated:       st.instance.Simulated,
	}, nil
}

// pause sleeps for d, returning early with the context error.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
