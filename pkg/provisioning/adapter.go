package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/cloudvibe/agentd/pkg/engine"
	"github.com/cloudvibe/agentd/pkg/telemetry"
)

// PollConfig bounds the wait-ready polling of a real instance.
type PollConfig struct {
	// InitialInterval is the first delay between status checks.
	InitialInterval time.Duration

	// MaxInterval caps the exponential delay.
	MaxInterval time.Duration

	// MaxAttempts bounds the number of status checks.
	MaxAttempts uint

	// Timeout bounds the total polling time.
	Timeout time.Duration
}

// DefaultPollConfig returns the polling bounds used by the server.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialInterval: 3 * time.Second,
		MaxInterval:     15 * time.Second,
		MaxAttempts:     20,
		Timeout:         5 * time.Minute,
	}
}

// Options configures Open.
type Options struct {
	Mode Mode
	GCE  GCEConfig

	// ReadyDelay is waited before the first status check.
	ReadyDelay time.Duration

	Poll PollConfig
}

// Adapter implements engine.Provisioner over exactly one active backend.
// When the active backend is real, failed calls other than the wait-ready
// status check are answered by the simulation backend instead.
type Adapter struct {
	active     Backend
	simulated  *SimulatedBackend
	readyDelay time.Duration
	poll       PollConfig
	logger     zerolog.Logger
}

var _ engine.Provisioner = (*Adapter)(nil)

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithReadyDelay sets the delay waited before the first status check.
func WithReadyDelay(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.readyDelay = d
	}
}

// WithPollConfig sets the wait-ready polling bounds.
func WithPollConfig(p PollConfig) AdapterOption {
	return func(a *Adapter) {
		a.poll = p
	}
}

// NewAdapter wraps an already selected backend.
func NewAdapter(active Backend, logger zerolog.Logger, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		active:     active,
		simulated:  NewSimulatedBackend(),
		readyDelay: 3 * time.Second,
		poll:       DefaultPollConfig(),
		logger:     logger.With().Str("component", "provisioning").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open selects the backend for the lifetime of the process. In auto mode any
// real backend initialization error permanently selects simulation.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (*Adapter, error) {
	if err := opts.Mode.Validate(); err != nil {
		return nil, err
	}

	adapterOpts := []AdapterOption{WithReadyDelay(opts.ReadyDelay), WithPollConfig(opts.Poll)}

	if opts.Mode == ModeSimulated {
		logger.Info().Str("backend", BackendSimulated).Msg("Provisioning backend selected")
		return NewAdapter(NewSimulatedBackend(), logger, adapterOpts...), nil
	}

	gce, err := NewGCEBackend(ctx, opts.GCE, logger)
	if err != nil {
		if opts.Mode == ModeReal {
			return nil, fmt.Errorf("initialize %s backend: %w", BackendGCE, err)
		}
		logger.Warn().Err(err).Msg("Failed to initialize Compute Engine backend, running simulated")
		return NewAdapter(NewSimulatedBackend(), logger, adapterOpts...), nil
	}

	logger.Info().Str("backend", BackendGCE).Msg("Provisioning backend selected")
	return NewAdapter(gce, logger, adapterOpts...), nil
}

// Close releases the active backend, if it holds resources.
func (a *Adapter) Close() error {
	if c, ok := a.active.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Name implements engine.Provisioner.
func (a *Adapter) Name() string {
	return a.active.Name()
}

// Simulated implements engine.Provisioner.
func (a *Adapter) Simulated() bool {
	return a.active.Name() == BackendSimulated
}

// backendFor routes calls for simulated instances to the simulation backend.
func (a *Adapter) backendFor(inst *engine.Instance) Backend {
	if inst != nil && inst.Simulated {
		return a.simulated
	}
	return a.active
}

// NetworkExists implements engine.Provisioner.
func (a *Adapter) NetworkExists(ctx context.Context, projectID, network string) (bool, error) {
	var exists bool
	err := telemetry.RecordBackendOperation(ctx, a.active.Name(), OpNetworkExists, func(ctx context.Context) error {
		var err error
		exists, err = a.active.NetworkExists(ctx, projectID, network)
		return err
	})
	return exists, err
}

// CreateInstance implements engine.Provisioner.
func (a *Adapter) CreateInstance(ctx context.Context, spec engine.InstanceSpec) (*engine.Instance, error) {
	var inst *engine.Instance
	err := telemetry.RecordBackendOperation(ctx, a.active.Name(), OpCreateInstance, func(ctx context.Context) error {
		var err error
		inst, err = a.active.CreateInstance(ctx, spec)
		return err
	})
	if err == nil {
		return inst, nil
	}
	if a.Simulated() {
		return nil, engine.NewBackendError(engine.StepCreateVM, OpCreateInstance, "Could not create VM", err)
	}

	a.fallback(ctx, OpCreateInstance, err, spec.Name)
	return a.simulated.CreateInstance(ctx, spec)
}

// WaitReady implements engine.Provisioner. It waits the ready delay, then
// polls until the instance is RUNNING. A status call that keeps failing, a
// stopped instance or one still not running when the bound is reached is a
// backend error.
func (a *Adapter) WaitReady(ctx context.Context, inst *engine.Instance) error {
	if inst == nil {
		return engine.NewBackendError(engine.StepWaitReady, OpInstanceStatus, "No instance to wait for", nil)
	}

	if err := sleep(ctx, a.readyDelay); err != nil {
		return err
	}

	backend := a.backendFor(inst)
	logger := a.logger.With().
		Str("backend", backend.Name()).
		Str("operation", OpInstanceStatus).
		Str("vm_instance", inst.Name).
		Logger()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.poll.InitialInterval
	b.MaxInterval = a.poll.MaxInterval

	retryOpts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if a.poll.MaxAttempts > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxTries(a.poll.MaxAttempts))
	}
	if a.poll.Timeout > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(a.poll.Timeout))
	}

	status, err := backoff.Retry(ctx, func() (string, error) {
		var status string
		err := telemetry.RecordBackendOperation(ctx, backend.Name(), OpInstanceStatus, func(ctx context.Context) error {
			var err error
			status, err = backend.InstanceStatus(ctx, inst)
			return err
		})
		if err != nil {
			logger.Debug().Err(err).Msg("Instance status check failed")
			return "", err
		}
		if status == engine.InstanceStatusRunning {
			return status, nil
		}
		notRunning := &NotRunningError{Instance: inst.Name, Status: status}
		if isStoppedStatus(status) {
			return status, backoff.Permanent(notRunning)
		}
		logger.Debug().Str("status", status).Msg("Instance not running yet")
		return status, notRunning
	}, retryOpts...)
	if err != nil {
		var notRunning *NotRunningError
		if errors.As(err, &notRunning) {
			return engine.NewBackendError(engine.StepWaitReady, OpInstanceStatus, "", notRunning)
		}
		return engine.NewBackendError(engine.StepWaitReady, OpInstanceStatus, "Could not check VM status", err)
	}

	logger.Info().Str("status", status).Msg("Instance is running")
	return nil
}

// ExternalAddress implements engine.Provisioner.
func (a *Adapter) ExternalAddress(ctx context.Context, inst *engine.Instance) (string, error) {
	return a.address(ctx, inst, OpExternalAddress, Backend.ExternalAddress, SimulatedExternalAddress)
}

// InternalAddress implements engine.Provisioner.
func (a *Adapter) InternalAddress(ctx context.Context, inst *engine.Instance) (string, error) {
	return a.address(ctx, inst, OpInternalAddress, Backend.InternalAddress, SimulatedInternalAddress)
}

func (a *Adapter) address(
	ctx context.Context,
	inst *engine.Instance,
	operation string,
	lookup func(Backend, context.Context, *engine.Instance) (string, error),
	simulated string,
) (string, error) {
	backend := a.backendFor(inst)
	if backend.Name() == BackendSimulated {
		return lookup(backend, ctx, inst)
	}

	var addr string
	err := telemetry.RecordBackendOperation(ctx, backend.Name(), operation, func(ctx context.Context) error {
		var err error
		addr, err = lookup(backend, ctx, inst)
		return err
	})
	if err != nil {
		a.fallback(ctx, operation, err, inst.Name)
		return simulated, nil
	}
	return addr, nil
}

func (a *Adapter) fallback(ctx context.Context, operation string, err error, instance string) {
	a.logger.Warn().
		Err(err).
		Str("backend", a.active.Name()).
		Str("operation", operation).
		Str("vm_instance", instance).
		Msg("Backend call failed, falling back to simulation")
	telemetry.RecordBackendFallback(ctx, operation)
}

// NotRunningError reports an instance that did not reach RUNNING.
type NotRunningError struct {
	Instance string
	Status   string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("VM is not running. Status: %s", e.Status)
}

// isStoppedStatus reports statuses an instance does not leave on its own.
func isStoppedStatus(status string) bool {
	switch status {
	case "STOPPING", "STOPPED", "SUSPENDING", "SUSPENDED", "TERMINATED":
		return true
	default:
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
