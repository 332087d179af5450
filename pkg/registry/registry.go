// Package registry owns the in-memory deployment records, launches
// orchestration runs and forwards their progress to attached observers.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudvibe/agentd/pkg/engine"
	"github.com/cloudvibe/agentd/pkg/telemetry"
)

// Runner executes one deployment workflow. engine.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, cfg engine.DeploymentConfig, deploymentID string, onProgress engine.ProgressFunc) (*engine.DeploymentResult, error)
}

type record struct {
	deployment *engine.Deployment
	finalized  bool
}

// Registry holds every deployment for the lifetime of the process and the
// observer sink attached to each of them. A single lock guards both maps; no
// network I/O happens while it is held.
type Registry struct {
	runner Runner
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string

	mu      sync.RWMutex
	records map[string]*record
	order   []string
	sinks   map[string]Sink

	wg sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithTelemetry attaches metrics, events and tracing to launched runs.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(r *Registry) {
		r.tel = tel
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIDGenerator overrides deployment id generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		r.newID = gen
	}
}

// New creates an empty registry. runner may be nil if Launch is never used.
func New(runner Runner, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		runner:  runner,
		logger:  logger.With().Str("component", "registry").Logger(),
		now:     time.Now,
		newID:   uuid.NewString,
		records: make(map[string]*record),
		sinks:   make(map[string]Sink),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) metrics() *telemetry.Metrics {
	if r.tel == nil {
		return nil
	}
	return r.tel.Metrics
}

func (r *Registry) events() *telemetry.EventPublisher {
	if r.tel == nil {
		return nil
	}
	return r.tel.Events
}

// Create registers a new deployment in the starting state and returns its id.
func (r *Registry) Create(cfg engine.DeploymentConfig) string {
	id := r.newID()

	d := &engine.Deployment{
		ID:          id,
		Status:      engine.DeploymentStatusStarting,
		Config:      cfg,
		Steps:       []engine.StepEvent{},
		CurrentStep: engine.StepValidate,
		StartTime:   r.now(),
	}

	r.mu.Lock()
	r.records[id] = &record{deployment: d}
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.logger.Debug().Str("deployment_id", id).Str("agent_name", cfg.AgentName).Msg("Deployment created")
	return id
}

// Launch creates a deployment and runs it in the background. The run is
// detached from ctx cancellation; it ends only by completing or failing.
func (r *Registry) Launch(ctx context.Context, cfg engine.DeploymentConfig) string {
	id := r.Create(cfg)

	runCtx := context.WithoutCancel(ctx)
	if r.tel != nil {
		runCtx = r.tel.WithContext(runCtx)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		result, err := r.runner.Run(runCtx, cfg, id, func(ev engine.StepEvent) {
			_ = r.RecordProgress(id, ev)
		})
		_ = r.RecordTerminal(id, result, err)
	}()

	return id
}

// Wait blocks until every launched run has finished or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a snapshot of a deployment.
func (r *Registry) Get(id string) (*engine.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, engine.NewNotFoundError(id)
	}
	return rec.deployment.Clone(), nil
}

// List returns snapshots of all deployments in creation order.
func (r *Registry) List() []*engine.Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*engine.Deployment, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].deployment.Clone())
	}
	return out
}

// Count returns the number of deployments.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// ActiveCount returns the number of deployments not yet completed or failed.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.records {
		if rec.deployment.Status.IsActive() {
			n++
		}
	}
	return n
}

// ObserverCount returns the number of attached observer sinks.
func (r *Registry) ObserverCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// AttachObserver attaches sink to a deployment, replacing and closing any
// sink attached before it.
func (r *Registry) AttachObserver(id string, sink Sink) error {
	r.mu.Lock()
	if _, ok := r.records[id]; !ok {
		r.mu.Unlock()
		return engine.NewNotFoundError(id)
	}
	prev := r.sinks[id]
	r.sinks[id] = sink
	count := len(r.sinks)
	r.mu.Unlock()

	r.metrics().SetConnectedObservers(count)
	r.logger.Debug().Str("deployment_id", id).Msg("Observer attached")

	if prev != nil && prev != sink {
		_ = prev.Close()
	}
	return nil
}

// DetachObserver removes sink if it is still the one attached to id.
func (r *Registry) DetachObserver(id string, sink Sink) {
	r.mu.Lock()
	detached := false
	if cur, ok := r.sinks[id]; ok && cur == sink {
		delete(r.sinks, id)
		detached = true
	}
	count := len(r.sinks)
	r.mu.Unlock()

	if detached {
		r.metrics().SetConnectedObservers(count)
		r.logger.Debug().Str("deployment_id", id).Msg("Observer detached")
	}
}

// RecordProgress appends ev to the deployment, updates its status and
// forwards the event to the attached observer. Events arriving after the
// deployment reached a terminal state are ignored. Delivery failures never
// reach the caller.
func (r *Registry) RecordProgress(id string, ev engine.StepEvent) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return engine.NewNotFoundError(id)
	}
	d := rec.deployment
	if rec.finalized || d.Status.IsTerminal() {
		r.mu.Unlock()
		r.logger.Debug().Str("deployment_id", id).Int("step", int(ev.Step)).Msg("Ignoring progress for finished deployment")
		return nil
	}

	d.Steps = append(d.Steps, ev)
	d.CurrentStep = ev.Step
	if ev.Status == engine.StepStatusFailed || ev.Step == engine.StepUnindexed {
		d.Status = engine.DeploymentStatusFailed
		if ev.Error != "" {
			d.Error = ev.Error
		}
		if d.EndTime == nil {
			t := ev.Timestamp
			if t.IsZero() {
				t = r.now()
			}
			d.EndTime = &t
		}
	} else {
		d.Status = ev.Step.Status()
	}
	sink := r.sinks[id]
	r.mu.Unlock()

	r.deliver(id, sink, Message{
		Type:         MessageDeploymentProgress,
		DeploymentID: id,
		Progress:     &ev,
	})
	return nil
}

// RecordTerminal stores the outcome of a run. Only the first call per
// deployment has an effect.
func (r *Registry) RecordTerminal(id string, result *engine.DeploymentResult, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return engine.NewNotFoundError(id)
	}
	if rec.finalized {
		return nil
	}
	rec.finalized = true

	d := rec.deployment
	if d.EndTime == nil {
		t := r.now()
		d.EndTime = &t
	}

	logger := r.logger.With().Str("deployment_id", id).Logger()
	if runErr != nil {
		d.Status = engine.DeploymentStatusFailed
		d.Error = runErr.Error()
		logger.Info().Str("error", d.Error).Msg("Deployment failed")
		return nil
	}

	d.Status = engine.DeploymentStatusCompleted
	if result != nil {
		res := *result
		d.Result = &res
	}
	logger.Info().Dur("duration", d.EndTime.Sub(d.StartTime)).Msg("Deployment completed")
	return nil
}

// RecordExternalCompletion stores the completion report sent by the
// provisioned instance. The last report wins. Unknown ids are ignored and
// reported as false.
func (r *Registry) RecordExternalCompletion(id, status, message string) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	var sink Sink
	if ok {
		d := rec.deployment
		t := r.now()
		d.VMStatus = status
		d.VMMessage = message
		d.VMCompletedAt = &t
		sink = r.sinks[id]
	}
	r.mu.Unlock()

	r.metrics().RecordCompletionCallback(ok)
	_ = r.events().PublishVMCompletion(id, status, message, ok)

	if !ok {
		r.logger.Warn().Str("deployment_id", id).Str("status", status).Msg("Completion report for unknown deployment")
		return false
	}

	r.logger.Info().Str("deployment_id", id).Str("status", status).Str("message", message).Msg("VM reported completion")
	r.deliver(id, sink, Message{
		Type:         MessageVMCompletion,
		DeploymentID: id,
		Status:       status,
		Message:      message,
	})
	return true
}

// deliver pushes msg to sink. A failing sink is detached and closed.
func (r *Registry) deliver(id string, sink Sink, msg Message) {
	if sink == nil {
		return
	}

	if err := sink.Send(msg); err != nil {
		r.metrics().RecordObserverDelivery(msg.Type, "failed")
		r.logger.Warn().Err(err).Str("deployment_id", id).Str("type", msg.Type).Msg("Observer delivery failed, detaching")
		r.DetachObserver(id, sink)
		_ = sink.Close()
		return
	}
	r.metrics().RecordObserverDelivery(msg.Type, "sent")
}
