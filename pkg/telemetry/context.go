package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	return newTelemetry(cfg, logger)
}

// NewTelemetryWithLogger creates a telemetry instance around an existing logger.
func NewTelemetryWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

type deploymentSpanKey struct{}
type deploymentTimerKey struct{}
type stepSpanKey struct{}
type stepTimerKey struct{}

// WithDeploymentContext creates a context enriched with deployment telemetry:
// a root span, a deployment logger, the started metric and event.
func WithDeploymentContext(ctx context.Context, deploymentID, agentName string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartDeploymentSpan(ctx, deploymentID, agentName)

	logger := tel.Logger.WithDeploymentID(deploymentID)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordDeploymentStarted()
	_ = tel.Events.PublishDeploymentStarted(deploymentID, agentName)

	spanCtx = context.WithValue(spanCtx, deploymentSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, deploymentTimerKey{}, NewTimer())
	return spanCtx
}

// EndDeploymentContext completes the deployment context, recording metrics and events.
func EndDeploymentContext(ctx context.Context, deploymentID, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(deploymentSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var duration time.Duration
	if timer, ok := ctx.Value(deploymentTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	tel.Metrics.RecordDeploymentCompleted(status, duration)

	if err != nil {
		_ = tel.Events.PublishDeploymentFailed(deploymentID, err.Error())
	} else {
		_ = tel.Events.PublishDeploymentCompleted(deploymentID, duration)
	}
}

// WithStepContext creates a context enriched with step telemetry.
func WithStepContext(ctx context.Context, deploymentID, step string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartStepSpan(ctx, deploymentID, step)
	logger := FromContext(ctx).WithStep(step)
	spanCtx = logger.WithContext(spanCtx)

	spanCtx = context.WithValue(spanCtx, stepSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, stepTimerKey{}, NewTimer())
	return spanCtx
}

// EndStepContext completes the step context, recording metrics and events.
func EndStepContext(ctx context.Context, deploymentID, step, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(stepSpanKey{}).(trace.Span); ok {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var duration time.Duration
	if timer, ok := ctx.Value(stepTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	tel.Metrics.RecordStepExecution(step, status, duration)
	_ = tel.Events.PublishDeploymentStep(deploymentID, step, status, duration)
}

// RecordBackendOperation runs fn as a traced and measured backend call.
func RecordBackendOperation(ctx context.Context, backend, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartBackendSpan(ctx, backend, operation)
		defer span.End()
	}

	timer := NewTimer()
	err := fn(ctx)

	if tel != nil {
		tel.Metrics.RecordBackendCall(backend, operation, timer.Duration())
		if err != nil {
			tel.Metrics.RecordBackendError(backend, operation)
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}

// RecordBackendFallback counts a call answered by the simulation backend after a real failure.
func RecordBackendFallback(ctx context.Context, operation string) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordBackendFallback(operation)
	}
}
