// Package telemetry provides observability instrumentation for agentd.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event bus.
//
// # Usage
//
// Initialize telemetry at process start and carry it in the context:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// # Deployment Instrumentation
//
// The orchestrator brackets every deployment and every step:
//
//	ctx = telemetry.WithDeploymentContext(ctx, deploymentID, agentName)
//	stepCtx := telemetry.WithStepContext(ctx, deploymentID, "create-vm")
//	...
//	telemetry.EndStepContext(stepCtx, deploymentID, "create-vm", "completed", nil)
//	telemetry.EndDeploymentContext(ctx, deploymentID, "completed", nil)
//
// Provisioning backends wrap each remote call:
//
//	err := telemetry.RecordBackendOperation(ctx, "gce", "create-instance", func(ctx context.Context) error {
//	    return client.Insert(ctx, req)
//	})
//
// Every helper is a no-op when the context carries no Telemetry, and every
// Metrics and EventPublisher method is safe on a nil or disabled instance.
//
// # Metrics
//
// Metrics live in a private registry exposed through Metrics.Handler, which
// the API server mounts at the configured path:
//
//   - agentd_deployments_started_total, agentd_deployments_completed_total{status}
//   - agentd_deployment_duration_seconds{status}, agentd_active_deployments
//   - agentd_steps_executed_total{step,status}, agentd_step_duration_seconds{step}
//   - agentd_backend_calls_total, agentd_backend_errors_total{backend,operation}
//   - agentd_backend_fallbacks_total{operation}
//   - agentd_connected_observers, agentd_observer_deliveries_total{type,result}
//   - agentd_completion_callbacks_total{known}
//
// # Events
//
// EventPublisher buffers events and delivers them to subscribers from a
// single goroutine, in batches bounded by MaxBatchSize and flushed every
// FlushInterval. LogSubscriber turns events into log lines.
package telemetry
