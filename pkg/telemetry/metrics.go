package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for agentd. All methods are safe on a
// nil receiver and on a disabled instance.
type Metrics struct {
	config MetricsConfig

	// Deployment metrics
	deploymentsStarted   prometheus.Counter
	deploymentsCompleted *prometheus.CounterVec
	deploymentDuration   *prometheus.HistogramVec
	activeDeployments    prometheus.Gauge

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Backend metrics
	backendCalls     *prometheus.CounterVec
	backendDuration  *prometheus.HistogramVec
	backendErrors    *prometheus.CounterVec
	backendFallbacks *prometheus.CounterVec

	// Observer metrics
	connectedObservers prometheus.Gauge
	observerDeliveries *prometheus.CounterVec

	// Completion callback metrics
	completionCallbacks *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploymentsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_started_total",
				Help:      "Total number of deployments started",
			},
		),
		deploymentsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_completed_total",
				Help:      "Total number of deployments that reached a terminal status",
			},
			[]string{"status"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of deployments in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Current number of running deployments",
			},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of workflow steps executed",
			},
			[]string{"step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of workflow steps in seconds",
				Buckets:   buckets,
			},
			[]string{"step"},
		),

		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of provisioning backend calls",
			},
			[]string{"backend", "operation"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Duration of provisioning backend calls in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "operation"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of provisioning backend errors",
			},
			[]string{"backend", "operation"},
		),
		backendFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_fallbacks_total",
				Help:      "Total number of backend calls answered by the simulation backend after a failure",
			},
			[]string{"operation"},
		),

		connectedObservers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected_observers",
				Help:      "Current number of attached observer connections",
			},
		),
		observerDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observer_deliveries_total",
				Help:      "Total number of observer push attempts",
			},
			[]string{"type", "result"},
		),

		completionCallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completion_callbacks_total",
				Help:      "Total number of VM completion callbacks received",
			},
			[]string{"known"},
		),
	}

	registry.MustRegister(
		m.deploymentsStarted,
		m.deploymentsCompleted,
		m.deploymentDuration,
		m.activeDeployments,
		m.stepsExecuted,
		m.stepDuration,
		m.backendCalls,
		m.backendDuration,
		m.backendErrors,
		m.backendFallbacks,
		m.connectedObservers,
		m.observerDeliveries,
		m.completionCallbacks,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Deployment Metrics

// RecordDeploymentStarted increments the started counter and the active gauge.
func (m *Metrics) RecordDeploymentStarted() {
	if !m.enabled() {
		return
	}
	m.deploymentsStarted.Inc()
	m.activeDeployments.Inc()
}

// RecordDeploymentCompleted records a terminal deployment with its status and duration.
func (m *Metrics) RecordDeploymentCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.deploymentsCompleted.WithLabelValues(status).Inc()
	m.deploymentDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeDeployments.Dec()
}

// Step Metrics

// RecordStepExecution records the execution of a workflow step.
func (m *Metrics) RecordStepExecution(step, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsExecuted.WithLabelValues(step, status).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// Backend Metrics

// RecordBackendCall records a backend call with its duration.
func (m *Metrics) RecordBackendCall(backend, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.backendCalls.WithLabelValues(backend, operation).Inc()
	m.backendDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordBackendError records a backend error.
func (m *Metrics) RecordBackendError(backend, operation string) {
	if !m.enabled() {
		return
	}
	m.backendErrors.WithLabelValues(backend, operation).Inc()
}

// RecordBackendFallback records a call answered by the simulation backend after a real failure.
func (m *Metrics) RecordBackendFallback(operation string) {
	if !m.enabled() {
		return
	}
	m.backendFallbacks.WithLabelValues(operation).Inc()
}

// Observer Metrics

// SetConnectedObservers sets the current number of attached observers.
func (m *Metrics) SetConnectedObservers(count int) {
	if !m.enabled() {
		return
	}
	m.connectedObservers.Set(float64(count))
}

// RecordObserverDelivery records one push to an observer; result is "sent" or "failed".
func (m *Metrics) RecordObserverDelivery(messageType, result string) {
	if !m.enabled() {
		return
	}
	m.observerDeliveries.WithLabelValues(messageType, result).Inc()
}

// RecordCompletionCallback records a VM completion callback.
func (m *Metrics) RecordCompletionCallback(known bool) {
	if !m.enabled() {
		return
	}
	label := "false"
	if known {
		label = "true"
	}
	m.completionCallbacks.WithLabelValues(label).Inc()
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
