package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Events.EnableAsync = false
	return cfg
}

func newTestTelemetry(t *testing.T, cfg *Config) (*Telemetry, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	tel, err := NewTelemetryWithLogger(cfg, NewLoggerWithWriter(cfg.Logging, buf))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel, buf
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production needs endpoint", mutate: func(c *Config) {
			*c = *ProductionConfig()
		}, wantErr: "trace endpoint"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: "invalid trace exporter"},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{name: "empty buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: "buffer size"},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDeploymentStarted()
		m.RecordDeploymentCompleted("completed", time.Second)
		m.RecordStepExecution("validate", "completed", time.Second)
		m.RecordBackendCall("gce", "get-instance", time.Second)
		m.RecordBackendError("gce", "get-instance")
		m.RecordBackendFallback("create-instance")
		m.SetConnectedObservers(3)
		m.RecordObserverDelivery("deployment-progress", "sent")
		m.RecordCompletionCallback(true)
	})

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)
	disabled.RecordDeploymentStarted()

	rec := httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsExposition(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	m.RecordDeploymentStarted()
	m.RecordDeploymentCompleted("failed", 2*time.Second)
	m.RecordBackendFallback("create-instance")
	m.RecordCompletionCallback(false)
	m.SetConnectedObservers(2)

	body := scrape(t, m)
	assert.Contains(t, body, "agentd_deployments_started_total 1")
	assert.Contains(t, body, `agentd_deployments_completed_total{status="failed"} 1`)
	assert.Contains(t, body, `agentd_backend_fallbacks_total{operation="create-instance"} 1`)
	assert.Contains(t, body, `agentd_completion_callbacks_total{known="false"} 1`)
	assert.Contains(t, body, "agentd_connected_observers 2")
	assert.Contains(t, body, "agentd_active_deployments 0")
}

func TestEventPublisherSyncDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, MaxBatchSize: 10})
	require.NoError(t, err)

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeDeploymentFailed))
	var all []Event
	ep.Subscribe(func(e Event) { all = append(all, e) }, FilterByDeploymentID("d-1"))

	require.NoError(t, ep.PublishDeploymentStarted("d-1", "edge"))
	require.NoError(t, ep.PublishDeploymentFailed("d-1", "boom"))
	require.NoError(t, ep.PublishDeploymentFailed("d-2", "boom"))

	require.Len(t, got, 2)
	assert.Equal(t, "d-1", got[0].DeploymentID)
	assert.Equal(t, EventLevelError, got[0].Level)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())

	require.Len(t, all, 2)
	assert.Equal(t, EventTypeDeploymentStarted, all[0].Type)
}

func TestFilterByLevel(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, MaxBatchSize: 10})
	require.NoError(t, err)

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type+"/"+e.Level) }, FilterByLevel(EventLevelWarning))

	require.NoError(t, ep.PublishDeploymentStarted("d-1", "edge"))
	require.NoError(t, ep.PublishDeploymentStep("d-1", "create-vm", "completed", time.Second))
	require.NoError(t, ep.PublishDeploymentStep("d-1", "wait-ready", "failed", time.Second))
	require.NoError(t, ep.PublishDeploymentFailed("d-1", "boom"))
	require.NoError(t, ep.PublishVMCompletion("d-1", "completed", "ok", true))
	require.NoError(t, ep.PublishVMCompletion("nope", "completed", "ok", false))

	assert.Equal(t, []string{
		EventTypeDeploymentStep + "/" + EventLevelWarning,
		EventTypeDeploymentFailed + "/" + EventLevelError,
		EventTypeVMCompletion + "/" + EventLevelWarning,
	}, got)
}

func TestTraceID(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "deployment")
	defer span.End()

	id := TraceID(ctx)
	assert.Len(t, id, 32)
	assert.Equal(t, span.SpanContext().TraceID().String(), id)
}

func TestEventPublisherAsyncShutdownDrains(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    100,
		MaxBatchSize:  50,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, ep.PublishVMCompletion("d-1", "completed", "ok", true))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ep.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count)

	assert.Error(t, ep.PublishDeploymentFailed("d-1", "late"))
}

func TestNilEventPublisher(t *testing.T) {
	var ep *EventPublisher
	assert.NoError(t, ep.PublishDeploymentStarted("d", "a"))
	assert.NoError(t, ep.Shutdown(context.Background()))
	ep.Subscribe(func(Event) {}, nil)
}

func TestContextHelpersWithoutTelemetry(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, ctx, WithDeploymentContext(ctx, "d-1", "edge"))
	assert.Equal(t, ctx, WithStepContext(ctx, "d-1", "validate"))
	EndStepContext(ctx, "d-1", "validate", "completed", nil)
	EndDeploymentContext(ctx, "d-1", "completed", nil)
	RecordBackendFallback(ctx, "create-instance")

	called := false
	err := RecordBackendOperation(ctx, "gce", "get-instance", func(context.Context) error {
		called = true
		return errors.New("unavailable")
	})
	assert.True(t, called)
	assert.EqualError(t, err, "unavailable")
}

func TestDeploymentContextRecordsTelemetry(t *testing.T) {
	tel, _ := newTestTelemetry(t, testConfig())

	var events []Event
	tel.Events.Subscribe(func(e Event) { events = append(events, e) }, nil)

	ctx := tel.WithContext(context.Background())
	ctx = WithDeploymentContext(ctx, "d-1", "edge")

	stepCtx := WithStepContext(ctx, "d-1", "validate")
	EndStepContext(stepCtx, "d-1", "validate", "completed", nil)

	err := RecordBackendOperation(ctx, "gce", "create-instance", func(context.Context) error {
		return errors.New("quota")
	})
	require.Error(t, err)
	RecordBackendFallback(ctx, "create-instance")

	EndDeploymentContext(ctx, "d-1", "failed", errors.New("VM is not running"))

	body := scrape(t, tel.Metrics)
	assert.Contains(t, body, `agentd_steps_executed_total{status="completed",step="validate"} 1`)
	assert.Contains(t, body, `agentd_backend_errors_total{backend="gce",operation="create-instance"} 1`)
	assert.Contains(t, body, `agentd_deployments_completed_total{status="failed"} 1`)

	require.Len(t, events, 3)
	assert.Equal(t, EventTypeDeploymentStarted, events[0].Type)
	assert.Equal(t, EventTypeDeploymentStep, events[1].Type)
	assert.Equal(t, EventTypeDeploymentFailed, events[2].Type)
}

func TestLoggerFields(t *testing.T) {
	cfg := testConfig().Logging
	buf := &bytes.Buffer{}
	logger := NewLoggerWithWriter(cfg, buf).
		NewComponentLogger("registry").
		WithDeploymentID("d-1").
		WithBackend("simulated", "wait-ready")

	logger.Info("hello")

	out := buf.String()
	assert.Contains(t, out, `"component":"registry"`)
	assert.Contains(t, out, `"deployment_id":"d-1"`)
	assert.Contains(t, out, `"backend":"simulated"`)
	assert.Contains(t, out, `"operation":"wait-ready"`)
	assert.Contains(t, out, `"message":"hello"`)
}

func TestLogSubscriber(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLoggerWithWriter(testConfig().Logging, buf)

	LogSubscriber(logger)(Event{
		Type:         EventTypeDeploymentFailed,
		DeploymentID: "d-9",
		Level:        EventLevelError,
		Message:      "Deployment d-9 failed",
	})

	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), `"event_type":"deployment.failed"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", ParseLevel("debug").String())
	assert.Equal(t, "info", ParseLevel("nonsense").String())
}
