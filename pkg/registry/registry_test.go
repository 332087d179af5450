package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudvibe/agentd/pkg/engine"
	"github.com/cloudvibe/agentd/pkg/provisioning"
	"github.com/cloudvibe/agentd/pkg/startup"
	"github.com/cloudvibe/agentd/pkg/telemetry"
)

type fakeSink struct {
	mu      sync.Mutex
	msgs    []Message
	sendErr error
	closed  bool
}

func (s *fakeSink) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// echoRunner emits an in-progress and a completed event per step, tagging
// every message with the deployment id.
type echoRunner struct {
	err   error
	delay time.Duration
}

func (r echoRunner) Run(ctx context.Context, _ engine.DeploymentConfig, id string, onProgress engine.ProgressFunc) (*engine.DeploymentResult, error) {
	for step := engine.StepValidate; step < engine.StepCount; step++ {
		onProgress(engine.StepEvent{Step: step, Message: id, Percentage: int(step) * 20, Status: engine.StepStatusInProgress})
		if r.delay > 0 {
			time.Sleep(r.delay)
		}
		if r.err != nil && step == engine.StepWaitReady {
			onProgress(engine.StepEvent{Step: engine.StepUnindexed, Message: id, Status: engine.StepStatusFailed, Error: r.err.Error()})
			return nil, r.err
		}
		onProgress(engine.StepEvent{Step: step, Message: id, Percentage: int(step)*20 + 20, Status: engine.StepStatusCompleted})
	}
	return &engine.DeploymentResult{DeploymentID: id, VMInstanceName: "edge-" + id}, nil
}

func edgeConfig() engine.DeploymentConfig {
	return engine.DeploymentConfig{
		AgentName:  "edge",
		Network:    "default",
		Subnetwork: "default-us-central1",
		ProjectID:  "demo",
	}
}

func waitAll(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestCreateAndGet(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r := New(nil, zerolog.Nop(), WithClock(func() time.Time { return now }), WithIDGenerator(func() string { return "d-1" }))

	id := r.Create(edgeConfig())
	assert.Equal(t, "d-1", id)

	d, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, engine.DeploymentStatusStarting, d.Status)
	assert.Equal(t, now, d.StartTime)
	assert.NotNil(t, d.Steps)
	assert.Empty(t, d.Steps)
	assert.Nil(t, d.EndTime)

	_, err = r.Get("nope")
	assert.True(t, engine.IsNotFound(err))
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestGetReturnsSnapshot(t *testing.T) {
	r := New(nil, zerolog.Nop())
	id := r.Create(edgeConfig())

	d, err := r.Get(id)
	require.NoError(t, err)
	d.Steps = append(d.Steps, engine.StepEvent{Message: "mutated"})
	d.Status = engine.DeploymentStatusCompleted

	again, err := r.Get(id)
	require.NoError(t, err)
	assert.Empty(t, again.Steps)
	assert.Equal(t, engine.DeploymentStatusStarting, again.Status)
}

func TestListKeepsCreationOrder(t *testing.T) {
	n := 0
	r := New(nil, zerolog.Nop(), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("d-%d", n)
	}))
	for range 3 {
		r.Create(edgeConfig())
	}

	var ids []string
	for _, d := range r.List() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"d-1", "d-2", "d-3"}, ids)
	assert.Equal(t, 3, r.Count())
	assert.Equal(t, 3, r.ActiveCount())
}

func TestRecordProgressUpdatesStatus(t *testing.T) {
	r := New(nil, zerolog.Nop())
	id := r.Create(edgeConfig())

	tests := []struct {
		ev   engine.StepEvent
		want engine.DeploymentStatus
	}{
		{engine.StepEvent{Step: engine.StepValidate, Status: engine.StepStatusInProgress}, engine.DeploymentStatusValidating},
		{engine.StepEvent{Step: engine.StepCreateVM, Status: engine.StepStatusInProgress}, engine.DeploymentStatusCreatingVM},
		{engine.StepEvent{Step: engine.StepWaitReady, Status: engine.StepStatusCompleted}, engine.DeploymentStatusWaitingReady},
		{engine.StepEvent{Step: engine.StepInstallAgent, Status: engine.StepStatusInProgress}, engine.DeploymentStatusInstallingAgent},
		{engine.StepEvent{Step: engine.StepStartServices, Status: engine.StepStatusCompleted}, engine.DeploymentStatusStartingServices},
	}
	for _, tt := range tests {
		require.NoError(t, r.RecordProgress(id, tt.ev))
		d, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, d.Status)
		assert.Equal(t, tt.ev.Step, d.CurrentStep)
	}

	d, _ := r.Get(id)
	assert.Len(t, d.Steps, len(tests))

	assert.True(t, engine.IsNotFound(r.RecordProgress("nope", engine.StepEvent{})))
}

func TestFailureEventFinishesDeployment(t *testing.T) {
	r := New(nil, zerolog.Nop())
	id := r.Create(edgeConfig())

	require.NoError(t, r.RecordProgress(id, engine.StepEvent{Step: engine.StepCreateVM, Status: engine.StepStatusInProgress}))
	require.NoError(t, r.RecordProgress(id, engine.StepEvent{
		Step:   engine.StepUnindexed,
		Status: engine.StepStatusFailed,
		Error:  "boom",
	}))

	d, _ := r.Get(id)
	assert.Equal(t, engine.DeploymentStatusFailed, d.Status)
	assert.Equal(t, engine.StepUnindexed, d.CurrentStep)
	assert.Equal(t, "boom", d.Error)
	require.NotNil(t, d.EndTime)

	// Later progress is ignored.
	require.NoError(t, r.RecordProgress(id, engine.StepEvent{Step: engine.StepWaitReady, Status: engine.StepStatusInProgress}))
	d, _ = r.Get(id)
	assert.Len(t, d.Steps, 2)
	assert.Equal(t, engine.DeploymentStatusFailed, d.Status)
	assert.Zero(t, r.ActiveCount())
}

func TestRecordTerminalAppliesOnce(t *testing.T) {
	r := New(nil, zerolog.Nop())
	id := r.Create(edgeConfig())

	res := &engine.DeploymentResult{DeploymentID: id, VMInstanceName: "edge-1"}
	require.NoError(t, r.RecordTerminal(id, res, nil))
	require.NoError(t, r.RecordTerminal(id, nil, errors.New("late failure")))

	d, _ := r.Get(id)
	assert.Equal(t, engine.DeploymentStatusCompleted, d.Status)
	assert.Empty(t, d.Error)
	require.NotNil(t, d.Result)
	assert.Equal(t, "edge-1", d.Result.VMInstanceName)
	require.NotNil(t, d.EndTime)

	res.VMInstanceName = "changed"
	d, _ = r.Get(id)
	assert.Equal(t, "edge-1", d.Result.VMInstanceName)

	require.NoError(t, r.RecordProgress(id, engine.StepEvent{Step: engine.StepValidate}))
	d, _ = r.Get(id)
	assert.Empty(t, d.Steps)

	assert.True(t, engine.IsNotFound(r.RecordTerminal("nope", nil, nil)))
}

func TestRecordTerminalFailure(t *testing.T) {
	r := New(nil, zerolog.Nop())
	id := r.Create(edgeConfig())

	require.NoError(t, r.RecordTerminal(id, nil, engine.NewValidationError("agentName")))

	d, _ := r.Get(id)
	assert.Equal(t, engine.DeploymentStatusFailed, d.Status)
	assert.Equal(t, "Missing required field: agentName", d.Error)
	assert.Nil(t, d.Result)
}

func TestRecordExternalCompletionLastWriteWins(t *testing.T) {
	r := New(nil, zerolog.Nop())
	id := r.Create(edgeConfig())
	sink := &fakeSink{}
	require.NoError(t, r.AttachObserver(id, sink))

	assert.True(t, r.RecordExternalCompletion(id, "completed", "first"))
	assert.True(t, r.RecordExternalCompletion(id, "failed", "second"))

	d, _ := r.Get(id)
	assert.Equal(t, "failed", d.VMStatus)
	assert.Equal(t, "second", d.VMMessage)
	assert.NotNil(t, d.VMCompletedAt)
	assert.Equal(t, engine.DeploymentStatusStarting, d.Status, "completion report does not touch the workflow status")

	msgs := sink.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Type: MessageVMCompletion, DeploymentID: id, Status: "failed", Message: "second"}, msgs[1])

	assert.False(t, r.RecordExternalCompletion("unknown", "completed", "ok"))
	assert.Equal(t, 1, r.Count())
}

func TestObserverReceivesProgress(t *testing.T) {
	r := New(nil, zerolog.Nop())
	id := r.Create(edgeConfig())
	sink := &fakeSink{}
	require.NoError(t, r.AttachObserver(id, sink))
	assert.Equal(t, 1, r.ObserverCount())

	ev := engine.StepEvent{Step: engine.StepValidate, Message: "Validating", Percentage: 10, Status: engine.StepStatusInProgress}
	require.NoError(t, r.RecordProgress(id, ev))

	msgs := sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageDeploymentProgress, msgs[0].Type)
	assert.Equal(t, id, msgs[0].DeploymentID)
	require.NotNil(t, msgs[0].Progress)
	assert.Equal(t, ev, *msgs[0].Progress)

	assert.True(t, engine.IsNotFound(r.AttachObserver("nope", &fakeSink{})))
}

func TestFailingSinkIsDetached(t *testing.T) {
	r := New(nil, zerolog.Nop())
	id := r.Create(edgeConfig())
	sink := &fakeSink{sendErr: errors.New("broken pipe")}
	require.NoError(t, r.AttachObserver(id, sink))

	require.NoError(t, r.RecordProgress(id, engine.StepEvent{Step: engine.StepValidate}))
	assert.Zero(t, r.ObserverCount())
	assert.True(t, sink.isClosed())

	d, _ := r.Get(id)
	assert.Len(t, d.Steps, 1, "the record is updated even when delivery fails")
}

func TestAttachReplacesObserver(t *testing.T) {
	r := New(nil, zerolog.Nop())
	id := r.Create(edgeConfig())
	first, second := &fakeSink{}, &fakeSink{}

	require.NoError(t, r.AttachObserver(id, first))
	require.NoError(t, r.AttachObserver(id, second))
	assert.True(t, first.isClosed())
	assert.Equal(t, 1, r.ObserverCount())

	// Detaching a stale sink leaves the current one attached.
	r.DetachObserver(id, first)
	assert.Equal(t, 1, r.ObserverCount())

	require.NoError(t, r.RecordProgress(id, engine.StepEvent{Step: engine.StepValidate}))
	assert.Empty(t, first.messages())
	assert.Len(t, second.messages(), 1)

	r.DetachObserver(id, second)
	assert.Zero(t, r.ObserverCount())
}

func TestLaunchRunsInBackground(t *testing.T) {
	r := New(echoRunner{}, zerolog.Nop())

	id := r.Launch(context.Background(), edgeConfig())
	waitAll(t, r)

	d, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, engine.DeploymentStatusCompleted, d.Status)
	assert.Len(t, d.Steps, 2*engine.StepCount)
	require.NotNil(t, d.Result)
	assert.Equal(t, "edge-"+id, d.Result.VMInstanceName)
}

func TestLaunchSurvivesCallerCancellation(t *testing.T) {
	r := New(echoRunner{delay: time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	id := r.Launch(ctx, edgeConfig())
	cancel()
	waitAll(t, r)

	d, _ := r.Get(id)
	assert.Equal(t, engine.DeploymentStatusCompleted, d.Status)
}

func TestLaunchFailure(t *testing.T) {
	r := New(echoRunner{err: errors.New("VM is not running. Status: TERMINATED")}, zerolog.Nop())

	id := r.Launch(context.Background(), edgeConfig())
	waitAll(t, r)

	d, _ := r.Get(id)
	assert.Equal(t, engine.DeploymentStatusFailed, d.Status)
	assert.Equal(t, "VM is not running. Status: TERMINATED", d.Error)
	assert.Equal(t, engine.StepWaitReady, d.CurrentStep)
	last := d.Steps[len(d.Steps)-1]
	assert.Equal(t, engine.StepUnindexed, last.Step)
}

func TestConcurrentDeploymentsDoNotInterleave(t *testing.T) {
	r := New(echoRunner{delay: time.Millisecond}, zerolog.Nop())

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i] = r.Launch(context.Background(), edgeConfig())
		}()
	}
	wg.Wait()

	// Concurrent readers and completion reports while runs progress.
	for _, id := range ids {
		go r.RecordExternalCompletion(id, "completed", "ok")
		go func() { _, _ = r.Get(id) }()
		go r.List()
	}
	waitAll(t, r)

	for _, id := range ids {
		d, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, engine.DeploymentStatusCompleted, d.Status)
		require.Len(t, d.Steps, 2*engine.StepCount)
		for _, ev := range d.Steps {
			assert.Equal(t, id, ev.Message)
		}
	}
	assert.Zero(t, r.ActiveCount())
}

func TestWaitHonorsContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := New(blockingRunner{block}, zerolog.Nop())
	r.Launch(context.Background(), edgeConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)
}

type blockingRunner struct{ block chan struct{} }

func (b blockingRunner) Run(context.Context, engine.DeploymentConfig, string, engine.ProgressFunc) (*engine.DeploymentResult, error) {
	<-b.block
	return nil, errors.New("stopped")
}

func newSimulatedRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	adapter := provisioning.NewAdapter(provisioning.NewSimulatedBackend(), zerolog.Nop(), provisioning.WithReadyDelay(0))
	orch := engine.NewOrchestrator(adapter, startup.NewTemplater(nil, "http://agentd.test/api/v1/monitoring"), zerolog.Nop(),
		engine.WithTimings(engine.Timings{}))
	return New(orch, zerolog.Nop(), opts...)
}

func TestEndToEndSimulatedDeployment(t *testing.T) {
	r := newSimulatedRegistry(t)
	sink := &fakeSink{}

	id := r.Launch(context.Background(), edgeConfig())
	_ = r.AttachObserver(id, sink)
	waitAll(t, r)

	d, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, engine.DeploymentStatusCompleted, d.Status)
	require.NotNil(t, d.Result)
	assert.True(t, strings.HasPrefix(d.Result.VMInstanceName, "edge-"))
	assert.Equal(t, provisioning.SimulatedExternalAddress, d.Result.ExternalAddress)
	assert.Equal(t, "agent-"+d.Result.VMInstanceName, d.Result.AgentID)

	last := 0
	for _, ev := range d.Steps {
		assert.GreaterOrEqual(t, ev.Percentage, last)
		last = ev.Percentage
	}
	final := d.Steps[len(d.Steps)-1]
	assert.Equal(t, 100, final.Percentage)
	assert.Equal(t, engine.StepStatusCompleted, final.Status)
}

func TestEndToEndMissingAgentName(t *testing.T) {
	r := newSimulatedRegistry(t)

	cfg := edgeConfig()
	cfg.AgentName = ""
	cfg.Subnetwork = "x"
	id := r.Launch(context.Background(), cfg)
	waitAll(t, r)

	d, _ := r.Get(id)
	assert.Equal(t, engine.DeploymentStatusFailed, d.Status)
	assert.Contains(t, d.Error, "agentName")
	assert.Equal(t, engine.StepUnindexed, d.CurrentStep)

	terminal := 0
	for _, ev := range d.Steps {
		if ev.Step == engine.StepUnindexed {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
}

func TestLaunchRecordsTelemetry(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetryWithLogger(cfg, telemetry.NewLoggerWithWriter(cfg.Logging, io.Discard))
	require.NoError(t, err)

	var mu sync.Mutex
	var types []string
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
	}, telemetry.FilterByType(telemetry.EventTypeDeploymentStarted, telemetry.EventTypeDeploymentCompleted, telemetry.EventTypeVMCompletion))

	r := newSimulatedRegistry(t, WithTelemetry(tel))
	id := r.Launch(context.Background(), edgeConfig())
	waitAll(t, r)
	r.RecordExternalCompletion(id, "completed", "done")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		telemetry.EventTypeDeploymentStarted,
		telemetry.EventTypeDeploymentCompleted,
		telemetry.EventTypeVMCompletion,
	}, types)
}
