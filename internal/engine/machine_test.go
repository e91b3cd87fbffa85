package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/internal/audit"
	"github.com/kestrelsec/kestrel/internal/capability"
	"github.com/kestrelsec/kestrel/internal/expressions"
	"github.com/kestrelsec/kestrel/internal/runctx"
	"github.com/kestrelsec/kestrel/pkg/schema"
)

// stubCap is a scriptable capability for machine tests.
type stubCap struct {
	name string
	fn   func(ctx context.Context, input capability.Input) (*capability.Output, error)
}

func (s *stubCap) Name() string                    { return s.name }
func (s *stubCap) Describe() capability.Descriptor { return capability.Descriptor{} }
func (s *stubCap) Validate(map[string]any) error   { return nil }
func (s *stubCap) Execute(ctx context.Context, input capability.Input) (*capability.Output, error) {
	return s.fn(ctx, input)
}

func okResult(data string) func(context.Context, capability.Input) (*capability.Output, error) {
	return func(context.Context, capability.Input) (*capability.Output, error) {
		return &capability.Output{Data: json.RawMessage(data)}, nil
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(t *testing.T, caps *capability.Registry, sink audit.Sink) *Machine {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewMachine(MachineConfig{
		Capabilities: caps,
		CEL:          cel,
		Sink:         sink,
		Logger:       testLogger(),
		MaxParallel:  4,
	})
}

func newTestRun(t *testing.T, def *schema.WorkflowDefinition, params map[string]any) *Run {
	t.Helper()
	plan, err := BuildPlan(def)
	require.NoError(t, err)
	rc, err := runctx.New(params)
	require.NoError(t, err)
	return newRun("run-1", def, plan, params, rc)
}

func registerStubs(t *testing.T, stubs ...*stubCap) *capability.Registry {
	t.Helper()
	caps := capability.NewRegistry()
	for _, s := range stubs {
		require.NoError(t, caps.Register(s))
	}
	return caps
}

func stepStatuses(snap Snapshot) map[string]schema.StepStatus {
	out := make(map[string]schema.StepStatus, len(snap.Steps))
	for _, s := range snap.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func eventTypes(events []audit.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestMachine_SuccessAndContextPropagation(t *testing.T) {
	var received map[string]any
	caps := registerStubs(t,
		&stubCap{name: "scan", fn: okResult(`{"value": 42, "host": "10.0.0.5"}`)},
		&stubCap{name: "report", fn: func(ctx context.Context, input capability.Input) (*capability.Output, error) {
			received = input.Params
			return &capability.Output{Data: json.RawMessage(`{"sent": true}`)}, nil
		}},
	)

	def := defWithSteps(
		schema.StepDefinition{Name: "scan", Capability: "scan"},
		schema.StepDefinition{Name: "report", Capability: "report", Params: map[string]any{
			"target": "${{ steps.scan.result.host }}",
			"count":  "${{ steps.scan.result.value }}",
		}},
	)

	sink := audit.NewMemorySink()
	m := newTestMachine(t, caps, sink)
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Equal(t, schema.StepStatusCompleted, stepStatuses(snap)["scan"])
	assert.Equal(t, schema.StepStatusCompleted, stepStatuses(snap)["report"])
	assert.False(t, snap.StartedAt.IsZero())
	assert.False(t, snap.FinishedAt.IsZero())

	// Downstream params were interpolated from upstream results.
	require.NotNil(t, received)
	assert.Equal(t, "10.0.0.5", received["target"])
	assert.Equal(t, float64(42), received["count"])

	// The completed run exposes per-step results.
	results := run.Results()
	scan, ok := results["scan"].(map[string]any)
	require.True(t, ok)
	result, ok := scan["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), result["value"])

	events := sink.ForRun("run-1")
	types := eventTypes(events)
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunCompleted, types[len(types)-1])
	assert.Contains(t, types, schema.EventStepStarted)
	assert.Contains(t, types, schema.EventStepCompleted)

	// The terminal event carries the step dispatch summary.
	final := events[len(events)-1]
	assert.Equal(t, int64(2), final.Detail["steps_dispatched"])
	assert.Equal(t, int64(0), final.Detail["steps_failed"])
}

func TestMachine_RetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	caps := registerStubs(t, &stubCap{name: "flaky", fn: func(context.Context, capability.Input) (*capability.Output, error) {
		if calls.Add(1) < 3 {
			return nil, schema.NewError(schema.ErrCodeExecution, "upstream flapped")
		}
		return &capability.Output{Data: json.RawMessage(`{"ok": true}`)}, nil
	}})

	def := defWithSteps(schema.StepDefinition{
		Name: "flaky", Capability: "flaky",
		Retry: &schema.RetryPolicy{MaxAttempts: 3, BackoffBase: "1ms", BackoffMultiplier: 2},
	})

	sink := audit.NewMemorySink()
	m := newTestMachine(t, caps, sink)
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, snap.Steps[0].Attempts)

	retried := 0
	for _, ev := range sink.ForRun("run-1") {
		if ev.Type == schema.EventStepRetried {
			retried++
		}
	}
	assert.Equal(t, 2, retried)
}

func TestMachine_RetryExhaustionRunsCleanupOnce(t *testing.T) {
	var calls, cleanups atomic.Int32
	caps := registerStubs(t,
		&stubCap{name: "broken", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			calls.Add(1)
			return nil, schema.NewError(schema.ErrCodeExecution, "backend down")
		}},
		&stubCap{name: "teardown", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			cleanups.Add(1)
			return &capability.Output{}, nil
		}},
	)

	def := defWithSteps(schema.StepDefinition{
		Name: "broken", Capability: "broken",
		Retry:   &schema.RetryPolicy{MaxAttempts: 3, BackoffBase: "1ms"},
		Cleanup: &schema.CleanupSpec{Capability: "teardown"},
	})

	sink := audit.NewMemorySink()
	m := newTestMachine(t, caps, sink)
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(1), cleanups.Load(), "cleanup must run exactly once")
	assert.Contains(t, snap.Steps[0].Error, schema.ErrCodeRetryExhausted)
	assert.Contains(t, snap.Error, schema.ErrCodeRetryExhausted)
}

func TestMachine_NonRetryableFailsImmediately(t *testing.T) {
	var calls, cleanups atomic.Int32
	caps := registerStubs(t,
		&stubCap{name: "strict", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			calls.Add(1)
			return nil, schema.NewError(schema.ErrCodeValidation, "bad input")
		}},
		&stubCap{name: "teardown", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			cleanups.Add(1)
			return &capability.Output{}, nil
		}},
	)

	def := defWithSteps(schema.StepDefinition{
		Name: "strict", Capability: "strict",
		Retry:   &schema.RetryPolicy{MaxAttempts: 5, BackoffBase: "1ms"},
		Cleanup: &schema.CleanupSpec{Capability: "teardown"},
	})

	m := newTestMachine(t, caps, audit.NewMemorySink())
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
	assert.Equal(t, int32(1), calls.Load(), "validation errors are not retried")
	assert.Equal(t, int32(1), cleanups.Load())
	assert.Contains(t, snap.Steps[0].Error, schema.ErrCodeValidation)
}

func TestMachine_PreconditionFalseSkipsStep(t *testing.T) {
	var reportCalls atomic.Int32
	caps := registerStubs(t,
		&stubCap{name: "scan", fn: okResult(`{"severity": "low"}`)},
		&stubCap{name: "page", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			reportCalls.Add(1)
			return &capability.Output{}, nil
		}},
	)

	def := defWithSteps(
		schema.StepDefinition{Name: "scan", Capability: "scan"},
		schema.StepDefinition{
			Name: "page", Capability: "page",
			Precondition: `steps.scan.result.severity == "high"`,
		},
	)

	sink := audit.NewMemorySink()
	m := newTestMachine(t, caps, sink)
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusCompleted, snap.Status, "a skipped step does not fail the run")
	assert.Equal(t, schema.StepStatusSkipped, stepStatuses(snap)["page"])
	assert.Equal(t, int32(0), reportCalls.Load())
	assert.Contains(t, eventTypes(sink.ForRun("run-1")), schema.EventStepSkipped)
}

func TestMachine_PreconditionTrueRunsStep(t *testing.T) {
	var probeCalls atomic.Int32
	caps := registerStubs(t,
		&stubCap{name: "scan", fn: okResult(`{"port": 80}`)},
		&stubCap{name: "probe", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			probeCalls.Add(1)
			return &capability.Output{Data: json.RawMessage(`{"alive": true}`)}, nil
		}},
	)

	def := defWithSteps(
		schema.StepDefinition{Name: "scan", Capability: "scan"},
		schema.StepDefinition{
			Name: "probe", Capability: "probe",
			Precondition: `steps.scan.result.port == 80.0`,
		},
	)

	m := newTestMachine(t, caps, audit.NewMemorySink())
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Equal(t, schema.StepStatusCompleted, stepStatuses(snap)["probe"])
	assert.Equal(t, int32(1), probeCalls.Load())

	// Executed steps carry timing.
	for _, ss := range snap.Steps {
		assert.False(t, ss.StartedAt.IsZero(), ss.Name)
		assert.False(t, ss.EndedAt.IsZero(), ss.Name)
		assert.False(t, ss.EndedAt.Before(ss.StartedAt), ss.Name)
	}
}

func TestMachine_PreconditionAbsentReferenceSkips(t *testing.T) {
	caps := registerStubs(t,
		&stubCap{name: "noop", fn: okResult(`{}`)},
	)

	// The precondition references a step that produced no result; evaluation
	// fails and the step is skipped rather than failing the run.
	def := defWithSteps(
		schema.StepDefinition{Name: "first", Capability: "noop"},
		schema.StepDefinition{
			Name: "second", Capability: "noop",
			Precondition: `steps.ghost.result.found == true`,
		},
	)

	m := newTestMachine(t, caps, audit.NewMemorySink())
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Equal(t, schema.StepStatusSkipped, stepStatuses(snap)["second"])
}

func TestMachine_MalformedPreconditionFailsStep(t *testing.T) {
	caps := registerStubs(t, &stubCap{name: "noop", fn: okResult(`{}`)})

	def := defWithSteps(schema.StepDefinition{
		Name: "bad", Capability: "noop",
		Precondition: `this is (not CEL`,
	})

	m := newTestMachine(t, caps, audit.NewMemorySink())
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
	assert.Equal(t, schema.StepStatusFailed, stepStatuses(snap)["bad"])
}

func TestMachine_TimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	caps := registerStubs(t, &stubCap{name: "slow", fn: func(ctx context.Context, _ capability.Input) (*capability.Output, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &capability.Output{Data: json.RawMessage(`{"done": true}`)}, nil
	}})

	def := defWithSteps(schema.StepDefinition{
		Name: "slow", Capability: "slow",
		Timeout: "30ms",
		Retry:   &schema.RetryPolicy{MaxAttempts: 2, BackoffBase: "1ms"},
	})

	sink := audit.NewMemorySink()
	m := newTestMachine(t, caps, sink)
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Equal(t, int32(2), calls.Load())

	types := eventTypes(sink.ForRun("run-1"))
	assert.Contains(t, types, schema.EventStepTimedOut)
	assert.Contains(t, types, schema.EventStepRetried)
}

func TestMachine_TimeoutExhaustionFailsRun(t *testing.T) {
	caps := registerStubs(t, &stubCap{name: "slow", fn: func(ctx context.Context, _ capability.Input) (*capability.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	def := defWithSteps(schema.StepDefinition{
		Name: "slow", Capability: "slow",
		Timeout: "20ms",
		Retry:   &schema.RetryPolicy{MaxAttempts: 2, BackoffBase: "1ms"},
	})

	m := newTestMachine(t, caps, audit.NewMemorySink())
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
	assert.Equal(t, 2, snap.Steps[0].Attempts)
}

func TestMachine_FailFastSkipsDownstream(t *testing.T) {
	var reportCalls atomic.Int32
	caps := registerStubs(t,
		&stubCap{name: "boom", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			return nil, schema.NewError(schema.ErrCodeValidation, "boom")
		}},
		&stubCap{name: "report", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			reportCalls.Add(1)
			return &capability.Output{}, nil
		}},
	)

	def := defWithSteps(
		schema.StepDefinition{Name: "boom", Capability: "boom"},
		schema.StepDefinition{Name: "report", Capability: "report"},
	)

	sink := audit.NewMemorySink()
	m := newTestMachine(t, caps, sink)
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
	assert.Equal(t, schema.StepStatusFailed, stepStatuses(snap)["boom"])
	assert.Equal(t, schema.StepStatusSkipped, stepStatuses(snap)["report"])
	assert.Equal(t, int32(0), reportCalls.Load())
	assert.Contains(t, eventTypes(sink.ForRun("run-1")), schema.EventRunFailed)
}

func TestMachine_FailFastAbortsInFlightSiblings(t *testing.T) {
	var siblingInterrupted atomic.Bool
	started := make(chan struct{})
	caps := registerStubs(t,
		&stubCap{name: "boom", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			<-started // wait until the sibling is running
			return nil, schema.NewError(schema.ErrCodeValidation, "boom")
		}},
		&stubCap{name: "long", fn: func(ctx context.Context, _ capability.Input) (*capability.Output, error) {
			close(started)
			select {
			case <-ctx.Done():
				siblingInterrupted.Store(true)
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return &capability.Output{}, nil
			}
		}},
	)

	def := defWithSteps(
		schema.StepDefinition{Name: "boom", Capability: "boom"},
		schema.StepDefinition{Name: "long", Capability: "long", Independent: true},
	)

	m := newTestMachine(t, caps, audit.NewMemorySink())
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
	assert.True(t, siblingInterrupted.Load(), "sibling should be aborted through its context")
}

func TestMachine_CancelSkipsCleanup(t *testing.T) {
	var cleanups atomic.Int32
	started := make(chan struct{})
	caps := registerStubs(t,
		&stubCap{name: "long", fn: func(ctx context.Context, _ capability.Input) (*capability.Output, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		&stubCap{name: "teardown", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			cleanups.Add(1)
			return &capability.Output{}, nil
		}},
	)

	def := defWithSteps(schema.StepDefinition{
		Name: "long", Capability: "long",
		Cleanup: &schema.CleanupSpec{Capability: "teardown"},
	})

	sink := audit.NewMemorySink()
	m := newTestMachine(t, caps, sink)
	run := newTestRun(t, def, nil)

	go m.Execute(context.Background(), run)
	<-started
	require.NoError(t, m.Cancel(context.Background(), run))
	<-run.Done()

	assert.Equal(t, schema.RunStatusCancelled, run.Status())
	assert.Equal(t, int32(0), cleanups.Load(), "cancellation never triggers cleanup")
	assert.Contains(t, eventTypes(sink.ForRun("run-1")), schema.EventRunCancelled)

	// Cancel is idempotent once cancelled.
	assert.NoError(t, m.Cancel(context.Background(), run))
}

func TestMachine_CancelDuringBackoffEmitsStepFailed(t *testing.T) {
	caps := registerStubs(t, &stubCap{name: "flaky", fn: func(context.Context, capability.Input) (*capability.Output, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, "boom")
	}})

	def := defWithSteps(schema.StepDefinition{
		Name: "flaky", Capability: "flaky",
		Retry: &schema.RetryPolicy{MaxAttempts: 3, BackoffBase: "5s"},
	})

	sink := audit.NewMemorySink()
	m := newTestMachine(t, caps, sink)
	run := newTestRun(t, def, nil)

	go m.Execute(context.Background(), run)

	// Wait for the step to enter its backoff, then cancel mid-wait.
	require.Eventually(t, func() bool {
		for _, ev := range sink.ForRun("run-1") {
			if ev.Type == schema.EventStepRetried {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Cancel(context.Background(), run))
	<-run.Done()

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusCancelled, snap.Status)
	assert.Equal(t, schema.StepStatusFailed, stepStatuses(snap)["flaky"])
	assert.Equal(t, 1, snap.Steps[0].Attempts, "cancellation stops further attempts")

	// Settling the step from Retrying still produces its failure event.
	assert.Contains(t, eventTypes(sink.ForRun("run-1")), schema.EventStepFailed)
}

func TestMachine_CancelRetainsCompletedResults(t *testing.T) {
	started := make(chan struct{})
	caps := registerStubs(t,
		&stubCap{name: "recon", fn: okResult(`{"hosts": 3}`)},
		&stubCap{name: "enrich", fn: okResult(`{"iocs": 2}`)},
		&stubCap{name: "contain", fn: func(ctx context.Context, _ capability.Input) (*capability.Output, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	)

	def := defWithSteps(
		schema.StepDefinition{Name: "recon", Capability: "recon"},
		schema.StepDefinition{Name: "enrich", Capability: "enrich"},
		schema.StepDefinition{Name: "contain", Capability: "contain"},
	)

	m := newTestMachine(t, caps, audit.NewMemorySink())
	run := newTestRun(t, def, nil)

	go m.Execute(context.Background(), run)
	<-started
	require.NoError(t, m.Cancel(context.Background(), run))
	<-run.Done()

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusCancelled, snap.Status)
	statuses := stepStatuses(snap)
	assert.Equal(t, schema.StepStatusCompleted, statuses["recon"])
	assert.Equal(t, schema.StepStatusCompleted, statuses["enrich"])
	assert.NotEqual(t, schema.StepStatusCompleted, statuses["contain"])

	// Completed results stay readable after cancellation.
	results := run.Results()
	recon, ok := results["recon"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"hosts": float64(3)}, recon["result"])
	enrich, ok := results["enrich"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"iocs": float64(2)}, enrich["result"])
	assert.NotContains(t, results, "contain")
}

func TestMachine_CancelBeforeStart(t *testing.T) {
	caps := registerStubs(t, &stubCap{name: "noop", fn: okResult(`{}`)})
	def := defWithSteps(schema.StepDefinition{Name: "a", Capability: "noop"})

	m := newTestMachine(t, caps, audit.NewMemorySink())
	run := newTestRun(t, def, nil)

	require.NoError(t, m.Cancel(context.Background(), run))
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusCancelled, snap.Status)
	assert.Equal(t, schema.StepStatusPending, stepStatuses(snap)["a"], "nothing ran")
}

func TestMachine_PauseResume(t *testing.T) {
	aStarted := make(chan struct{})
	aProceed := make(chan struct{})
	var bStarted atomic.Bool
	caps := registerStubs(t,
		&stubCap{name: "first", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			close(aStarted)
			<-aProceed
			return &capability.Output{Data: json.RawMessage(`{}`)}, nil
		}},
		&stubCap{name: "second", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			bStarted.Store(true)
			return &capability.Output{Data: json.RawMessage(`{}`)}, nil
		}},
	)

	def := defWithSteps(
		schema.StepDefinition{Name: "a", Capability: "first"},
		schema.StepDefinition{Name: "b", Capability: "second"},
	)

	sink := audit.NewMemorySink()
	m := newTestMachine(t, caps, sink)
	run := newTestRun(t, def, nil)

	go m.Execute(context.Background(), run)
	<-aStarted

	// Pause while a is in flight: a runs to completion, b is not dispatched.
	require.NoError(t, m.Pause(context.Background(), run))
	assert.Equal(t, schema.RunStatusPaused, run.Status())
	close(aProceed)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, bStarted.Load(), "no step dispatch while paused")
	assert.Equal(t, schema.RunStatusPaused, run.Status())

	require.NoError(t, m.Resume(context.Background(), run))
	<-run.Done()

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.True(t, bStarted.Load())

	types := eventTypes(sink.ForRun("run-1"))
	assert.Contains(t, types, schema.EventRunPaused)
	assert.Contains(t, types, schema.EventRunResumed)
}

func TestMachine_PauseResumeGuards(t *testing.T) {
	caps := registerStubs(t, &stubCap{name: "noop", fn: okResult(`{}`)})
	def := defWithSteps(schema.StepDefinition{Name: "a", Capability: "noop"})

	m := newTestMachine(t, caps, audit.NewMemorySink())
	run := newTestRun(t, def, nil)

	// Pending runs cannot be paused; non-paused runs cannot be resumed.
	assert.Error(t, m.Pause(context.Background(), run))
	assert.Error(t, m.Resume(context.Background(), run))

	m.Execute(context.Background(), run)
	assert.Error(t, m.Pause(context.Background(), run))
	assert.Error(t, m.Cancel(context.Background(), run), "completed runs cannot be cancelled")
}

func TestMachine_CleanupFailureDoesNotMaskStepError(t *testing.T) {
	caps := registerStubs(t,
		&stubCap{name: "strict", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			return nil, schema.NewError(schema.ErrCodeValidation, "original failure")
		}},
		&stubCap{name: "teardown", fn: func(context.Context, capability.Input) (*capability.Output, error) {
			return nil, schema.NewError(schema.ErrCodeExecution, "cleanup broke too")
		}},
	)

	def := defWithSteps(schema.StepDefinition{
		Name: "strict", Capability: "strict",
		Cleanup: &schema.CleanupSpec{Capability: "teardown"},
	})

	sink := audit.NewMemorySink()
	m := newTestMachine(t, caps, sink)
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
	assert.Contains(t, snap.Steps[0].Error, "original failure")
	assert.NotContains(t, snap.Steps[0].Error, "cleanup broke")

	var sawCleanupEvent bool
	for _, ev := range sink.ForRun("run-1") {
		if ev.Type == schema.EventCleanupFailed {
			sawCleanupEvent = true
		}
	}
	assert.True(t, sawCleanupEvent, "cleanup failure must be audited")
}

func TestMachine_ParallelLevelRunsConcurrently(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	enter := func() {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
	}
	exit := func() {
		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	caps := registerStubs(t, &stubCap{name: "probe", fn: func(context.Context, capability.Input) (*capability.Output, error) {
		enter()
		time.Sleep(30 * time.Millisecond)
		exit()
		return &capability.Output{Data: json.RawMessage(`{}`)}, nil
	}})

	def := defWithSteps(
		schema.StepDefinition{Name: "p1", Capability: "probe", Independent: true},
		schema.StepDefinition{Name: "p2", Capability: "probe", Independent: true},
		schema.StepDefinition{Name: "p3", Capability: "probe", Independent: true},
	)

	m := newTestMachine(t, caps, audit.NewMemorySink())
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	assert.Equal(t, schema.RunStatusCompleted, run.Status())
	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, maxInFlight, 1, "independent steps should overlap")
}

func TestMachine_UnknownCapabilityFailsStep(t *testing.T) {
	caps := capability.NewRegistry()
	def := defWithSteps(schema.StepDefinition{Name: "a", Capability: "missing"})

	m := newTestMachine(t, caps, audit.NewMemorySink())
	run := newTestRun(t, def, nil)
	m.Execute(context.Background(), run)

	snap := run.Snapshot()
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
	assert.Contains(t, snap.Steps[0].Error, schema.ErrCodeNotFound)
}
