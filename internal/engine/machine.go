package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelsec/kestrel/internal/audit"
	"github.com/kestrelsec/kestrel/internal/capability"
	"github.com/kestrelsec/kestrel/internal/expressions"
	"github.com/kestrelsec/kestrel/internal/logging"
	"github.com/kestrelsec/kestrel/internal/runctx"
	"github.com/kestrelsec/kestrel/pkg/schema"
)

// Run is the mutable state of one workflow execution.
type Run struct {
	ID       string
	Workflow string
	Plan     *Plan
	Params   map[string]any
	Context  *runctx.Context

	mu         sync.Mutex
	cond       *sync.Cond
	status     schema.RunStatus
	stepStatus map[string]schema.StepStatus
	stepErrs   map[string]*schema.Error
	stepStart  map[string]time.Time
	stepEnd    map[string]time.Time
	attempts   map[string]int
	runErr     *schema.Error
	startedAt  time.Time
	finishedAt time.Time

	execCancel context.CancelFunc
	done       chan struct{}
}

// newRun builds a Run in Pending state with all steps Pending.
func newRun(id string, def *schema.WorkflowDefinition, plan *Plan, params map[string]any, rc *runctx.Context) *Run {
	r := &Run{
		ID:         id,
		Workflow:   def.Name,
		Plan:       plan,
		Params:     params,
		Context:    rc,
		status:     schema.RunStatusPending,
		stepStatus: make(map[string]schema.StepStatus, len(plan.Steps)),
		stepErrs:   make(map[string]*schema.Error),
		stepStart:  make(map[string]time.Time),
		stepEnd:    make(map[string]time.Time),
		attempts:   make(map[string]int, len(plan.Steps)),
		done:       make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	for name := range plan.Steps {
		r.stepStatus[name] = schema.StepStatusPending
	}
	return r
}

// Status returns the current run status.
func (r *Run) Status() schema.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done is closed when the run reaches a terminal status.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// StepSnapshot is a point-in-time view of one step.
type StepSnapshot struct {
	Name       string            `json:"name"`
	Status     schema.StepStatus `json:"status"`
	Attempts   int               `json:"attempts"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	EndedAt    time.Time         `json:"ended_at,omitzero"`
	DurationMs int64             `json:"duration_ms,omitempty"`
}

// Snapshot is a point-in-time view of a run for status queries. Building one
// is cheap: no step execution is blocked while it is taken.
type Snapshot struct {
	RunID      string           `json:"run_id"`
	Workflow   string           `json:"workflow"`
	Status     schema.RunStatus `json:"status"`
	Steps      []StepSnapshot   `json:"steps"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at,omitzero"`
	FinishedAt time.Time        `json:"finished_at,omitzero"`
}

// Snapshot captures the run state. Steps appear in declaration order.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		RunID:      r.ID,
		Workflow:   r.Workflow,
		Status:     r.status,
		Steps:      make([]StepSnapshot, 0, len(r.Plan.Order)),
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
	if r.runErr != nil {
		snap.Error = r.runErr.Error()
	}
	for _, name := range r.Plan.Order {
		ss := StepSnapshot{
			Name:      name,
			Status:    r.stepStatus[name],
			Attempts:  r.attempts[name],
			StartedAt: r.stepStart[name],
			EndedAt:   r.stepEnd[name],
		}
		if !ss.StartedAt.IsZero() && !ss.EndedAt.IsZero() {
			ss.DurationMs = ss.EndedAt.Sub(ss.StartedAt).Milliseconds()
		}
		if serr := r.stepErrs[name]; serr != nil {
			ss.Error = serr.Error()
		}
		snap.Steps = append(snap.Steps, ss)
	}
	return snap
}

// Results returns the completed step results recorded so far, grouped by step
// name. Available for running and terminal runs alike.
func (r *Run) Results() map[string]any {
	return r.Context.StepResults()
}

// Machine executes runs: it walks the plan level by level, dispatching steps
// through a bounded worker pool and driving the run/step FSMs.
type Machine struct {
	caps     *capability.Registry
	cel      *expressions.CELEngine
	resolver *expressions.Resolver
	runFSM   *RunFSM
	stepFSM  *StepFSM
	sink     audit.Sink
	logger   *slog.Logger
	parallel int
}

// MachineConfig configures a Machine.
type MachineConfig struct {
	Capabilities *capability.Registry
	CEL          *expressions.CELEngine
	Sink         audit.Sink
	Logger       *slog.Logger
	MaxParallel  int // max concurrently executing steps per run
}

// NewMachine creates a Machine.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &Machine{
		caps:     cfg.Capabilities,
		cel:      cfg.CEL,
		resolver: expressions.NewResolver(),
		runFSM:   NewRunFSM(cfg.Sink),
		stepFSM:  NewStepFSM(cfg.Sink),
		sink:     cfg.Sink,
		logger:   cfg.Logger,
		parallel: cfg.MaxParallel,
	}
}

// Execute drives a run to a terminal status. Blocking; the registry calls it
// on a dedicated goroutine per run.
func (m *Machine) Execute(ctx context.Context, run *Run) {
	defer close(run.done)

	ctx = logging.WithRunID(ctx, run.ID)
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	run.mu.Lock()
	if run.status != schema.RunStatusPending {
		// Cancelled before the goroutine started.
		run.mu.Unlock()
		return
	}
	run.execCancel = cancel
	run.status = schema.RunStatusRunning
	run.startedAt = now()
	run.mu.Unlock()

	if err := m.runFSM.Transition(ctx, run.ID, schema.RunStatusPending, schema.RunStatusRunning, map[string]any{"workflow": run.Workflow}); err != nil {
		m.logger.ErrorContext(ctx, "run start event failed", slog.String("error", err.Error()))
	}

	pool := NewWorkerPool(m.parallel)
	defer pool.Shutdown()

	var firstErr *schema.Error
	var errMu sync.Mutex

	for _, level := range run.Plan.Levels {
		if !m.gate(run) {
			break
		}

		var wg sync.WaitGroup
		for _, name := range level {
			if !m.gate(run) {
				break
			}
			step := run.Plan.Steps[name]
			wg.Add(1)
			submitErr := pool.Submit(execCtx, func(sctx context.Context) error {
				defer wg.Done()
				if err := m.executeStep(sctx, run, step); err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = asSchemaError(err)
					}
					errMu.Unlock()
					// Fail fast: abort in-flight siblings and later levels.
					cancel()
					return err
				}
				return nil
			})
			if submitErr != nil {
				wg.Done()
			}
		}
		wg.Wait()

		errMu.Lock()
		failed := firstErr != nil
		errMu.Unlock()
		if failed {
			break
		}
	}

	m.finish(ctx, run, firstErr, pool.Metrics())
}

// gate blocks while the run is paused and reports whether execution may
// continue. Pause takes effect at step dispatch boundaries only; in-flight
// steps always run to completion.
func (m *Machine) gate(run *Run) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	for run.status == schema.RunStatusPaused {
		run.cond.Wait()
	}
	return run.status == schema.RunStatusRunning
}

// finish settles the run into its terminal status and skips steps that never
// started. The terminal event carries the step dispatch summary.
func (m *Machine) finish(ctx context.Context, run *Run, firstErr *schema.Error, stats PoolMetrics) {
	run.mu.Lock()
	from := run.status
	if from.Terminal() {
		// Cancel already settled the run.
		run.finishedAt = now()
		pending := m.pendingStepsLocked(run)
		run.mu.Unlock()
		m.skipSteps(ctx, run, pending, "run cancelled")
		return
	}

	to := schema.RunStatusCompleted
	detail := map[string]any{
		"steps_dispatched": stats.Completed + stats.Failed,
		"steps_failed":     stats.Failed,
	}
	if firstErr != nil {
		to = schema.RunStatusFailed
		run.runErr = firstErr
		detail["error"] = firstErr.Error()
	}
	run.status = to
	run.finishedAt = now()
	pending := m.pendingStepsLocked(run)
	run.mu.Unlock()

	reason := "upstream failure"
	if firstErr == nil {
		reason = "never dispatched"
	}
	m.skipSteps(ctx, run, pending, reason)

	if err := m.runFSM.Transition(ctx, run.ID, from, to, detail); err != nil {
		m.logger.ErrorContext(ctx, "run finish event failed", slog.String("error", err.Error()))
	}
}

func (m *Machine) pendingStepsLocked(run *Run) []string {
	var pending []string
	for _, name := range run.Plan.Order {
		if run.stepStatus[name] == schema.StepStatusPending {
			pending = append(pending, name)
		}
	}
	return pending
}

func (m *Machine) skipSteps(ctx context.Context, run *Run, names []string, reason string) {
	for _, name := range names {
		run.mu.Lock()
		run.stepStatus[name] = schema.StepStatusSkipped
		run.mu.Unlock()
		if err := m.stepFSM.Transition(ctx, run.ID, name, schema.StepStatusPending, schema.StepStatusSkipped, map[string]any{"reason": reason}); err != nil {
			m.logger.ErrorContext(ctx, "step skip event failed", slog.String("step", name), slog.String("error", err.Error()))
		}
	}
}

// Pause requests that no further steps are dispatched. In-flight steps run to
// completion. No-op error if the run is not running.
func (m *Machine) Pause(ctx context.Context, run *Run) error {
	run.mu.Lock()
	if run.status != schema.RunStatusRunning {
		status := run.status
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot pause run in status %s", status)
	}
	run.status = schema.RunStatusPaused
	run.mu.Unlock()

	return m.runFSM.Transition(ctx, run.ID, schema.RunStatusRunning, schema.RunStatusPaused, nil)
}

// Resume restarts dispatching of a paused run.
func (m *Machine) Resume(ctx context.Context, run *Run) error {
	run.mu.Lock()
	if run.status != schema.RunStatusPaused {
		status := run.status
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot resume run in status %s", status)
	}
	run.status = schema.RunStatusRunning
	run.cond.Broadcast()
	run.mu.Unlock()

	return m.runFSM.Transition(ctx, run.ID, schema.RunStatusPaused, schema.RunStatusRunning, nil)
}

// Cancel aborts a run. In-flight steps are interrupted through their context;
// no retries and no cleanup happen after cancellation. Idempotent on
// already-cancelled runs.
func (m *Machine) Cancel(ctx context.Context, run *Run) error {
	run.mu.Lock()
	from := run.status
	if from == schema.RunStatusCancelled {
		run.mu.Unlock()
		return nil
	}
	if from.Terminal() {
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot cancel run in status %s", from)
	}
	run.status = schema.RunStatusCancelled
	run.finishedAt = now()
	cancel := run.execCancel
	run.cond.Broadcast()
	run.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	return m.runFSM.Transition(ctx, run.ID, from, schema.RunStatusCancelled, nil)
}

// asSchemaError coerces any error into a *schema.Error.
func asSchemaError(err error) *schema.Error {
	if err == nil {
		return nil
	}
	var kerr *schema.Error
	if errors.As(err, &kerr) {
		return kerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, err.Error()).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, err.Error()).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}
