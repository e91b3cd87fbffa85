package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrelsec/kestrel/internal/runctx"
	"github.com/kestrelsec/kestrel/pkg/schema"
)

// DefinitionValidator checks a workflow definition at submission time.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// RunPersister receives run lifecycle checkpoints for durable storage. All
// calls are best effort; persistence failures never affect execution.
type RunPersister interface {
	SaveRun(ctx context.Context, id, workflow string, status schema.RunStatus, definition, params json.RawMessage) error
	UpdateRunStatus(ctx context.Context, id string, status schema.RunStatus, errMsg string) error
}

// Registry tracks all runs, owns their executor goroutines, and exposes the
// lifecycle operations: submit, pause, resume, cancel, status, results.
type Registry struct {
	machine   *Machine
	validator DefinitionValidator
	persister RunPersister
	logger    *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	runs   map[string]*Run
	closed bool
	wg     sync.WaitGroup
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Machine   *Machine
	Validator DefinitionValidator
	Persister RunPersister // optional
	Logger    *slog.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		machine:   cfg.Machine,
		validator: cfg.Validator,
		persister: cfg.Persister,
		logger:    cfg.Logger,
		baseCtx:   ctx,
		cancel:    cancel,
		runs:      make(map[string]*Run),
	}
}

// Submit validates a definition and starts a run for it. Validation errors
// are the only errors returned synchronously; execution failures surface
// through the run's status. The returned ID identifies the run from then on.
func (r *Registry) Submit(ctx context.Context, def *schema.WorkflowDefinition, params map[string]any) (string, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return "", schema.NewError(schema.ErrCodeConflict, "registry is shut down")
	}
	r.mu.RUnlock()

	if r.validator != nil {
		if err := r.validator.ValidateDefinition(def); err != nil {
			return "", err
		}
	}

	plan, err := BuildPlan(def)
	if err != nil {
		return "", err
	}

	rc, err := runctx.New(params)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	run := newRun(id, def, plan, params, rc)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", schema.NewError(schema.ErrCodeConflict, "registry is shut down")
	}
	r.runs[id] = run
	r.wg.Add(1)
	r.mu.Unlock()

	r.persistSubmit(ctx, id, def, params)

	go func() {
		defer r.wg.Done()
		r.machine.Execute(r.baseCtx, run)
		r.persistTerminal(run)
	}()

	return id, nil
}

func (r *Registry) persistSubmit(ctx context.Context, id string, def *schema.WorkflowDefinition, params map[string]any) {
	if r.persister == nil {
		return
	}
	defJSON, _ := json.Marshal(def)
	paramsJSON, _ := json.Marshal(params)
	if err := r.persister.SaveRun(ctx, id, def.Name, schema.RunStatusPending, defJSON, paramsJSON); err != nil {
		r.logger.WarnContext(ctx, "persist run failed", slog.String("run_id", id), slog.String("error", err.Error()))
	}
}

func (r *Registry) persistTerminal(run *Run) {
	if r.persister == nil {
		return
	}
	snap := run.Snapshot()
	if err := r.persister.UpdateRunStatus(r.baseCtx, run.ID, snap.Status, snap.Error); err != nil {
		r.logger.Warn("persist run status failed", slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}
}

// Get returns the run with the given ID.
func (r *Registry) Get(id string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	return run, nil
}

// Status returns a cheap point-in-time snapshot of a run.
func (r *Registry) Status(id string) (Snapshot, error) {
	run, err := r.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return run.Snapshot(), nil
}

// Results returns the step results recorded so far for a run.
func (r *Registry) Results(id string) (map[string]any, error) {
	run, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return run.Results(), nil
}

// Pause stops further step dispatch for a run. In-flight steps complete.
func (r *Registry) Pause(ctx context.Context, id string) error {
	run, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := r.machine.Pause(ctx, run); err != nil {
		return err
	}
	r.persistStatus(ctx, run)
	return nil
}

// Resume restarts step dispatch for a paused run.
func (r *Registry) Resume(ctx context.Context, id string) error {
	run, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := r.machine.Resume(ctx, run); err != nil {
		return err
	}
	r.persistStatus(ctx, run)
	return nil
}

// Cancel aborts a run. Idempotent for already-cancelled runs.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	run, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := r.machine.Cancel(ctx, run); err != nil {
		return err
	}
	r.persistStatus(ctx, run)
	return nil
}

func (r *Registry) persistStatus(ctx context.Context, run *Run) {
	if r.persister == nil {
		return
	}
	snap := run.Snapshot()
	if err := r.persister.UpdateRunStatus(ctx, run.ID, snap.Status, snap.Error); err != nil {
		r.logger.WarnContext(ctx, "persist run status failed", slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}
}

// List returns snapshots of all known runs, newest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	snaps := make([]Snapshot, 0, len(r.runs))
	for _, run := range r.runs {
		snaps = append(snaps, run.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].StartedAt.Equal(snaps[j].StartedAt) {
			return snaps[i].StartedAt.After(snaps[j].StartedAt)
		}
		return snaps[i].RunID < snaps[j].RunID
	})
	return snaps
}

// Delete removes a terminal run from the registry. Running, paused, or
// pending runs must be cancelled first.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	if !run.Status().Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is not terminal", id)
	}
	delete(r.runs, id)
	return nil
}

// Wait blocks until a run reaches a terminal status or the context expires.
func (r *Registry) Wait(ctx context.Context, id string) (Snapshot, error) {
	run, err := r.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-run.Done():
		return run.Snapshot(), nil
	case <-ctx.Done():
		return run.Snapshot(), ctx.Err()
	}
}

// Shutdown cancels all non-terminal runs and waits for their goroutines,
// bounded by the given context.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	runs := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	for _, run := range runs {
		if run.Status().Terminal() {
			continue
		}
		if err := r.machine.Cancel(ctx, run); err != nil {
			r.logger.WarnContext(ctx, "cancel on shutdown failed",
				slog.String("run_id", run.ID), slog.String("error", err.Error()))
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
	r.cancel()
	return nil
}
