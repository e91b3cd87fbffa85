package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/kestrelsec/kestrel/internal/capability"
	"github.com/kestrelsec/kestrel/internal/expressions"
	"github.com/kestrelsec/kestrel/internal/logging"
	"github.com/kestrelsec/kestrel/pkg/schema"
)

// executeStep runs one step to a terminal status: precondition check, the
// attempt loop with backoff, and cleanup on exhaustion. Returns nil when the
// step completed or was skipped; an error fails the run.
func (m *Machine) executeStep(ctx context.Context, run *Run, step *schema.StepDefinition) error {
	ctx = logging.WithStep(ctx, step.Name)

	scope := m.scopeFor(run)

	// Precondition. Unmet (including references to absent upstream results)
	// skips the step without failing the run.
	if step.Precondition != "" {
		met, err := m.cel.EvaluateBool(ctx, step.Precondition, scope)
		if err != nil {
			var kerr *schema.Error
			if errors.As(err, &kerr) && kerr.Code == schema.ErrCodePrecondition {
				m.markSkipped(ctx, run, step.Name, map[string]any{"reason": "precondition not met", "error": kerr.Message})
				return nil
			}
			// Compile and type errors are definition bugs.
			m.markFailed(ctx, run, step.Name, schema.StepStatusPending, asSchemaError(err))
			return err
		}
		if !met {
			m.markSkipped(ctx, run, step.Name, map[string]any{"reason": "precondition not met", "precondition": step.Precondition})
			return nil
		}
	}

	run.mu.Lock()
	run.stepStatus[step.Name] = schema.StepStatusRunning
	run.stepStart[step.Name] = now()
	run.mu.Unlock()
	if err := m.stepFSM.Transition(ctx, run.ID, step.Name, schema.StepStatusPending, schema.StepStatusRunning, nil); err != nil {
		m.logger.ErrorContext(ctx, "step start event failed", slog.String("error", err.Error()))
	}

	maxAttempts := MaxAttempts(step.Retry)
	var lastErr *schema.Error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		run.mu.Lock()
		run.attempts[step.Name] = attempt
		run.mu.Unlock()

		out, attemptErr := m.runAttempt(ctx, run, step, attempt)
		if attemptErr == nil {
			return m.markCompleted(ctx, run, step.Name, out)
		}

		lastErr = asSchemaError(attemptErr).WithStep(step.Name)
		timedOut := lastErr.Code == schema.ErrCodeTimeout

		// Cancellation is never retried and never triggers cleanup.
		if ctx.Err() != nil && !timedOut {
			m.markFailed(ctx, run, step.Name, m.currentStepStatus(run, step.Name), schema.NewError(schema.ErrCodeCancelled, "step cancelled").WithStep(step.Name).WithCause(lastErr))
			return lastErr
		}

		if timedOut {
			m.transitionStep(ctx, run, step.Name, schema.StepStatusRunning, schema.StepStatusTimedOut,
				map[string]any{"attempt": attempt, "timeout": step.Timeout})
		}

		if attempt < maxAttempts && IsRetryableError(lastErr) {
			from := schema.StepStatusRunning
			if timedOut {
				from = schema.StepStatusTimedOut
			}
			delay := ComputeBackoff(step.Retry, attempt)
			m.transitionStep(ctx, run, step.Name, from, schema.StepStatusRetrying,
				map[string]any{"attempt": attempt, "delay": delay.String(), "error": lastErr.Error()})

			if err := WaitForBackoff(ctx, delay); err != nil {
				m.markFailed(ctx, run, step.Name, schema.StepStatusRetrying, schema.NewError(schema.ErrCodeCancelled, "cancelled during backoff").WithStep(step.Name).WithCause(err))
				return lastErr
			}
			if !m.gate(run) {
				m.markFailed(ctx, run, step.Name, schema.StepStatusRetrying, schema.NewError(schema.ErrCodeCancelled, "run stopped during backoff").WithStep(step.Name))
				return lastErr
			}
			m.transitionStep(ctx, run, step.Name, schema.StepStatusRetrying, schema.StepStatusRunning,
				map[string]any{"attempt": attempt + 1})
			continue
		}

		// Exhausted or non-retryable: cleanup runs exactly once, synchronously,
		// before the step settles. Its failure never masks the step error.
		m.runCleanup(ctx, run, step, lastErr)

		finalErr := lastErr
		if maxAttempts > 1 && attempt == maxAttempts && IsRetryableError(lastErr) {
			finalErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"step failed after %d attempts: %s", maxAttempts, lastErr.Message).
				WithStep(step.Name).WithCause(lastErr)
		}
		m.markFailed(ctx, run, step.Name, m.currentStepStatus(run, step.Name), finalErr)
		return finalErr
	}

	// Unreachable: the loop always returns.
	return lastErr
}

// runAttempt executes a single attempt: parameter interpolation against the
// freshest scope, then capability execution under the per-attempt timeout.
func (m *Machine) runAttempt(ctx context.Context, run *Run, step *schema.StepDefinition, attempt int) (json.RawMessage, error) {
	scope := m.scopeFor(run)

	params, err := m.resolver.ResolveParams(step.Params, scope)
	if err != nil {
		return nil, err
	}

	c, err := m.caps.Get(step.Capability)
	if err != nil {
		return nil, err
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	var timeout time.Duration
	if step.Timeout != "" {
		if d, perr := time.ParseDuration(step.Timeout); perr == nil && d > 0 {
			timeout = d
			attemptCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	m.logger.DebugContext(ctx, "step attempt",
		slog.String("capability", step.Capability),
		slog.Int("attempt", attempt))

	out, execErr := c.Execute(attemptCtx, capability.Input{
		Params:  params,
		Context: run.Context.Snapshot(),
	})
	if execErr != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step exceeded timeout %s on attempt %d", timeout, attempt).
				WithStep(step.Name).WithCause(execErr)
		}
		return nil, execErr
	}
	if out == nil {
		return nil, nil
	}
	return out.Data, nil
}

// runCleanup invokes the step's cleanup capability, if any. Best effort: a
// cleanup failure is logged and audited but never propagated.
func (m *Machine) runCleanup(ctx context.Context, run *Run, step *schema.StepDefinition, stepErr *schema.Error) {
	if step.Cleanup == nil || step.Cleanup.Capability == "" {
		return
	}
	if ctx.Err() != nil {
		return
	}

	cleanupCap, err := m.caps.Get(step.Cleanup.Capability)
	if err != nil {
		m.auditCleanupFailure(ctx, run, step.Name, err)
		return
	}

	params := step.Cleanup.Params
	if resolved, rerr := m.resolver.ResolveParams(params, m.scopeFor(run)); rerr == nil {
		params = resolved
	}

	if _, cerr := cleanupCap.Execute(ctx, capability.Input{
		Params:  params,
		Context: run.Context.Snapshot(),
	}); cerr != nil {
		m.auditCleanupFailure(ctx, run, step.Name, cerr)
	}
}

func (m *Machine) auditCleanupFailure(ctx context.Context, run *Run, step string, err error) {
	kerr := schema.NewErrorf(schema.ErrCodeCleanup, "cleanup failed: %s", err.Error()).WithStep(step).WithCause(err)
	m.logger.WarnContext(ctx, "cleanup failed", slog.String("step", step), slog.String("error", kerr.Error()))
	if aerr := m.sink.Append(ctx, auditEvent(run.ID, step, schema.EventCleanupFailed, "", map[string]any{"error": kerr.Error()})); aerr != nil {
		m.logger.ErrorContext(ctx, "cleanup audit event failed", slog.String("error", aerr.Error()))
	}
}

// scopeFor builds the expression scope from the run's current context.
func (m *Machine) scopeFor(run *Run) *expressions.Scope {
	return &expressions.Scope{
		Steps:   run.Context.StepResults(),
		Params:  run.Params,
		Run:     map[string]any{"id": run.ID, "workflow": run.Workflow},
		Context: run.Context.Snapshot(),
	}
}

func (m *Machine) currentStepStatus(run *Run, step string) schema.StepStatus {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.stepStatus[step]
}

func (m *Machine) markCompleted(ctx context.Context, run *Run, step string, result json.RawMessage) error {
	if err := run.Context.MergeJSON(step, result); err != nil {
		m.markFailed(ctx, run, step, schema.StepStatusRunning, asSchemaError(err).WithStep(step))
		return err
	}

	run.mu.Lock()
	run.stepStatus[step] = schema.StepStatusCompleted
	run.stepEnd[step] = now()
	run.mu.Unlock()
	return m.stepFSM.Transition(ctx, run.ID, step, schema.StepStatusRunning, schema.StepStatusCompleted, nil)
}

func (m *Machine) markSkipped(ctx context.Context, run *Run, step string, detail map[string]any) {
	run.mu.Lock()
	run.stepStatus[step] = schema.StepStatusSkipped
	run.mu.Unlock()
	if err := m.stepFSM.Transition(ctx, run.ID, step, schema.StepStatusPending, schema.StepStatusSkipped, detail); err != nil {
		m.logger.ErrorContext(ctx, "step skip event failed", slog.String("error", err.Error()))
	}
}

func (m *Machine) markFailed(ctx context.Context, run *Run, step string, from schema.StepStatus, err *schema.Error) {
	run.mu.Lock()
	run.stepStatus[step] = schema.StepStatusFailed
	run.stepErrs[step] = err
	run.stepEnd[step] = now()
	run.mu.Unlock()

	detail := map[string]any{"error": err.Error(), "code": err.Code}
	if terr := m.stepFSM.Transition(ctx, run.ID, step, from, schema.StepStatusFailed, detail); terr != nil {
		m.logger.ErrorContext(ctx, "step fail event failed", slog.String("error", terr.Error()))
	}
}

func (m *Machine) transitionStep(ctx context.Context, run *Run, step string, from, to schema.StepStatus, detail map[string]any) {
	run.mu.Lock()
	run.stepStatus[step] = to
	run.mu.Unlock()
	if err := m.stepFSM.Transition(ctx, run.ID, step, from, to, detail); err != nil {
		m.logger.ErrorContext(ctx, "step transition event failed",
			slog.String("step", step), slog.String("error", err.Error()))
	}
}
