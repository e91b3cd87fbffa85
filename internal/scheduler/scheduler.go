// Package scheduler submits workflows on cron schedules, for recurring
// security automation like nightly scans and periodic enrichment sweeps.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/kestrelsec/kestrel/pkg/schema"
)

// WorkflowSubmitter is the interface the scheduler uses to start runs.
// Satisfied by the engine registry (avoids import cycle).
type WorkflowSubmitter interface {
	Submit(ctx context.Context, def *schema.WorkflowDefinition, params map[string]any) (string, error)
}

// Job is a recurring workflow submission.
type Job struct {
	ID         string
	Name       string
	CronExpr   string
	Definition *schema.WorkflowDefinition
	Params     map[string]any
	Enabled    bool

	NextRunAt     time.Time
	LastRunAt     time.Time
	LastRunStatus string
	LastRunID     string
}

// Scheduler ticks every minute and submits jobs that are due.
type Scheduler struct {
	submitter WorkflowSubmitter
	parser    cron.Parser
	logger    *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently submitting (dedup)
}

// NewScheduler creates a Scheduler.
func NewScheduler(submitter WorkflowSubmitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		jobs:      make(map[string]*Job),
		inflight:  make(map[string]struct{}),
	}
}

// AddJob registers a recurring submission and returns its ID.
func (s *Scheduler) AddJob(name, cronExpr string, def *schema.WorkflowDefinition, params map[string]any) (string, error) {
	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}

	job := &Job{
		ID:         uuid.NewString(),
		Name:       name,
		CronExpr:   cronExpr,
		Definition: def,
		Params:     params,
		Enabled:    true,
		NextRunAt:  next,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job.ID, nil
}

// RemoveJob deletes a job.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %s not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// SetEnabled toggles a job without removing it.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %s not found", id)
	}
	job.Enabled = enabled
	return nil
}

// Jobs returns a copy of all registered jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits all enabled jobs that are due.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if job.Enabled && !job.NextRunAt.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			continue // previous submission still in flight
		}
		s.runJob(ctx, job, now)
		s.release(job.ID)
	}
}

// runJob submits one job and advances its schedule.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	s.logger.Info("submitting scheduled workflow",
		slog.String("job_id", job.ID),
		slog.String("name", job.Name),
	)

	runID, err := s.submitter.Submit(ctx, job.Definition, job.Params)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled submission failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	next, nerr := s.CalculateNextRun(job.CronExpr, now)
	if nerr != nil {
		s.logger.Error("next run calculation failed",
			slog.String("job_id", job.ID),
			slog.String("error", nerr.Error()),
		)
		next = now.Add(time.Hour)
	}

	s.mu.Lock()
	job.LastRunAt = now
	job.LastRunStatus = status
	job.LastRunID = runID
	job.NextRunAt = next
	s.mu.Unlock()
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
