// Package store persists run records and the append-only audit event log.
// All implementations must be safe for concurrent use.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kestrelsec/kestrel/internal/audit"
	"github.com/kestrelsec/kestrel/pkg/schema"
)

// RunRecord is the durable form of a run.
type RunRecord struct {
	ID         string           `json:"id"`
	Workflow   string           `json:"workflow"`
	Status     schema.RunStatus `json:"status"`
	Definition json.RawMessage  `json:"definition,omitempty"`
	Params     json.RawMessage  `json:"params,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// EventRecord is the durable form of an audit event. Sequence is a per-run
// monotonic counter assigned at append time.
type EventRecord struct {
	ID       int64           `json:"id"`
	RunID    string          `json:"run_id"`
	Step     string          `json:"step,omitempty"`
	Type     string          `json:"type"`
	Status   string          `json:"status"`
	Detail   json.RawMessage `json:"detail,omitempty"`
	At       time.Time       `json:"at"`
	Sequence int64           `json:"sequence"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status *schema.RunStatus
	Since  *time.Time
	Limit  int
	Offset int
}

// Store is the persistence contract.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	UpdateRunStatus(ctx context.Context, id string, status schema.RunStatus, errMsg string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
	DeleteRun(ctx context.Context, id string) error

	// Audit log (append-only)
	AppendEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*EventRecord, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Sink adapts a Store into an audit.Sink so every engine transition lands in
// the durable event log.
type Sink struct {
	store Store
}

// NewSink creates a store-backed audit sink.
func NewSink(store Store) *Sink {
	return &Sink{store: store}
}

func (s *Sink) Append(ctx context.Context, ev audit.Event) error {
	var detail json.RawMessage
	if len(ev.Detail) > 0 {
		if b, err := json.Marshal(ev.Detail); err == nil {
			detail = b
		}
	}
	return s.store.AppendEvent(ctx, &EventRecord{
		RunID:  ev.RunID,
		Step:   ev.Step,
		Type:   ev.Type,
		Status: ev.Status,
		Detail: detail,
		At:     ev.At,
	})
}

// Persister adapts a Store to the engine registry's run checkpoint hooks.
type Persister struct {
	store Store
}

// NewPersister creates a store-backed run persister.
func NewPersister(store Store) *Persister {
	return &Persister{store: store}
}

func (p *Persister) SaveRun(ctx context.Context, id, workflow string, status schema.RunStatus, definition, params json.RawMessage) error {
	return p.store.SaveRun(ctx, &RunRecord{
		ID:         id,
		Workflow:   workflow,
		Status:     status,
		Definition: definition,
		Params:     params,
	})
}

func (p *Persister) UpdateRunStatus(ctx context.Context, id string, status schema.RunStatus, errMsg string) error {
	return p.store.UpdateRunStatus(ctx, id, status, errMsg)
}
