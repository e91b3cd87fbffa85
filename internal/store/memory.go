package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kestrelsec/kestrel/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and storeless deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*RunRecord
	events map[string][]*EventRecord // run_id -> events in sequence order
	nextID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*RunRecord),
		events: make(map[string][]*EventRecord),
	}
}

func (s *MemoryStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	if existing, ok := s.runs[cp.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	s.runs[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, id string, status schema.RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	rec.Status = status
	rec.Error = errMsg
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []*RunRecord
	for _, rec := range s.runs {
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && rec.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *rec
		recs = append(recs, &cp)
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(recs) {
			return nil, nil
		}
		recs = recs[filter.Offset:]
	}
	if filter.Limit > 0 && len(recs) > filter.Limit {
		recs = recs[:filter.Limit]
	}
	return recs, nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return storeNotFound("run", id)
	}
	delete(s.runs, id)
	delete(s.events, id)
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cp := *event
	cp.ID = s.nextID
	cp.Sequence = int64(len(s.events[event.RunID])) + 1
	if cp.At.IsZero() {
		cp.At = time.Now().UTC()
	}
	event.Sequence = cp.Sequence
	s.events[event.RunID] = append(s.events[event.RunID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, runID string, since int64) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*EventRecord
	for _, e := range s.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
