// Package inmem provides an in-memory implementation of run.Store for
// single-instance deployments, local development, and tests. Records are
// held in a map keyed by run id with no persistence across restarts;
// multi-instance deployments should use features/run/mongo.
package inmem

import (
	"context"
	"sync"

	"github.com/dockrion/runstream/run"
)

// Store implements run.Store in memory. All operations are thread-safe via
// sync.RWMutex, and records are defensively copied on read and write so
// callers can never mutate stored state.
type Store struct {
	mu      sync.RWMutex
	records map[string]run.Run
}

// New constructs an empty Store.
func New() *Store {
	return &Store{records: make(map[string]run.Run)}
}

// Create implements run.Store.
func (s *Store) Create(_ context.Context, r run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.RunID]; ok {
		return run.ErrConflict
	}
	s.records[r.RunID] = clone(r)
	return nil
}

// Update implements run.Store.
func (s *Store) Update(_ context.Context, r run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.RunID]; !ok {
		return run.ErrNotFound
	}
	s.records[r.RunID] = clone(r)
	return nil
}

// Load implements run.Store.
func (s *Store) Load(_ context.Context, runID string) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[runID]
	if !ok {
		return run.Run{}, run.ErrNotFound
	}
	return clone(r), nil
}

// Reset clears all records. Useful for test isolation; not part of the
// run.Store interface.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]run.Run)
}

func clone(r run.Run) run.Run {
	copied := r
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		copied.CompletedAt = &at
	}
	if len(r.Output) > 0 {
		copied.Output = append([]byte(nil), r.Output...)
	}
	if len(r.Metadata) > 0 {
		copied.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			copied.Metadata[k] = v
		}
	}
	return copied
}
