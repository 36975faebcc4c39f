// Package inmem provides an in-memory run.Store for tests and single-process
// development runs.
package inmem

import (
	"context"
	"sync"

	"github.com/tailorworks/tailor/runtime/pipeline/run"
)

// Store keeps run records in process memory. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]run.Record
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]run.Record)}
}

// Upsert stores or replaces the record keyed by its run id.
func (s *Store) Upsert(_ context.Context, record run.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.RunID] = record
	return nil
}

// Load returns the record for the given run id, or run.ErrNotFound.
func (s *Store) Load(_ context.Context, runID string) (run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[runID]
	if !ok {
		return run.Record{}, run.ErrNotFound
	}
	return rec, nil
}
