package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prooflab/gallery-archiver/internal/archive"
)

// MemoryStore implements Store in process memory. It backs tests and
// single-node development setups where Postgres is overkill.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]GenerationState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]GenerationState)}
}

// Get returns the state for ref; missing entries read as NOT_STARTED.
func (s *MemoryStore) Get(_ context.Context, ref archive.Ref) (GenerationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[ref.String()]
	if !ok {
		return GenerationState{Status: StatusNotStarted}, nil
	}
	return st, nil
}

// Set unconditionally writes the state for ref.
func (s *MemoryStore) Set(_ context.Context, ref archive.Ref, st GenerationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now().UTC()
	s.states[ref.String()] = st
	return nil
}

// Transition writes st only while the stored status equals from.
func (s *MemoryStore) Transition(_ context.Context, ref archive.Ref, from Status, to GenerationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.states[ref.String()]
	if !ok {
		current = GenerationState{Status: StatusNotStarted}
	}
	if current.Status != from {
		return fmt.Errorf("transition %s from %s: %w", ref, from, ErrConflict)
	}
	to.UpdatedAt = time.Now().UTC()
	s.states[ref.String()] = to
	return nil
}

// SetProgress updates progress while GENERATING; otherwise it is a
// silent no-op.
func (s *MemoryStore) SetProgress(_ context.Context, ref archive.Ref, processed, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[ref.String()]
	if !ok || st.Status != StatusGenerating {
		return nil
	}
	st.Progress = NewProgress(processed, total)
	st.UpdatedAt = time.Now().UTC()
	s.states[ref.String()] = st
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
