package kvcache

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Store keeps per-session quantized cache history, one entry appended
// per generation step.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]*Quantized
}

func NewStore() *Store {
	return &Store{sessions: make(map[string][]*Quantized)}
}

// Open registers a new generation session and returns its id.
func (s *Store) Open() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = nil
	s.mu.Unlock()
	openSessions.Inc()
	return id
}

// Append records one step's quantized K/V for the session.
func (s *Store) Append(id string, q *Quantized) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session %q", id)
	}
	s.sessions[id] = append(steps, q)
	return nil
}

// Get returns a copy of the session's step history.
func (s *Store) Get(id string) ([]*Quantized, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	out := make([]*Quantized, len(steps))
	copy(out, steps)
	return out, true
}

// Reset discards the session's history but keeps the session open.
func (s *Store) Reset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		s.sessions[id] = nil
	}
}

// Close removes the session entirely.
func (s *Store) Close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		openSessions.Dec()
	}
}

// Len returns the number of open sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
