package server

import (
	"sync"

	"github.com/signalsfoundry/cbf-coordinator/internal/subarray"
)

// ResultStore keeps the terminal result of recent lifecycle commands so
// callers can poll them by command ID. Oldest entries are evicted once the
// capacity is reached.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]subarray.CommandResult
	order   []string
	cap     int
}

// NewResultStore builds a store holding at most capacity results.
func NewResultStore(capacity int) *ResultStore {
	if capacity < 1 {
		capacity = 256
	}
	return &ResultStore{
		results: make(map[string]subarray.CommandResult),
		cap:     capacity,
	}
}

// Put records a terminal command result.
func (s *ResultStore) Put(res subarray.CommandResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[res.CommandID]; !exists {
		s.order = append(s.order, res.CommandID)
	}
	s.results[res.CommandID] = res
	for len(s.order) > s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.results, oldest)
	}
}

// Get looks up a result by command ID.
func (s *ResultStore) Get(id string) (subarray.CommandResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[id]
	return res, ok
}
