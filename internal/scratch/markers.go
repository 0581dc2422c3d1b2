// Package scratch keeps device-local conversation suppression markers. A
// marker hides every message of one conversation created at or before its
// timestamp, until the server-side delete flags catch up.
package scratch

import (
	"sync"
	"time"

	"go-listing-chat/internal/chat"
)

// Markers stores one cutoff per (user, conversation).
type Markers interface {
	Get(self string, key chat.Key) (time.Time, bool, error)
	Set(self string, key chat.Key, at time.Time) error
	All(self string) (chat.Cutoffs, error)
	Close() error
}

const keyPrefix = "deleted_conversation_"

// MemoryMarkers is a Markers that lives as long as the process.
type MemoryMarkers struct {
	mu sync.Mutex
	m  map[string]chat.Cutoffs
}

func NewMemoryMarkers() *MemoryMarkers {
	return &MemoryMarkers{m: make(map[string]chat.Cutoffs)}
}

func (s *MemoryMarkers) Get(self string, key chat.Key) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[self][key]
	return t, ok, nil
}

func (s *MemoryMarkers) Set(self string, key chat.Key, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[self] == nil {
		s.m[self] = make(chat.Cutoffs)
	}
	s.m[self][key] = at
	return nil
}

func (s *MemoryMarkers) All(self string) (chat.Cutoffs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(chat.Cutoffs, len(s.m[self]))
	for k, t := range s.m[self] {
		out[k] = t
	}
	return out, nil
}

func (s *MemoryMarkers) Close() error { return nil }
