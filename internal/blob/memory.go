package blob

import (
	"context"
	"strings"
	"sync"
)

const memoryScheme = "memory://"

// Object is what a MemoryStore keeps per key.
type Object struct {
	ContentType string
	Data        []byte
}

// MemoryStore keeps objects in process. URLs have the form memory://<key>.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]Object
	err     error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

// FailWith makes subsequent Puts return err. Nil restores normal behavior.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.objects[key] = Object{ContentType: contentType, Data: append([]byte(nil), data...)}
	return memoryScheme + key, nil
}

func (s *MemoryStore) Delete(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.TrimPrefix(url, memoryScheme)
	if _, ok := s.objects[key]; !ok {
		return ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

// Get returns the object stored at url.
func (s *MemoryStore) Get(url string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[strings.TrimPrefix(url, memoryScheme)]
	return o, ok
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
