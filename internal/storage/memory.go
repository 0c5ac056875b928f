package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in process memory. Used in tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	baseURL string
}

func NewMemoryStore(publicBaseURL string) *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject), baseURL: publicBaseURL}
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Object
	for k, o := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Object{Key: k, Size: int64(len(o.data)), ContentType: o.contentType, URL: s.PublicURL(k)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), o.data...), nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) (Object, error) {
	if err := ValidKey(key); err != nil {
		return Object{}, err
	}
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	s.mu.Lock()
	s.objects[key] = memObject{data: append([]byte(nil), data...), contentType: contentType}
	s.mu.Unlock()
	return Object{Key: key, Size: int64(len(data)), ContentType: contentType, URL: s.PublicURL(key)}, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) PublicURL(key string) string { return joinURL(s.baseURL, key) }

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
