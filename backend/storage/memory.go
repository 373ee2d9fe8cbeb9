package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process ObjectStore used in tests and local
// development. Grants point at a placeholder endpoint, Head/Delete operate
// on objects seeded via Put.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]ObjectInfo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]ObjectInfo)}
}

func (s *MemoryStore) Put(key string, info ObjectInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = info
}

func (s *MemoryStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *MemoryStore) PresignUploadPost(ctx context.Context, key, contentType string) (PostGrant, error) {
	return PostGrant{
		URL: "https://storage.invalid/upload",
		Fields: map[string]string{
			"key":          key,
			"Content-Type": contentType,
		},
		Key:    key,
		Expiry: time.Now().Add(GrantDuration),
	}, nil
}

func (s *MemoryStore) PresignUploadPut(ctx context.Context, key string) (PutGrant, error) {
	return PutGrant{
		URL:    "https://storage.invalid/upload/" + key,
		Key:    key,
		Expiry: time.Now().Add(GrantDuration),
	}, nil
}

func (s *MemoryStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("object %v not found", key)
	}
	return info, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, key)
	return nil
}
