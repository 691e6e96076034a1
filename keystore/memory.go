package keystore

import (
	"context"
	"slices"
	"sync"

	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// MemoryStore is a process-local key store for tests and ephemeral deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, tag string, value []byte) error {
	if err := validateTag(tag); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[tag]; ok {
		return interfaces.ErrKeyExists
	}
	s.entries[tag] = slices.Clone(value)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tag string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.entries[tag]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return slices.Clone(value), nil
}

func (s *MemoryStore) Delete(ctx context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, tag)
	return nil
}

func (s *MemoryStore) Name() string {
	return "memory"
}

// Tags lists the stored tags in sorted order.
func (s *MemoryStore) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags := make([]string, 0, len(s.entries))
	for tag := range s.entries {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}
