package backup

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps backups in memory. They do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Resolve(ctx context.Context, resource string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[resource]
	if !ok {
		return nil, nil
	}
	entry.Content = cloneBytes(entry.Content)
	if entry.Meta != nil {
		meta := *entry.Meta
		entry.Meta = &meta
	}
	return &entry, nil
}

func (s *MemoryStore) Backup(ctx context.Context, resource string, meta *Meta, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := Entry{Resource: resource, Content: cloneBytes(content)}
	if meta != nil {
		m := *meta
		entry.Meta = &m
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[resource] = entry
	return nil
}

func (s *MemoryStore) Discard(ctx context.Context, resource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, resource)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resources := make([]string, 0, len(s.entries))
	for resource := range s.entries {
		resources = append(resources, resource)
	}
	sort.Strings(resources)
	return resources, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
