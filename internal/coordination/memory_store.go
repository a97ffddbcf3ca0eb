package coordination

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory coordination store for demo/development mode.
type MemoryStore struct {
	records map[string]*Coordination
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory coordination store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Coordination),
	}
}

func (m *MemoryStore) Create(ctx context.Context, c *Coordination) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[c.EscrowID] = c.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, escrowID string) (*Coordination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.records[escrowID]
	if !ok {
		return nil, ErrNotFound
	}
	// Deep copy so callers never share maps with the stored record.
	return c.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, c *Coordination) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[c.EscrowID]; !ok {
		return ErrNotFound
	}
	m.records[c.EscrowID] = c.Clone()
	return nil
}

func (m *MemoryStore) ListByState(ctx context.Context, state State, limit int) ([]*Coordination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Coordination
	for _, c := range m.records {
		if c.State == state {
			result = append(result, c.Clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
