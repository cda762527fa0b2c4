package storage

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Memory implements in-memory storage for testing and development.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemory creates a new in-memory storage.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*Record),
	}
}

// Save stores or updates a subscription. Endpoints are unique: saving a
// new ID with an existing endpoint replaces the old record.
func (m *Memory) Save(_ context.Context, record *Record) error {
	if err := validate(record); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	for id, r := range m.records {
		if id != record.ID && r.Subscription.Endpoint == record.Subscription.Endpoint {
			delete(m.records, id)
		}
	}
	// Make a copy to avoid external mutations
	m.records[record.ID] = copyRecord(record)
	return nil
}

// Get retrieves a subscription by ID.
func (m *Memory) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(record), nil
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (m *Memory) GetByEndpoint(_ context.Context, endpoint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, record := range m.records {
		if record.Subscription.Endpoint == endpoint {
			return copyRecord(record), nil
		}
	}
	return nil, ErrNotFound
}

// GetByMemberIDs retrieves all subscriptions for the given members.
func (m *Memory) GetByMemberIDs(_ context.Context, memberIDs ...string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Record
	for _, record := range m.sorted() {
		if record.MemberID != "" && slices.Contains(memberIDs, record.MemberID) {
			results = append(results, copyRecord(record))
		}
	}
	return results, nil
}

// Delete removes a subscription by ID.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (m *Memory) DeleteByEndpoint(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, record := range m.records {
		if record.Subscription.Endpoint == endpoint {
			delete(m.records, id)
			return nil
		}
	}
	return ErrNotFound
}

// List returns all subscriptions with pagination.
func (m *Memory) List(_ context.Context, limit, offset int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sorted()

	// Apply pagination
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}

	results := make([]*Record, 0, end-offset)
	for i := offset; i < end; i++ {
		results = append(results, copyRecord(all[i]))
	}
	return results, nil
}

// Close is a no-op for in-memory storage.
func (m *Memory) Close() error {
	return nil
}

// sorted returns records oldest first. Callers hold m.mu.
func (m *Memory) sorted() []*Record {
	all := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		all = append(all, record)
	}
	slices.SortFunc(all, func(a, b *Record) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	return all
}
