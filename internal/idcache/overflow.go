package idcache

import (
	"context"
	"sync"
)

// Entry maps one external identifier to its internal id.
type Entry struct {
	ExternalID string
	ID         int64
}

// Overflow is the backing table that receives entries paged out of memory.
type Overflow interface {
	PageOut(ctx context.Context, entries []Entry) error
	Lookup(ctx context.Context, externalID string) (int64, bool, error)
	// Remove deletes externalID if it maps to id and reports whether a row
	// was deleted.
	Remove(ctx context.Context, externalID string, id int64) (bool, error)
}

// MemoryOverflow is an in-process Overflow used when no cache table is
// available and in tests.
type MemoryOverflow struct {
	mu      sync.RWMutex
	entries map[string]int64
	pages   int
}

// NewMemoryOverflow creates an empty MemoryOverflow.
func NewMemoryOverflow() *MemoryOverflow {
	return &MemoryOverflow{entries: make(map[string]int64)}
}

// PageOut implements Overflow.
func (m *MemoryOverflow) PageOut(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, ok := m.entries[e.ExternalID]; !ok {
			m.entries[e.ExternalID] = e.ID
		}
	}
	m.pages++
	return nil
}

// Lookup implements Overflow.
func (m *MemoryOverflow) Lookup(_ context.Context, externalID string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.entries[externalID]
	return id, ok, nil
}

// Remove implements Overflow.
func (m *MemoryOverflow) Remove(_ context.Context, externalID string, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if got, ok := m.entries[externalID]; !ok || got != id {
		return false, nil
	}
	delete(m.entries, externalID)
	return true, nil
}

// Len returns the number of paged-out entries.
func (m *MemoryOverflow) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Pages returns how many page-out calls were made.
func (m *MemoryOverflow) Pages() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pages
}
