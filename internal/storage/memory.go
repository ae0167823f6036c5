package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps documents in process memory. Nothing survives a
// restart; it backs the "memory" driver and tests.
type MemoryBackend struct {
	mu        sync.RWMutex
	docs      map[string]*DocumentRecord
	connected bool
}

// NewMemoryBackend creates an empty memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]*DocumentRecord)}
}

func (m *MemoryBackend) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MemoryBackend) HealthCheck(ctx context.Context) (bool, error) {
	if !m.IsConnected() {
		return false, ErrNotConnected
	}
	return true, nil
}

// LoadDocument returns a copy of the stored record
func (m *MemoryBackend) LoadDocument(ctx context.Context, name string) (*DocumentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	record, ok := m.docs[name]
	if !ok {
		return nil, nil
	}
	out := *record
	out.Operations = append([]*OperationEntry(nil), record.Operations...)
	return &out, nil
}

func (m *MemoryBackend) AppendOperation(ctx context.Context, name string, entry *OperationEntry, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	record, ok := m.docs[name]
	if !ok {
		record = &DocumentRecord{Name: name, CreatedAt: entry.CommittedAt}
		m.docs[name] = record
	}
	if entry.Revision != len(record.Operations)+1 {
		return NewConflictError(name, entry.Revision)
	}
	record.Operations = append(record.Operations, entry)
	record.Text = text
	record.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryBackend) ListDocuments(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	names := make([]string, 0, len(m.docs))
	for name := range m.docs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
