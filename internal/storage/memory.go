package storage

import (
	"context"
	"sync"
)

// Memory is a process-local store for tests and single-node relays that do
// not need durability.
type Memory struct {
	mu   sync.RWMutex
	blob map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blob: map[string][]byte{}}
}

func (m *Memory) Load(_ context.Context, notebookID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blob[notebookID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Save(_ context.Context, notebookID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob[notebookID] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Close() error { return nil }
