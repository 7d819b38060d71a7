package prefs

import (
	"context"
	"sync"
)

// Memory is a process-local Store. It is also the fallback when a durable
// backend cannot be opened.
type Memory struct {
	mu   sync.Mutex
	data map[string][]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]string)}
}

func (m *Memory) GetStringList(_ context.Context, key string) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]string(nil), v...), true, nil
}

func (m *Memory) SetStringList(_ context.Context, key string, value []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]string(nil), value...)
	return nil
}

func (m *Memory) Close() error { return nil }
