package store

import (
	"context"
	"sync"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

// Memory is an in-process Store. Entries do not survive a restart and do
// not expire.
type Memory struct {
	mu      sync.Mutex
	entries map[email.CorrelationID][]byte
	parked  map[email.CorrelationID][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[email.CorrelationID][]byte),
		parked:  make(map[email.CorrelationID][]byte),
	}
}

func (m *Memory) PutIfAbsent(_ context.Context, id email.CorrelationID, data []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; ok {
		return false, nil
	}
	m.entries[id] = append([]byte(nil), data...)
	return true, nil
}

func (m *Memory) Get(_ context.Context, id email.CorrelationID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Take(_ context.Context, id email.CorrelationID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.entries, id)
	return data, nil
}

func (m *Memory) Update(_ context.Context, id email.CorrelationID, fn func([]byte) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	next, err := fn(append([]byte(nil), data...))
	if err != nil || next == nil {
		return err
	}
	m.entries[id] = append([]byte(nil), next...)
	return nil
}

func (m *Memory) Delete(_ context.Context, id email.CorrelationID) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Park(_ context.Context, id email.CorrelationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.entries, id)
	m.parked[id] = data
	return nil
}

func (m *Memory) Unpark(_ context.Context, id email.CorrelationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.parked[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.parked, id)
	if _, live := m.entries[id]; live {
		return ErrHeld
	}
	m.entries[id] = data
	return nil
}

func (m *Memory) Parked(_ context.Context, id email.CorrelationID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.parked[id]
	return ok, nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}
