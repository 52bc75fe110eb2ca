package settings

import (
	"errors"
	"sync"
)

// Keys under which the adopted file names are persisted.
const (
	SlidesKey = "pdfName"
	NotesKey  = "mdName"
)

var ErrNotFound = errors.New("setting not found")

// Store is durable key-value persistence. Set must not return before the
// value is durable.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// MemoryStore keeps settings in process memory only.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
