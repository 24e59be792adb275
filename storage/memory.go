package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/saiset-co/sai-query-cache/types"
)

// MemoryStorage keeps records in process memory. Nothing survives a restart,
// so it suits tests and throwaway sessions.
type MemoryStorage struct {
	logger types.Logger
	data   map[string][]byte
	state  atomic.Value
	mu     sync.RWMutex
}

func NewMemoryStorage(logger types.Logger) (*MemoryStorage, error) {
	m := &MemoryStorage{
		logger: logger,
		data:   make(map[string][]byte),
	}
	m.state.Store(StateStopped)
	return m, nil
}

func (m *MemoryStorage) Start() error {
	if !m.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (m *MemoryStorage) Stop() error {
	if !m.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (m *MemoryStorage) IsRunning() bool {
	return m.state.Load().(State) == StateRunning
}

func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, types.ErrStorageKeyEmpty
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	if key == "" {
		return types.ErrStorageKeyEmpty
	}

	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStorage) Ping(context.Context) error {
	return nil
}
