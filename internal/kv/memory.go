package kv

import (
	"context"
	"strings"
	"sync"
)

// MemoryKV keeps values in process. Several engines holding the same
// instance observe each other's writes through Watch.
type MemoryKV struct {
	mu       sync.Mutex
	values   map[string][]byte
	watchers map[string]map[chan []byte]struct{}
	closed   bool
	shared   bool
}

var sharedMemory = struct {
	mu        sync.Mutex
	instances map[string]*MemoryKV
}{
	instances: map[string]*MemoryKV{},
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values:   map[string][]byte{},
		watchers: map[string]map[chan []byte]struct{}{},
	}
}

// SharedMemoryKV returns the process-wide instance registered under name,
// creating it on first use. Close is a no-op on shared instances; watchers
// go away with their contexts.
func SharedMemoryKV(name string) *MemoryKV {
	name = strings.ToLower(strings.TrimSpace(name))
	sharedMemory.mu.Lock()
	defer sharedMemory.mu.Unlock()
	if existing, ok := sharedMemory.instances[name]; ok {
		return existing
	}
	created := NewMemoryKV()
	created.shared = true
	sharedMemory.instances[name] = created
	return created
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	value, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	stored := append([]byte(nil), value...)
	m.values[key] = stored
	for ch := range m.watchers[key] {
		pushLatest(ch, append([]byte(nil), stored...))
	}
	return nil
}

func (m *MemoryKV) Watch(ctx context.Context, key string) (<-chan []byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ch := make(chan []byte, 1)
	if m.watchers[key] == nil {
		m.watchers[key] = map[chan []byte]struct{}{}
	}
	m.watchers[key][ch] = struct{}{}
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.watchers[key][ch]; ok {
			delete(m.watchers[key], ch)
			close(ch)
		}
	}()
	return ch, nil
}

func (m *MemoryKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.shared {
		return nil
	}
	m.closed = true
	for key, set := range m.watchers {
		for ch := range set {
			close(ch)
		}
		delete(m.watchers, key)
	}
	return nil
}
