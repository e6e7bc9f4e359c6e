package pubsub

import (
	"context"
	"strings"
	"sync"
)

// MemoryBus is an in-process broadcast channel. Each Join returns a
// separate participant.
type MemoryBus struct {
	mu        sync.RWMutex
	endpoints map[*MemoryEndpoint]struct{}
}

var sharedBuses = struct {
	mu    sync.Mutex
	buses map[string]*MemoryBus
}{
	buses: map[string]*MemoryBus{},
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{endpoints: map[*MemoryEndpoint]struct{}{}}
}

// SharedMemoryBus returns the process-wide bus registered under name.
func SharedMemoryBus(name string) *MemoryBus {
	name = strings.ToLower(strings.TrimSpace(name))
	sharedBuses.mu.Lock()
	defer sharedBuses.mu.Unlock()
	if bus, ok := sharedBuses.buses[name]; ok {
		return bus
	}
	bus := NewMemoryBus()
	sharedBuses.buses[name] = bus
	return bus
}

func (b *MemoryBus) Join() *MemoryEndpoint {
	endpoint := &MemoryEndpoint{bus: b, dispatcher: newDispatcher()}
	b.mu.Lock()
	b.endpoints[endpoint] = struct{}{}
	b.mu.Unlock()
	return endpoint
}

func (b *MemoryBus) Participants() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.endpoints)
}

func (b *MemoryBus) broadcast(from *MemoryEndpoint, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for endpoint := range b.endpoints {
		if endpoint == from {
			continue
		}
		endpoint.dispatcher.dispatch(msg)
	}
}

func (b *MemoryBus) leave(endpoint *MemoryEndpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, endpoint)
}

type MemoryEndpoint struct {
	bus        *MemoryBus
	dispatcher *dispatcher

	mu     sync.Mutex
	closed bool
}

var _ PubSub = (*MemoryEndpoint)(nil)

func (e *MemoryEndpoint) Publish(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.bus.broadcast(e, msg)
	return nil
}

func (e *MemoryEndpoint) Subscribe(handler Handler) (func(), error) {
	return e.dispatcher.subscribe(handler)
}

func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.bus.leave(e)
	e.dispatcher.close()
	return nil
}
