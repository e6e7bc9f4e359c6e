// Package pubsub carries the broadcast pulse that prompts peer engines to
// re-check the persisted snapshot. A message is never delivered back to
// the endpoint that published it.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var (
	ErrInvalidMessage = errors.New("invalid broadcast message")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("broadcast endpoint closed")
)

type MessageType string

const (
	SyncRequired MessageType = "SYNC_REQUIRED"
	ForcePopup   MessageType = "FORCE_POPUP"
)

// Message has no payload beyond its type; receivers re-derive state from
// the persisted snapshot and their own clock.
type Message struct {
	Type MessageType `json:"type"`
}

func (m Message) Validate() error {
	switch m.Type {
	case SyncRequired, ForcePopup:
		return nil
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidMessage, m.Type)
	}
}

func EncodeMessage(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

type Handler func(Message)

// PubSub is one participant on a named broadcast channel.
type PubSub interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers handler for messages from other participants.
	// Handlers run on a goroutine owned by the subscription; the returned
	// func stops delivery.
	Subscribe(handler Handler) (func(), error)
	Close() error
}

type Factory func(dsn string) (PubSub, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

// BuildFromDSN joins a broadcast channel: memory://[name],
// nats://host:port/subject, ws://host/v1/broadcast.
func BuildFromDSN(dsn string) (PubSub, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		name := strings.TrimSpace(parsed.Host)
		if name == "" {
			return NewMemoryBus().Join(), nil
		}
		return SharedMemoryBus(name).Join(), nil
	case "nats", "tls":
		return NewNATSBusFromDSN(dsn)
	case "ws", "wss":
		return DialWS(dsn, nil), nil
	case "redis", "rediss", "kafka":
		return nil, fmt.Errorf("%w: broadcast transport %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported broadcast scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

const subscriptionBuffer = 16

type subscription struct {
	handler Handler
	ch      chan Message
	done    chan struct{}
}

// dispatcher hands inbound messages to subscribers without letting a slow
// handler block the transport. Pulses are idempotent, so a full buffer
// drops the message.
type dispatcher struct {
	mu     sync.Mutex
	next   int
	subs   map[int]*subscription
	closed bool
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: map[int]*subscription{}}
}

func (d *dispatcher) subscribe(handler Handler) (func(), error) {
	if handler == nil {
		return nil, ErrInvalidInput
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	d.next++
	id := d.next
	sub := &subscription{
		handler: handler,
		ch:      make(chan Message, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	d.subs[id] = sub
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case msg := <-sub.ch:
				sub.handler(msg)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if _, ok := d.subs[id]; ok {
				delete(d.subs, id)
				close(sub.done)
			}
		})
	}, nil
}

func (d *dispatcher) dispatch(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, sub := range d.subs {
		delete(d.subs, id)
		close(sub.done)
	}
}
