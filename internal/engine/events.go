package engine

import (
	"sync"
	"time"

	"github.com/agentworkforce/relaylevel/internal/override"
)

type EventType string

const (
	EventCreated  EventType = "created"
	EventRenewed  EventType = "renewed"
	EventRemoved  EventType = "removed"
	EventReverted EventType = "reverted"
	EventIngested EventType = "ingested"
	EventTick     EventType = "tick"
	EventDecision EventType = "decision"
	EventSession  EventType = "session"
)

type Event struct {
	Type      EventType           `json:"type"`
	TabID     string              `json:"tabId"`
	At        int64               `json:"at"`
	Overrides []override.Override `json:"overrides,omitempty"`
	Expiring  []override.Override `json:"expiring,omitempty"`
	Alerting  bool                `json:"alerting"`
	Decision  *Decision           `json:"decision,omitempty"`
	Session   *Session            `json:"session,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

const defaultEventBuffer = 64

type eventHub struct {
	mu     sync.Mutex
	buffer int
	next   int
	subs   map[int]chan Event
	closed bool
}

func newEventHub(buffer int) *eventHub {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &eventHub{buffer: buffer, subs: map[int]chan Event{}}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.next++
	id := h.next
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// emit never blocks; a subscriber that falls behind misses events.
func (h *eventHub) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribe streams engine events until the returned cancel func is
// called or the engine stops.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.events.subscribe()
}

func (e *Engine) emit(ev Event, now time.Time) {
	ev.TabID = e.tabID
	ev.At = now.UnixMilli()
	e.events.emit(ev)
}
