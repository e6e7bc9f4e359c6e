package pubsub

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var ErrNotConnected = errors.New("broadcast relay not connected")

const (
	wsWriteTimeout      = 5 * time.Second
	defaultWSMinBackoff = 100 * time.Millisecond
	defaultWSMaxBackoff = 5 * time.Second
)

// Hub relays pulses between WebSocket clients and in-process participants.
// It is the server side of ws:// broadcast DSNs.
type Hub struct {
	bus *MemoryBus
}

func NewHub() *Hub {
	return &Hub{bus: NewMemoryBus()}
}

// Join adds an in-process participant to the hub.
func (h *Hub) Join() *MemoryEndpoint {
	return h.bus.Join()
}

func (h *Hub) Participants() int {
	return h.bus.Participants()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	endpoint := h.bus.Join()
	defer endpoint.Close()

	var writeMu sync.Mutex
	stop, err := endpoint.Subscribe(func(msg Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		_ = wsjson.Write(writeCtx, conn, msg)
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer stop()

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		if msg.Validate() != nil {
			continue
		}
		_ = endpoint.Publish(ctx, msg)
	}
}

type WSOptions struct {
	Header     http.Header
	HTTPClient *http.Client
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// WSBus is a participant connected to a remote Hub. It reconnects with
// exponential backoff until closed; pulses published while disconnected
// fail with ErrNotConnected.
type WSBus struct {
	url        string
	opts       WSOptions
	dispatcher *dispatcher
	cancel     context.CancelFunc
	done       chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

var _ PubSub = (*WSBus)(nil)

func DialWS(rawURL string, opts *WSOptions) *WSBus {
	var resolved WSOptions
	if opts != nil {
		resolved = *opts
	}
	if resolved.MinBackoff <= 0 {
		resolved.MinBackoff = defaultWSMinBackoff
	}
	if resolved.MaxBackoff <= 0 {
		resolved.MaxBackoff = defaultWSMaxBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := &WSBus{
		url:        strings.TrimSpace(rawURL),
		opts:       resolved,
		dispatcher: newDispatcher(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go bus.run(ctx)
	return bus
}

func (b *WSBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *WSBus) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, msg)
}

func (b *WSBus) Subscribe(handler Handler) (func(), error) {
	return b.dispatcher.subscribe(handler)
}

func (b *WSBus) Close() error {
	b.cancel()
	<-b.done
	b.dispatcher.close()
	return nil
}

func (b *WSBus) run(ctx context.Context) {
	defer close(b.done)
	attempt := 0
	for {
		conn, _, err := websocket.Dial(ctx, b.url, &websocket.DialOptions{
			HTTPHeader: b.opts.Header,
			HTTPClient: b.opts.HTTPClient,
		})
		if err == nil {
			attempt = 0
			b.mu.Lock()
			b.conn = conn
			b.mu.Unlock()
			b.readLoop(ctx, conn)
			b.mu.Lock()
			b.conn = nil
			b.mu.Unlock()
			conn.Close(websocket.StatusGoingAway, "")
		}
		if ctx.Err() != nil {
			return
		}
		attempt++
		if waitErr := waitWithContext(ctx, b.backoff(attempt)); waitErr != nil {
			return
		}
	}
}

func (b *WSBus) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		if msg.Validate() != nil {
			continue
		}
		b.dispatcher.dispatch(msg)
	}
}

func (b *WSBus) backoff(attempt int) time.Duration {
	delay := b.opts.MinBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.opts.MaxBackoff {
			return b.opts.MaxBackoff
		}
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
