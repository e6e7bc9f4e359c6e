package pubsub

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	defaultNATSSubject = "relaylevel.broadcast"
	originHeader       = "Relaylevel-Origin"
)

// NATSBus publishes pulses on a core NATS subject. Connections opened by
// NewNATSBusFromDSN use NoEcho; the origin header covers connections shared
// by several participants.
type NATSBus struct {
	nc         *nats.Conn
	subject    string
	origin     string
	sub        *nats.Subscription
	dispatcher *dispatcher
	ownsNC     bool
}

var _ PubSub = (*NATSBus)(nil)

// NewNATSBusFromDSN connects to nats://host:port/<subject>.
func NewNATSBusFromDSN(dsn string) (*NATSBus, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	subject := strings.Trim(parsed.Path, "/")
	if subject == "" {
		subject = defaultNATSSubject
	}
	server := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, User: parsed.User}
	nc, err := nats.Connect(server.String(), nats.Name("relaylevel-broadcast"), nats.NoEcho())
	if err != nil {
		return nil, err
	}
	bus, err := NewNATSBus(nc, subject)
	if err != nil {
		nc.Close()
		return nil, err
	}
	bus.ownsNC = true
	return bus, nil
}

func NewNATSBus(nc *nats.Conn, subject string) (*NATSBus, error) {
	subject = strings.TrimSpace(subject)
	if nc == nil || subject == "" {
		return nil, ErrInvalidInput
	}
	bus := &NATSBus{
		nc:         nc,
		subject:    subject,
		origin:     uuid.NewString(),
		dispatcher: newDispatcher(),
	}
	sub, err := nc.Subscribe(subject, bus.receive)
	if err != nil {
		return nil, err
	}
	bus.sub = sub
	return bus, nil
}

func (b *NATSBus) receive(m *nats.Msg) {
	if m.Header != nil && m.Header.Get(originHeader) == b.origin {
		return
	}
	msg, err := DecodeMessage(m.Data)
	if err != nil {
		return
	}
	b.dispatcher.dispatch(msg)
}

func (b *NATSBus) Publish(_ context.Context, msg Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	out := nats.NewMsg(b.subject)
	out.Header.Set(originHeader, b.origin)
	out.Data = data
	return b.nc.PublishMsg(out)
}

func (b *NATSBus) Subscribe(handler Handler) (func(), error) {
	return b.dispatcher.subscribe(handler)
}

func (b *NATSBus) Close() error {
	b.dispatcher.close()
	var err error
	if b.sub != nil {
		err = b.sub.Unsubscribe()
	}
	if b.ownsNC {
		b.nc.Close()
	}
	return err
}
