package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func TestMessageValidate(t *testing.T) {
	require.NoError(t, Message{Type: SyncRequired}.Validate())
	require.NoError(t, Message{Type: ForcePopup}.Validate())
	assert.ErrorIs(t, Message{Type: "PING"}.Validate(), ErrInvalidMessage)
	assert.ErrorIs(t, Message{}.Validate(), ErrInvalidMessage)
}

func TestMessageCodec(t *testing.T) {
	data, err := EncodeMessage(Message{Type: ForcePopup})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FORCE_POPUP"}`, string(data))

	msg, err := DecodeMessage([]byte(`{"type":"SYNC_REQUIRED"}`))
	require.NoError(t, err)
	assert.Equal(t, SyncRequired, msg.Type)

	_, err = DecodeMessage([]byte(`{"type":"sync_required"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = DecodeMessage([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestMemoryBusNeverDeliversToSender(t *testing.T) {
	bus := NewMemoryBus()
	a := bus.Join()
	b := bus.Join()
	c := bus.Join()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	var gotA, gotB, gotC recorder
	for _, pair := range []struct {
		endpoint *MemoryEndpoint
		rec      *recorder
	}{{a, &gotA}, {b, &gotB}, {c, &gotC}} {
		_, err := pair.endpoint.Subscribe(pair.rec.handle)
		require.NoError(t, err)
	}

	require.NoError(t, a.Publish(context.Background(), Message{Type: SyncRequired}))

	assert.Eventually(t, func() bool {
		return len(gotB.snapshot()) == 1 && len(gotC.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, gotA.snapshot())
	assert.Equal(t, SyncRequired, gotB.snapshot()[0].Type)
}

func TestMemoryEndpointUnsubscribeAndClose(t *testing.T) {
	bus := NewMemoryBus()
	a := bus.Join()
	b := bus.Join()
	require.Equal(t, 2, bus.Participants())

	var got recorder
	stop, err := b.Subscribe(got.handle)
	require.NoError(t, err)
	stop()
	stop()

	require.NoError(t, a.Publish(context.Background(), Message{Type: ForcePopup}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got.snapshot())

	require.NoError(t, b.Close())
	assert.Equal(t, 1, bus.Participants())
	_, err = b.Subscribe(got.handle)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), Message{Type: ForcePopup}), ErrClosed)
	assert.ErrorIs(t, a.Publish(context.Background(), Message{Type: "BOGUS"}), ErrInvalidMessage)
}

func TestSharedMemoryBusByName(t *testing.T) {
	first := SharedMemoryBus("tabs-test")
	second := SharedMemoryBus(" TABS-test ")
	assert.Same(t, first, second)
	assert.NotSame(t, first, SharedMemoryBus("other-tabs-test"))
}

func TestBuildFromDSN(t *testing.T) {
	ps, err := BuildFromDSN("memory://build-test")
	require.NoError(t, err)
	defer ps.Close()
	_, ok := ps.(*MemoryEndpoint)
	assert.True(t, ok, "expected memory endpoint, got %T", ps)

	_, err = BuildFromDSN("kafka://broker:9092/topic")
	assert.True(t, errors.Is(err, ErrNotImplemented))
	_, err = BuildFromDSN("gopher://x")
	assert.Error(t, err)
	_, err = BuildFromDSN("")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegisterFactory(t *testing.T) {
	bus := NewMemoryBus()
	RegisterFactory("pubsubtestcustom", func(dsn string) (PubSub, error) {
		return bus.Join(), nil
	})
	ps, err := BuildFromDSN("pubsubtestcustom://example")
	require.NoError(t, err)
	defer ps.Close()
	assert.Equal(t, 1, bus.Participants())
}

func TestDispatcherDropsWhenSubscriberIsSlow(t *testing.T) {
	d := newDispatcher()
	release := make(chan struct{})
	var got recorder
	_, err := d.subscribe(func(msg Message) {
		<-release
		got.handle(msg)
	})
	require.NoError(t, err)

	for i := 0; i < subscriptionBuffer*4; i++ {
		d.dispatch(Message{Type: ForcePopup})
	}
	close(release)
	assert.Eventually(t, func() bool {
		n := len(got.snapshot())
		return n > 0 && n <= subscriptionBuffer+1
	}, 2*time.Second, 10*time.Millisecond)
	d.close()
}
