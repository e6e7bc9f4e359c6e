package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaylevel/internal/kv"
	"github.com/agentworkforce/relaylevel/internal/notify"
	"github.com/agentworkforce/relaylevel/internal/override"
	"github.com/agentworkforce/relaylevel/internal/pubsub"
)

func withoutFlag(entries []override.Override) []override.Override {
	out := make([]override.Override, 0, len(entries))
	for _, entry := range entries {
		entry.IsExpiringSoon = false
		out = append(out, entry)
	}
	return out
}

type pulseRecorder struct {
	mu   sync.Mutex
	msgs []pubsub.Message
}

func (p *pulseRecorder) handle(msg pubsub.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *pulseRecorder) count(kind pubsub.MessageType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, msg := range p.msgs {
		if msg.Type == kind {
			n++
		}
	}
	return n
}

func TestCrossTabConvergenceThroughStorage(t *testing.T) {
	shared := kv.NewMemoryKV()
	a := newHarness(t, func(o *Options) { o.KV = shared; o.TabID = "a" })
	b := newHarness(t, func(o *Options) { o.KV = shared; o.TabID = "b"; o.Clock = a.clock })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.engine.Start(ctx))
	defer a.engine.Stop()
	require.NoError(t, b.engine.Start(ctx))
	defer b.engine.Stop()
	require.Empty(t, b.engine.Snapshot())

	x := a.apply(t, "billing", override.LevelDebug, 2*time.Minute)

	assert.Eventually(t, func() bool {
		snapshot := b.engine.Snapshot()
		return len(snapshot) == 1 && withoutFlag(snapshot)[0] == withoutFlag([]override.Override{x})[0]
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, a.engine.Snapshot(), 1, "a does not re-ingest its own write")
}

func TestCrossTabConvergenceThroughFileStorage(t *testing.T) {
	dir := t.TempDir()
	storeA, err := kv.NewFileKV(dir)
	require.NoError(t, err)
	defer storeA.Close()
	storeB, err := kv.NewFileKV(dir)
	require.NoError(t, err)
	defer storeB.Close()

	a := newHarness(t, func(o *Options) { o.KV = storeA })
	b := newHarness(t, func(o *Options) { o.KV = storeB; o.Clock = a.clock })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.engine.Start(ctx))
	defer a.engine.Stop()
	require.NoError(t, b.engine.Start(ctx))
	defer b.engine.Stop()

	x := a.apply(t, "billing", override.LevelDebug, 2*time.Minute)
	assert.Eventually(t, func() bool {
		snapshot := b.engine.Snapshot()
		return len(snapshot) == 1 && snapshot[0].ID == x.ID
	}, 5*time.Second, 10*time.Millisecond)

	_, err = b.engine.Remove(context.Background(), x.ID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(a.engine.Snapshot()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSupersedeConvergesToOneEntryPerSlot(t *testing.T) {
	shared := kv.NewMemoryKV()
	a := newHarness(t, func(o *Options) { o.KV = shared })
	b := newHarness(t, func(o *Options) { o.KV = shared; o.Clock = a.clock })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.engine.Start(ctx))
	defer a.engine.Stop()
	require.NoError(t, b.engine.Start(ctx))
	defer b.engine.Stop()

	a.apply(t, "billing", override.LevelDebug, 2*time.Minute)
	assert.Eventually(t, func() bool { return len(b.engine.Snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	a.advanceTo(time.Second)
	latest := b.apply(t, "billing", override.LevelTrace, 5*time.Minute)
	assert.Eventually(t, func() bool {
		snapshot := a.engine.Snapshot()
		return len(snapshot) == 1 && snapshot[0].ID == latest.ID
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, b.engine.Snapshot(), 1)
}

func TestIngestIsIdempotentAndNeverWritesBack(t *testing.T) {
	writer := newHarness(t)
	x := writer.apply(t, "billing", override.LevelDebug, 2*time.Minute)
	payload, _, err := writer.store.Get(context.Background(), DefaultSnapshotKey)
	require.NoError(t, err)

	reader := newHarness(t, func(o *Options) { o.Clock = writer.clock })
	first, err := reader.engine.Ingest(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, []string{x.ID}, ids(first.Diff.Added))

	second, err := reader.engine.Ingest(context.Background(), payload)
	require.NoError(t, err)
	assert.True(t, second.Skipped || second.Diff.Empty())
	assert.Len(t, reader.engine.Snapshot(), 1)

	_, found, err := reader.store.Get(context.Background(), DefaultSnapshotKey)
	require.NoError(t, err)
	assert.False(t, found, "ingest must not write the snapshot back")
}

func TestIngestDropsExpiredRows(t *testing.T) {
	writer := newHarness(t)
	writer.apply(t, "short", override.LevelDebug, 10*time.Second)
	long := writer.apply(t, "long", override.LevelDebug, 10*time.Minute)
	payload, _, err := writer.store.Get(context.Background(), DefaultSnapshotKey)
	require.NoError(t, err)

	reader := newHarness(t)
	reader.advanceTo(time.Minute)
	_, err = reader.engine.Ingest(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, []string{long.ID}, ids(reader.engine.Snapshot()))
}

func TestMalformedSnapshotIsDiscarded(t *testing.T) {
	h := newHarness(t)
	x := h.apply(t, "billing", override.LevelDebug, 2*time.Minute)

	for _, payload := range []string{
		`not json`,
		`{"id":"x"}`,
		`[{"id":"y","serviceId":"s","serviceName":"s","envId":"","level":"LOUD","startTime":1,"expiryTime":2,"totalDuration":1}]`,
		`[{"id":"y","serviceId":"s","serviceName":"s","envId":"","level":"DEBUG","startTime":5,"expiryTime":2,"totalDuration":1}]`,
	} {
		_, err := h.engine.Ingest(context.Background(), []byte(payload))
		assert.ErrorIs(t, err, override.ErrMalformedSnapshot, payload)
	}
	assert.Equal(t, []string{x.ID}, ids(h.engine.Snapshot()))
	h.advanceTo(time.Second)
	assert.False(t, h.engine.Tick(context.Background()).Inert, "the clock keeps running after a bad payload")
}

func TestLocalWriteWinsOverIngestWhileInFlight(t *testing.T) {
	h := newHarness(t)
	x := h.apply(t, "billing", override.LevelDebug, 2*time.Minute)

	h.engine.mu.Lock()
	h.engine.seq++
	h.engine.mu.Unlock()

	result, err := h.engine.Ingest(context.Background(), []byte(`[]`))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, []string{x.ID}, ids(h.engine.Snapshot()))
	h.engine.mu.Lock()
	assert.True(t, h.engine.resyncDeferred)
	h.engine.mu.Unlock()
}

func TestMutationPublishesSyncRequiredOnce(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	peer := bus.Join()
	defer peer.Close()
	var pulses pulseRecorder
	_, err := peer.Subscribe(pulses.handle)
	require.NoError(t, err)

	h := newHarness(t, func(o *Options) { o.PubSub = bus.Join() })
	h.apply(t, "billing", override.LevelDebug, 5*time.Minute)

	assert.Eventually(t, func() bool { return pulses.count(pubsub.SyncRequired) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, pulses.count(pubsub.SyncRequired))
	assert.Equal(t, 0, pulses.count(pubsub.ForcePopup))
}

func TestForcePopupPulsesEveryTickWhileExpiring(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	peer := bus.Join()
	defer peer.Close()
	var pulses pulseRecorder
	_, err := peer.Subscribe(pulses.handle)
	require.NoError(t, err)

	h := newHarness(t, func(o *Options) { o.PubSub = bus.Join() })
	h.apply(t, "billing", override.LevelDebug, 2*time.Minute)

	h.advanceTo(30 * time.Second)
	h.engine.Tick(context.Background())
	for i := 0; i < 3; i++ {
		h.advanceTo(61*time.Second + time.Duration(i)*time.Second)
		h.engine.Tick(context.Background())
	}
	assert.Eventually(t, func() bool { return pulses.count(pubsub.ForcePopup) == 3 }, 2*time.Second, 5*time.Millisecond)

	h.advanceTo(3 * time.Minute)
	h.engine.Tick(context.Background())
	h.advanceTo(3*time.Minute + time.Second)
	h.engine.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, pulses.count(pubsub.ForcePopup), "no pulses once nothing is expiring")
}

func TestForcePopupFromPeerSurfacesDecision(t *testing.T) {
	shared := kv.NewMemoryKV()
	bus := pubsub.NewMemoryBus()
	a := newHarness(t, func(o *Options) { o.KV = shared; o.PubSub = bus.Join() })
	b := newHarness(t, func(o *Options) {
		o.KV = shared
		o.PubSub = bus.Join()
		o.Clock = a.clock
		o.TickInterval = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.engine.Start(ctx))
	defer b.engine.Stop()

	a.apply(t, "billing", override.LevelDebug, 2*time.Minute)
	assert.Eventually(t, func() bool { return len(b.engine.Snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// b's own ticker has not fired; a's pulse makes it evaluate now.
	a.advanceTo(61 * time.Second)
	a.engine.Tick(context.Background())
	assert.Eventually(t, func() bool {
		return b.notifier.count(notify.KindExpiring) == 1
	}, 2*time.Second, 5*time.Millisecond, "only an evaluation warns")
	assert.Equal(t, DecisionPending, b.engine.Decision().State)
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	require.NoError(t, h.engine.Start(ctx))
	h.engine.Stop()
	h.engine.Stop()
	assert.ErrorIs(t, h.engine.Start(ctx), ErrClosed)
}

func TestClockDrivesTicksAfterStart(t *testing.T) {
	h := newHarness(t)
	h.apply(t, "billing", override.LevelDebug, 2*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop()

	h.clock.BlockUntil(1)
	h.clock.Advance(3 * time.Second)
	assert.Eventually(t, func() bool { return len(h.engine.Snapshot()) == 0 }, 2*time.Second, 5*time.Millisecond)
}
