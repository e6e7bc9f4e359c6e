package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaylevel/internal/notify"
	"github.com/agentworkforce/relaylevel/internal/override"
	"github.com/agentworkforce/relaylevel/internal/remote"
)

func TestExpiryRemovesOnceWithSingleRevertedAlert(t *testing.T) {
	h := newHarness(t)
	created := h.apply(t, "billing", override.LevelDebug, 120*time.Second)

	h.advanceTo(120001 * time.Millisecond)
	first := h.engine.Tick(context.Background())
	require.Len(t, first.Expired, 1)
	assert.Equal(t, created.ID, first.Expired[0].ID)
	assert.Empty(t, h.engine.Snapshot())

	h.advanceTo(121 * time.Second)
	second := h.engine.Tick(context.Background())
	assert.Empty(t, second.Expired)
	h.advanceTo(122 * time.Second)
	h.engine.Tick(context.Background())

	assert.Equal(t, 1, h.notifier.count(notify.KindReverted))
	reverts := queuedTasks(h.engine, remote.TaskRevert)
	require.Len(t, reverts, 1)
	assert.Equal(t, "billing", reverts[0].ServiceID)
	assert.Equal(t, "expired", reverts[0].Reason)
}

func TestThresholdCrossingWarnsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	created := h.apply(t, "billing", override.LevelDebug, 120*time.Second)

	h.advanceTo(60 * time.Second)
	result := h.engine.Tick(context.Background())
	assert.Empty(t, result.Expiring, "exactly 60s left is not below the threshold")
	assert.Equal(t, 0, h.notifier.count(notify.KindExpiring))

	h.advanceTo(60001 * time.Millisecond)
	result = h.engine.Tick(context.Background())
	require.Len(t, result.Expiring, 1)
	assert.True(t, result.Expiring[0].IsExpiringSoon)
	assert.Equal(t, 1, h.notifier.count(notify.KindExpiring))

	h.advanceTo(60500 * time.Millisecond)
	h.engine.Tick(context.Background())
	assert.Equal(t, 1, h.notifier.count(notify.KindExpiring))

	got, err := h.engine.Get(created.ID)
	require.NoError(t, err)
	assert.True(t, got.IsExpiringSoon)
	assert.True(t, h.engine.Alerting())
}

func TestWarningFiresAgainAfterRenewAndNewCrossing(t *testing.T) {
	h := newHarness(t)
	created := h.apply(t, "billing", override.LevelDebug, 120*time.Second)

	h.advanceTo(61 * time.Second)
	h.engine.Tick(context.Background())
	require.Equal(t, 1, h.notifier.count(notify.KindExpiring))

	_, err := h.engine.Renew(context.Background(), created.ID)
	require.NoError(t, err)
	h.engine.Tick(context.Background())
	assert.False(t, h.engine.Alerting())

	h.advanceTo(61*time.Second + 61*time.Second)
	h.engine.Tick(context.Background())
	assert.Equal(t, 2, h.notifier.count(notify.KindExpiring), "a renewed override can cross again")
}

func TestNotificationTagsAreStablePerCategory(t *testing.T) {
	h := newHarness(t)
	first := h.apply(t, "billing", override.LevelDebug, 2*time.Minute)
	second := h.apply(t, "search", override.LevelDebug, 2*time.Minute)

	h.advanceTo(61 * time.Second)
	h.engine.Tick(context.Background())
	h.advanceTo(121 * time.Second)
	h.engine.Tick(context.Background())

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	seen := map[notify.Kind][]string{}
	for _, note := range h.notifier.notes {
		switch note.Kind {
		case notify.KindExpiring:
			assert.Equal(t, notify.TagExpiring, note.Tag)
		case notify.KindReverted:
			assert.Equal(t, notify.TagReverted, note.Tag)
		}
		seen[note.Kind] = append(seen[note.Kind], note.OverrideID)
	}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, seen[notify.KindExpiring])
	assert.ElementsMatch(t, []string{first.ID, second.ID}, seen[notify.KindReverted])
}

func TestFailingNotifierDoesNotBlockExpiry(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = assert.AnError
	h.apply(t, "billing", override.LevelDebug, 2*time.Minute)

	h.advanceTo(3 * time.Minute)
	result := h.engine.Tick(context.Background())
	assert.Len(t, result.Expired, 1)
	assert.Empty(t, h.engine.Snapshot())
}

func TestTickIsInertWithoutSession(t *testing.T) {
	h := newHarness(t)
	h.apply(t, "billing", override.LevelDebug, time.Minute)
	h.engine.EndSession()

	h.advanceTo(5 * time.Minute)
	result := h.engine.Tick(context.Background())
	assert.True(t, result.Inert)
	assert.Len(t, h.engine.Snapshot(), 1, "nothing expires while no operator is present")
	assert.Equal(t, 0, h.notifier.count(notify.KindReverted))

	require.NoError(t, h.engine.BeginSession("alice", time.Time{}))
	result = h.engine.Tick(context.Background())
	assert.False(t, result.Inert)
	assert.Len(t, result.Expired, 1)
}

func TestSessionEndsWhenItsTimeIsUp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.BeginSession("alice", t0.Add(10*time.Second)))
	events, cancel := h.engine.Subscribe()
	defer cancel()

	h.advanceTo(5 * time.Second)
	assert.False(t, h.engine.Tick(context.Background()).Inert)

	h.advanceTo(10 * time.Second)
	assert.True(t, h.engine.Tick(context.Background()).Inert)
	assert.False(t, h.engine.SessionActive())

	var sawExpiry bool
	for drained := false; !drained; {
		select {
		case ev := <-events:
			if ev.Type == EventSession && ev.Reason == "expired" {
				sawExpiry = true
			}
		default:
			drained = true
		}
	}
	assert.True(t, sawExpiry)
}

func TestEventsFollowTransitions(t *testing.T) {
	h := newHarness(t)
	events, cancel := h.engine.Subscribe()
	defer cancel()

	h.apply(t, "billing", override.LevelDebug, 2*time.Minute)
	h.advanceTo(61 * time.Second)
	h.engine.Tick(context.Background())

	var types []EventType
	for drained := false; !drained; {
		select {
		case ev := <-events:
			assert.Equal(t, h.engine.TabID(), ev.TabID)
			types = append(types, ev.Type)
		default:
			drained = true
		}
	}
	assert.Equal(t, []EventType{EventCreated, EventTick, EventDecision}, types)
}
