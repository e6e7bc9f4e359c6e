package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/agentworkforce/relaylevel/internal/notify"
	"github.com/agentworkforce/relaylevel/internal/override"
)

// dispatcher remembers which overrides were already warned about. An id
// stays in the set while the override is expiring soon, so the warning
// fires once per crossing.
type dispatcher struct {
	notified map[string]struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{notified: map[string]struct{}{}}
}

// observe reconciles the notified set with the current expiring set and
// returns the entries that just crossed the threshold.
func (d *dispatcher) observe(expiring []override.Override) []override.Override {
	current := make(map[string]struct{}, len(expiring))
	var crossed []override.Override
	for _, entry := range expiring {
		current[entry.ID] = struct{}{}
		if _, ok := d.notified[entry.ID]; ok {
			continue
		}
		d.notified[entry.ID] = struct{}{}
		crossed = append(crossed, entry)
	}
	for id := range d.notified {
		if _, ok := current[id]; !ok {
			delete(d.notified, id)
		}
	}
	return crossed
}

func (d *dispatcher) forget(entries []override.Override) {
	for _, entry := range entries {
		delete(d.notified, entry.ID)
	}
}

func (d *dispatcher) has(id string) bool {
	_, ok := d.notified[id]
	return ok
}

func expiringNotification(entry override.Override, now time.Time) notify.Notification {
	return notify.Notification{
		Kind:  notify.KindExpiring,
		Title: "Log override expiring soon",
		Body: fmt.Sprintf("%s is at %s for %s more. Keep it or let it reset.",
			entry.ServiceName, entry.Level, entry.Remaining(now).Round(time.Second)),
		Tag:                notify.TagExpiring,
		OverrideID:         entry.ID,
		ServiceID:          entry.ServiceID,
		RequireInteraction: true,
	}
}

func revertedNotification(entry override.Override, defaultLevel override.Level) notify.Notification {
	return notify.Notification{
		Kind:       notify.KindReverted,
		Title:      "Log override reverted",
		Body:       fmt.Sprintf("%s went back from %s to %s.", entry.ServiceName, entry.Level, defaultLevel),
		Tag:        notify.TagReverted,
		OverrideID: entry.ID,
		ServiceID:  entry.ServiceID,
	}
}

// deliver is fire-and-forget: failures are logged and never affect state.
func (e *Engine) deliver(ctx context.Context, notes []notify.Notification) {
	for _, n := range notes {
		notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
		err := e.notifier.Notify(notifyCtx, n)
		cancel()
		if err != nil {
			e.logger.Debug().Err(err).Str("tag", n.Tag).Str("override_id", n.OverrideID).Msg("notification not delivered")
		}
	}
}
