package engine

import (
	"context"

	"github.com/agentworkforce/relaylevel/internal/notify"
	"github.com/agentworkforce/relaylevel/internal/override"
	"github.com/agentworkforce/relaylevel/internal/pubsub"
)

type TickResult struct {
	// Inert is set when no operator session is active and nothing ran.
	Inert    bool
	Expired  []override.Override
	Expiring []override.Override
}

// Tick runs one expiry clock step at the clock's current time, the same
// way the periodic clock does.
func (e *Engine) Tick(ctx context.Context) TickResult {
	return e.tick(ctx, true)
}

// tick drops expired overrides, recomputes the expiring set, notifies and
// moves the decision gate. Clock-driven ticks also send the FORCE_POPUP
// pulse while anything is expiring; ticks caused by a pulse do not, or two
// tabs would keep waking each other.
func (e *Engine) tick(ctx context.Context, fromClock bool) TickResult {
	e.mu.Lock()
	now := e.now()
	active, justEnded := e.sessionActiveLocked(now)
	if !active {
		e.mu.Unlock()
		if justEnded {
			e.logger.Info().Msg("operator session expired")
			e.emit(Event{Type: EventSession, Reason: "expired"}, now)
		}
		return TickResult{Inert: true}
	}

	expired := e.store.TakeExpired(now)
	e.notified.forget(expired)
	expiring := e.store.Expiring(now)
	crossed := e.notified.observe(expiring)
	gateChanged := e.gate.observe(expiring, now)
	decision := e.gate.decision(expiring)
	var seq uint64
	var payload []byte
	if len(expired) > 0 {
		seq, payload = e.commitLocked()
	}
	e.mu.Unlock()

	alerting := len(expiring) > 0
	if len(expired) > 0 {
		e.persist(ctx, seq, payload)
		e.publish(ctx, pubsub.SyncRequired)
		e.submit(e.revertTasks(expired, "expired", now))
	}

	notes := make([]notify.Notification, 0, len(expired)+len(crossed))
	for _, entry := range expired {
		notes = append(notes, revertedNotification(entry, e.defaultLevel))
	}
	for _, entry := range crossed {
		notes = append(notes, expiringNotification(entry, now))
	}
	e.deliver(ctx, notes)

	if len(expired) > 0 {
		for _, entry := range expired {
			e.logger.Info().
				Str("override_id", entry.ID).
				Str("service_id", entry.ServiceID).
				Str("level", entry.Level.String()).
				Msg("override expired")
		}
		e.emit(Event{Type: EventReverted, Overrides: expired, Expiring: expiring, Alerting: alerting, Reason: "expired"}, now)
	}
	e.emit(Event{Type: EventTick, Expiring: expiring, Alerting: alerting}, now)
	if gateChanged {
		e.emit(Event{Type: EventDecision, Decision: &decision, Alerting: alerting}, now)
	}
	if fromClock && alerting {
		e.publish(ctx, pubsub.ForcePopup)
	}
	return TickResult{Expired: expired, Expiring: expiring}
}
