package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaylevel/internal/override"
	"github.com/agentworkforce/relaylevel/internal/pubsub"
)

type ServiceRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type ApplyRequest struct {
	Services []ServiceRef
	EnvID    string
	Level    override.Level
	Duration time.Duration
}

// ApplyResult lists the overrides recorded and the names of the services
// whose remote apply failed; those get no local override.
type ApplyResult struct {
	Created []override.Override `json:"created"`
	Failed  []string            `json:"failed"`
}

// Apply asks the remote side to change each service's level, concurrently
// and bounded by the remote timeout, and records an override for every
// service that accepted. An existing override for the same service and
// environment is superseded.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	if err := e.validateApply(req); err != nil {
		return ApplyResult{}, err
	}
	e.mu.Lock()
	err := e.requireSessionLocked()
	e.mu.Unlock()
	if err != nil {
		return ApplyResult{}, err
	}

	accepted := e.applyRemote(ctx, req)

	e.mu.Lock()
	now := e.now()
	result := ApplyResult{Created: []override.Override{}, Failed: []string{}}
	var superseded []override.Override
	for i, svc := range req.Services {
		if !accepted[i] {
			result.Failed = append(result.Failed, serviceLabel(svc))
			continue
		}
		entry, newErr := override.New(override.Spec{
			ServiceID:   svc.ID,
			ServiceName: svc.Name,
			EnvID:       req.EnvID,
			Level:       req.Level,
			Duration:    req.Duration,
		}, now)
		if newErr != nil {
			result.Failed = append(result.Failed, serviceLabel(svc))
			continue
		}
		replaced, createErr := e.store.Create(entry, now)
		if createErr != nil {
			result.Failed = append(result.Failed, serviceLabel(svc))
			continue
		}
		superseded = append(superseded, replaced...)
		result.Created = append(result.Created, entry)
	}
	if len(result.Created) == 0 {
		e.mu.Unlock()
		e.logger.Warn().Strs("failed", result.Failed).Msg("apply recorded no overrides")
		return result, nil
	}
	e.notified.forget(superseded)
	expiring := e.store.Expiring(now)
	gateChanged := e.gate.observe(expiring, now)
	decision := e.gate.decision(expiring)
	seq, payload := e.commitLocked()
	e.mu.Unlock()

	e.persist(ctx, seq, payload)
	e.publish(ctx, pubsub.SyncRequired)

	alerting := len(expiring) > 0
	e.emit(Event{Type: EventCreated, Overrides: result.Created, Expiring: expiring, Alerting: alerting}, now)
	if gateChanged {
		e.emit(Event{Type: EventDecision, Decision: &decision, Alerting: alerting}, now)
	}
	e.logger.Info().
		Str("level", req.Level.String()).
		Str("env_id", req.EnvID).
		Dur("duration", req.Duration).
		Int("created", len(result.Created)).
		Int("superseded", len(superseded)).
		Strs("failed", result.Failed).
		Msg("overrides applied")
	return result, nil
}

func (e *Engine) validateApply(req ApplyRequest) error {
	if len(req.Services) == 0 {
		return fmt.Errorf("%w: no services", ErrInvalidInput)
	}
	if !req.Level.Valid() {
		return fmt.Errorf("%w: unknown level %q", ErrInvalidInput, req.Level)
	}
	if req.Duration < time.Millisecond {
		return fmt.Errorf("%w: duration must be at least 1ms, got %s", ErrInvalidInput, req.Duration)
	}
	seen := make(map[string]struct{}, len(req.Services))
	for _, svc := range req.Services {
		id := strings.TrimSpace(svc.ID)
		if id == "" {
			return fmt.Errorf("%w: service without id", ErrInvalidInput)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: service %q listed twice", ErrInvalidInput, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (e *Engine) applyRemote(ctx context.Context, req ApplyRequest) []bool {
	accepted := make([]bool, len(req.Services))
	var wg sync.WaitGroup
	for i, svc := range req.Services {
		wg.Add(1)
		go func(i int, svc ServiceRef) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
			defer cancel()
			err := e.applier.Apply(callCtx, strings.TrimSpace(svc.ID), req.Level.String(), req.Duration)
			if err != nil {
				e.logger.Warn().Err(err).Str("service_id", svc.ID).Msg("remote apply failed")
				return
			}
			accepted[i] = true
		}(i, svc)
	}
	wg.Wait()
	return accepted
}

func serviceLabel(svc ServiceRef) string {
	if name := strings.TrimSpace(svc.Name); name != "" {
		return name
	}
	return strings.TrimSpace(svc.ID)
}

// Remove drops the given overrides at once and queues a revert for each;
// a failed revert is only logged.
func (e *Engine) Remove(ctx context.Context, ids ...string) ([]override.Override, error) {
	return e.removeWhere(ctx, "removed", func(o override.Override) bool {
		for _, id := range ids {
			if o.ID == id {
				return true
			}
		}
		return false
	})
}

// RemoveService drops the override occupying a service slot.
func (e *Engine) RemoveService(ctx context.Context, serviceID, envID string) ([]override.Override, error) {
	return e.removeWhere(ctx, "removed", func(o override.Override) bool {
		return o.ServiceID == serviceID && o.EnvID == envID
	})
}

func (e *Engine) removeWhere(ctx context.Context, reason string, match func(override.Override) bool) ([]override.Override, error) {
	e.mu.Lock()
	if err := e.requireSessionLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	now := e.now()
	removed := e.store.RemoveWhere(now, match)
	if len(removed) == 0 {
		e.mu.Unlock()
		return nil, override.ErrNotFound
	}
	e.notified.forget(removed)
	expiring := e.store.Expiring(now)
	gateChanged := e.gate.observe(expiring, now)
	decision := e.gate.decision(expiring)
	seq, payload := e.commitLocked()
	e.mu.Unlock()

	e.persist(ctx, seq, payload)
	e.publish(ctx, pubsub.SyncRequired)
	e.submit(e.revertTasks(removed, reason, now))

	alerting := len(expiring) > 0
	e.emit(Event{Type: EventRemoved, Overrides: removed, Expiring: expiring, Alerting: alerting, Reason: reason}, now)
	if gateChanged {
		e.emit(Event{Type: EventDecision, Decision: &decision, Alerting: alerting}, now)
	}
	return removed, nil
}

// Renew restarts each override's window at now and queues a re-apply so
// the backend timer is extended too.
func (e *Engine) Renew(ctx context.Context, ids ...string) ([]override.Override, error) {
	e.mu.Lock()
	if err := e.requireSessionLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	now := e.now()
	renewed := e.store.Renew(now, ids...)
	if len(renewed) == 0 {
		e.mu.Unlock()
		return nil, override.ErrNotFound
	}
	e.notified.forget(renewed)
	expiring := e.store.Expiring(now)
	gateChanged := e.gate.observe(expiring, now)
	decision := e.gate.decision(expiring)
	seq, payload := e.commitLocked()
	e.mu.Unlock()

	e.persist(ctx, seq, payload)
	e.publish(ctx, pubsub.SyncRequired)
	e.submit(e.applyTasks(renewed, "renew", now))

	alerting := len(expiring) > 0
	e.emit(Event{Type: EventRenewed, Overrides: renewed, Expiring: expiring, Alerting: alerting, Reason: "renew"}, now)
	if gateChanged {
		e.emit(Event{Type: EventDecision, Decision: &decision, Alerting: alerting}, now)
	}
	return renewed, nil
}

// Snapshot returns the active overrides with flags computed for now.
func (e *Engine) Snapshot() []override.Override {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Refresh(e.now())
}

func (e *Engine) Get(id string) (override.Override, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Refresh(e.now())
	entry, ok := e.store.Get(id)
	if !ok {
		return override.Override{}, override.ErrNotFound
	}
	return entry, nil
}

// Expiring returns the overrides expiring soon as of now.
func (e *Engine) Expiring() []override.Override {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Expiring(e.now())
}

// Alerting is true while anything is expiring soon; UIs flash on it.
func (e *Engine) Alerting() bool {
	return len(e.Expiring()) > 0
}

func (e *Engine) Now() time.Time {
	return e.now()
}

// IsNotFound reports whether err means no override matched.
func IsNotFound(err error) bool {
	return errors.Is(err, override.ErrNotFound)
}
