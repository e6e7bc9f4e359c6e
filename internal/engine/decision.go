package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaylevel/internal/notify"
	"github.com/agentworkforce/relaylevel/internal/override"
	"github.com/agentworkforce/relaylevel/internal/pubsub"
	"github.com/agentworkforce/relaylevel/internal/remote"
)

type DecisionState string

const (
	DecisionIdle    DecisionState = "idle"
	DecisionPending DecisionState = "pending"
)

type DecisionAction string

const (
	// ActionKeep renews every override that is expiring soon.
	ActionKeep DecisionAction = "keep"
	// ActionReset removes every override that is expiring soon and lets
	// the backend timers run out.
	ActionReset DecisionAction = "reset"
)

func ParseDecisionAction(raw string) (DecisionAction, error) {
	switch action := DecisionAction(strings.ToLower(strings.TrimSpace(raw))); action {
	case ActionKeep, ActionReset:
		return action, nil
	case "renew", "keep-all":
		return ActionKeep, nil
	case "accept", "accept-reset", "reset-all":
		return ActionReset, nil
	default:
		return "", fmt.Errorf("%w: decision action %q", ErrInvalidInput, raw)
	}
}

// Decision is the keep/reset prompt. Cycle increases every time the gate
// opens, so a client can tell a fresh prompt from the one it answered.
type Decision struct {
	State    DecisionState       `json:"state"`
	Cycle    uint64              `json:"cycle"`
	OpenedAt int64               `json:"openedAt,omitempty"`
	Expiring []override.Override `json:"expiring"`
}

type DecisionResult struct {
	Action    DecisionAction      `json:"action"`
	Cycle     uint64              `json:"cycle"`
	Overrides []override.Override `json:"overrides"`
}

type gate struct {
	state    DecisionState
	cycle    uint64
	openedAt time.Time
}

// observe moves the gate for the current expiring set and reports whether
// the state changed.
func (g *gate) observe(expiring []override.Override, now time.Time) bool {
	switch {
	case len(expiring) > 0 && g.state != DecisionPending:
		g.state = DecisionPending
		g.cycle++
		g.openedAt = now
		return true
	case len(expiring) == 0 && g.state == DecisionPending:
		g.state = DecisionIdle
		g.openedAt = time.Time{}
		return true
	}
	if g.state == "" {
		g.state = DecisionIdle
	}
	return false
}

func (g *gate) decision(expiring []override.Override) Decision {
	state := g.state
	if state == "" {
		state = DecisionIdle
	}
	d := Decision{State: state, Cycle: g.cycle, Expiring: expiring}
	if state == DecisionPending {
		d.OpenedAt = g.openedAt.UnixMilli()
	}
	if d.Expiring == nil {
		d.Expiring = []override.Override{}
	}
	return d
}

// Decision reports the gate for the overrides expiring now. Reading it
// moves the gate when time alone changed the expiring set.
func (e *Engine) Decision() Decision {
	e.mu.Lock()
	now := e.now()
	expiring := e.store.Expiring(now)
	gateChanged := e.gate.observe(expiring, now)
	decision := e.gate.decision(expiring)
	e.mu.Unlock()

	if gateChanged {
		e.emit(Event{Type: EventDecision, Decision: &decision, Alerting: len(expiring) > 0}, now)
	}
	return decision
}

// ResolveDecision applies action to the overrides expiring at this
// instant, not to the set the prompt was opened with. Overrides that start
// expiring afterwards open a new cycle.
func (e *Engine) ResolveDecision(ctx context.Context, action DecisionAction) (DecisionResult, error) {
	if action != ActionKeep && action != ActionReset {
		return DecisionResult{}, fmt.Errorf("%w: decision action %q", ErrInvalidInput, action)
	}
	e.mu.Lock()
	if err := e.requireSessionLocked(); err != nil {
		e.mu.Unlock()
		return DecisionResult{}, err
	}
	now := e.now()
	// Rows already past expiry stay out of the live set; the clock drops
	// them with their reverted alert and revert call.
	live := e.store.Expiring(now)
	if len(live) == 0 {
		gateChanged := e.gate.observe(nil, now)
		decision := e.gate.decision(nil)
		e.mu.Unlock()
		if gateChanged {
			e.emit(Event{Type: EventDecision, Decision: &decision}, now)
		}
		return DecisionResult{}, ErrNoPendingDecision
	}
	cycle := e.gate.cycle
	ids := make([]string, 0, len(live))
	for _, entry := range live {
		ids = append(ids, entry.ID)
	}

	var affected []override.Override
	var tasks []remote.Task
	evType := EventRenewed
	switch action {
	case ActionKeep:
		affected = e.store.Renew(now, ids...)
		tasks = e.applyTasks(affected, "keep-all", now)
	case ActionReset:
		affected = e.store.Remove(now, ids...)
		evType = EventRemoved
	}
	e.notified.forget(affected)
	// The prompt closes with this answer; anything still expiring (an
	// override shorter than the threshold) opens a new cycle.
	e.gate.state = DecisionIdle
	expiring := e.store.Expiring(now)
	crossed := e.notified.observe(expiring)
	e.gate.observe(expiring, now)
	decision := e.gate.decision(expiring)
	seq, payload := e.commitLocked()
	e.mu.Unlock()

	e.persist(ctx, seq, payload)
	e.publish(ctx, pubsub.SyncRequired)
	e.submit(tasks)
	notes := make([]notify.Notification, 0, len(crossed))
	for _, entry := range crossed {
		notes = append(notes, expiringNotification(entry, now))
	}
	e.deliver(ctx, notes)

	e.emit(Event{Type: evType, Overrides: affected, Expiring: expiring, Alerting: len(expiring) > 0, Reason: string(action)}, now)
	e.emit(Event{Type: EventDecision, Decision: &decision, Alerting: len(expiring) > 0, Reason: string(action)}, now)
	e.logger.Info().
		Str("action", string(action)).
		Uint64("cycle", cycle).
		Int("overrides", len(affected)).
		Msg("decision resolved")
	return DecisionResult{Action: action, Cycle: cycle, Overrides: affected}, nil
}

func (e *Engine) applyTasks(entries []override.Override, reason string, now time.Time) []remote.Task {
	tasks := make([]remote.Task, 0, len(entries))
	for _, entry := range entries {
		tasks = append(tasks, remote.Task{
			ID:          uuid.NewString(),
			Kind:        remote.TaskApply,
			ServiceID:   entry.ServiceID,
			ServiceName: entry.ServiceName,
			Level:       entry.Level.String(),
			DurationMs:  entry.TotalDuration,
			Reason:      reason,
			EnqueuedAt:  now.UTC().Format(time.RFC3339Nano),
		})
	}
	return tasks
}

func (e *Engine) revertTasks(entries []override.Override, reason string, now time.Time) []remote.Task {
	tasks := make([]remote.Task, 0, len(entries))
	for _, entry := range entries {
		tasks = append(tasks, remote.Task{
			ID:          uuid.NewString(),
			Kind:        remote.TaskRevert,
			ServiceID:   entry.ServiceID,
			ServiceName: entry.ServiceName,
			Level:       e.defaultLevel.String(),
			Reason:      reason,
			EnqueuedAt:  now.UTC().Format(time.RFC3339Nano),
		})
	}
	return tasks
}

// submit queues best-effort remote calls. A full queue drops the call and
// only logs, since local state has already moved on.
func (e *Engine) submit(tasks []remote.Task) {
	for _, task := range tasks {
		if err := e.worker.Submit(task); err != nil {
			e.logger.Warn().
				Err(err).
				Str("kind", string(task.Kind)).
				Str("service_id", task.ServiceID).
				Msg("remote task dropped")
		}
	}
}
