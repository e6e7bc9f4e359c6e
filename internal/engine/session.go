package engine

import (
	"fmt"
	"strings"
	"time"
)

// Session is the operator presence that keeps the expiry clock running.
// A zero Until never ends on its own.
type Session struct {
	Operator  string    `json:"operator"`
	StartedAt time.Time `json:"startedAt"`
	Until     time.Time `json:"until,omitempty"`
}

func (s Session) expired(now time.Time) bool {
	return !s.Until.IsZero() && !now.Before(s.Until)
}

func (e *Engine) BeginSession(operator string, until time.Time) error {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return fmt.Errorf("%w: operator is required", ErrInvalidInput)
	}
	e.mu.Lock()
	now := e.now()
	if !until.IsZero() && !until.After(now) {
		e.mu.Unlock()
		return fmt.Errorf("%w: session end %s is not in the future", ErrInvalidInput, until.Format(time.RFC3339))
	}
	session := Session{Operator: operator, StartedAt: now, Until: until}
	e.session = session
	e.hasSession = true
	e.mu.Unlock()

	e.logger.Info().Str("operator", operator).Time("until", until).Msg("operator session started")
	e.emit(Event{Type: EventSession, Session: &session, Reason: "begin"}, now)
	return nil
}

func (e *Engine) EndSession() {
	e.mu.Lock()
	now := e.now()
	ended := e.endSessionLocked()
	e.mu.Unlock()
	if ended {
		e.logger.Info().Msg("operator session ended")
		e.emit(Event{Type: EventSession, Reason: "end"}, now)
	}
}

func (e *Engine) Session() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasSession && e.session.expired(e.now()) {
		return Session{}, false
	}
	return e.session, e.hasSession
}

func (e *Engine) SessionActive() bool {
	_, ok := e.Session()
	return ok
}

func (e *Engine) endSessionLocked() bool {
	if !e.hasSession {
		return false
	}
	e.hasSession = false
	e.session = Session{}
	return true
}

// sessionActiveLocked ends a session whose time is up. The second result
// reports that it just ended.
func (e *Engine) sessionActiveLocked(now time.Time) (bool, bool) {
	if !e.hasSession {
		return false, false
	}
	if e.session.expired(now) {
		e.endSessionLocked()
		return false, true
	}
	return true, false
}

func (e *Engine) requireSessionLocked() error {
	active, _ := e.sessionActiveLocked(e.now())
	if !active {
		return ErrSessionInactive
	}
	return nil
}
