// Package notify delivers operator notifications raised by the engine.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

type Kind string

const (
	KindExpiring Kind = "expiring"
	KindReverted Kind = "reverted"
)

// Tags stay the same for every alert of a kind so the host can coalesce
// them; OverrideID names the override.
const (
	TagExpiring = "relaylevel-override-expiring"
	TagReverted = "relaylevel-override-reverted"
)

// Notification is one operator-facing alert.
type Notification struct {
	Kind               Kind   `json:"kind"`
	Title              string `json:"title"`
	Body               string `json:"body"`
	Tag                string `json:"tag"`
	OverrideID         string `json:"overrideId"`
	ServiceID          string `json:"serviceId"`
	RequireInteraction bool   `json:"requireInteraction"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	event := l.logger.Info()
	if n.RequireInteraction {
		event = l.logger.Warn()
	}
	event.
		Str("kind", string(n.Kind)).
		Str("tag", n.Tag).
		Str("override_id", n.OverrideID).
		Str("service_id", n.ServiceID).
		Str("body", n.Body).
		Msg(n.Title)
	return nil
}

// Fanout delivers to every sink and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (fn Func) Notify(ctx context.Context, n Notification) error {
	return fn(ctx, n)
}
