// Package remote talks to the service that actually changes log levels.
// Apply gates override creation; reverts and keep-all re-applies are
// queued and run by a Worker whose outcomes are only logged.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrQueueFull    = errors.New("queue full")
)

// Applier changes the effective log level of a service. A nil error means
// the remote side accepted the change; a timeout is a failure.
type Applier interface {
	Apply(ctx context.Context, serviceID, level string, duration time.Duration) error
	Revert(ctx context.Context, serviceID, defaultLevel string) error
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// DemoApplier accepts every call without contacting anything.
type DemoApplier struct {
	Logger zerolog.Logger
}

var _ Applier = DemoApplier{}

func (d DemoApplier) Apply(_ context.Context, serviceID, level string, duration time.Duration) error {
	d.Logger.Debug().
		Str("service_id", serviceID).
		Str("level", level).
		Dur("duration", duration).
		Msg("demo apply")
	return nil
}

func (d DemoApplier) Revert(_ context.Context, serviceID, defaultLevel string) error {
	d.Logger.Debug().
		Str("service_id", serviceID).
		Str("default_level", defaultLevel).
		Msg("demo revert")
	return nil
}
