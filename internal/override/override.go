package override

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)

// DefaultWarningThreshold is how close to expiry an override must be
// before it counts as expiring soon.
const DefaultWarningThreshold = 60 * time.Second

type Level string

const (
	LevelTrace Level = "TRACE"
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelRank = map[Level]int{
	LevelTrace: 0,
	LevelDebug: 1,
	LevelInfo:  2,
	LevelWarn:  3,
	LevelError: 4,
}

func ParseLevel(raw string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(raw)))
	if level == "WARNING" {
		level = LevelWarn
	}
	if !level.Valid() {
		return "", fmt.Errorf("%w: unknown level %q", ErrInvalidInput, raw)
	}
	return level, nil
}

func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Rank orders levels from most verbose (TRACE=0) to least (ERROR=4).
// Unknown levels rank -1.
func (l Level) Rank() int {
	rank, ok := levelRank[l]
	if !ok {
		return -1
	}
	return rank
}

func (l Level) String() string {
	return string(l)
}

// Override is a time-bounded log level elevation for one service in one
// environment. Times are milliseconds since the Unix epoch.
type Override struct {
	ID            string `json:"id"`
	ServiceID     string `json:"serviceId"`
	ServiceName   string `json:"serviceName"`
	EnvID         string `json:"envId"`
	Level         Level  `json:"level"`
	StartTime     int64  `json:"startTime"`
	ExpiryTime    int64  `json:"expiryTime"`
	TotalDuration int64  `json:"totalDuration"`

	// IsExpiringSoon is derived from ExpiryTime and the current time and
	// is never persisted.
	IsExpiringSoon bool `json:"-"`
}

// Key identifies the slot an override occupies; at most one override
// exists per key.
type Key struct {
	ServiceID string
	EnvID     string
}

func (o Override) Key() Key {
	return Key{ServiceID: o.ServiceID, EnvID: o.EnvID}
}

func (o Override) Validate() error {
	switch {
	case strings.TrimSpace(o.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidInput)
	case strings.TrimSpace(o.ServiceID) == "":
		return fmt.Errorf("%w: missing service id", ErrInvalidInput)
	case !o.Level.Valid():
		return fmt.Errorf("%w: unknown level %q", ErrInvalidInput, o.Level)
	case o.ExpiryTime <= o.StartTime:
		return fmt.Errorf("%w: expiry %d not after start %d", ErrInvalidInput, o.ExpiryTime, o.StartTime)
	case o.TotalDuration <= 0:
		return fmt.Errorf("%w: non-positive duration %d", ErrInvalidInput, o.TotalDuration)
	}
	return nil
}

func (o Override) Expired(now time.Time) bool {
	return o.ExpiryTime <= now.UnixMilli()
}

func (o Override) Remaining(now time.Time) time.Duration {
	remaining := o.ExpiryTime - now.UnixMilli()
	if remaining < 0 {
		return 0
	}
	return time.Duration(remaining) * time.Millisecond
}

// RemainingFraction is the share of TotalDuration still left, clamped to
// [0, 1].
func (o Override) RemainingFraction(now time.Time) float64 {
	if o.TotalDuration <= 0 {
		return 0
	}
	fraction := float64(o.ExpiryTime-now.UnixMilli()) / float64(o.TotalDuration)
	if fraction < 0 {
		return 0
	}
	if fraction > 1 {
		return 1
	}
	return fraction
}

func (o Override) sameState(other Override) bool {
	return o.ID == other.ID &&
		o.ServiceID == other.ServiceID &&
		o.ServiceName == other.ServiceName &&
		o.EnvID == other.EnvID &&
		o.Level == other.Level &&
		o.StartTime == other.StartTime &&
		o.ExpiryTime == other.ExpiryTime &&
		o.TotalDuration == other.TotalDuration
}

// ExpiringSoon reports whether less than threshold remains before
// expiryTime (milliseconds since epoch).
func ExpiringSoon(expiryTime int64, now time.Time, threshold time.Duration) bool {
	return expiryTime-now.UnixMilli() < threshold.Milliseconds()
}

type Spec struct {
	ServiceID   string
	ServiceName string
	EnvID       string
	Level       Level
	Duration    time.Duration
}

// New builds a fresh override starting at now. The id is random, so a
// replacement for the same service never reuses the previous id.
func New(req Spec, now time.Time) (Override, error) {
	serviceID := strings.TrimSpace(req.ServiceID)
	if serviceID == "" {
		return Override{}, fmt.Errorf("%w: missing service id", ErrInvalidInput)
	}
	if !req.Level.Valid() {
		return Override{}, fmt.Errorf("%w: unknown level %q", ErrInvalidInput, req.Level)
	}
	total := req.Duration.Milliseconds()
	if total <= 0 {
		return Override{}, fmt.Errorf("%w: duration must be at least 1ms, got %s", ErrInvalidInput, req.Duration)
	}
	name := strings.TrimSpace(req.ServiceName)
	if name == "" {
		name = serviceID
	}
	start := now.UnixMilli()
	o := Override{
		ID:            uuid.NewString(),
		ServiceID:     serviceID,
		ServiceName:   name,
		EnvID:         strings.TrimSpace(req.EnvID),
		Level:         req.Level,
		StartTime:     start,
		ExpiryTime:    start + total,
		TotalDuration: total,
	}
	return o, o.Validate()
}
