package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

type TaskKind string

const (
	TaskApply  TaskKind = "apply"
	TaskRevert TaskKind = "revert"
)

// Task is a best-effort remote call that must not hold up a local
// transition.
type Task struct {
	ID            string   `json:"id"`
	Kind          TaskKind `json:"kind"`
	ServiceID     string   `json:"serviceId"`
	ServiceName   string   `json:"serviceName,omitempty"`
	// Level is the target level for apply and the default level for revert.
	Level         string   `json:"level,omitempty"`
	DurationMs    int64    `json:"durationMs,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
	EnqueuedAt    string   `json:"enqueuedAt,omitempty"`
}

func (t Task) Valid() bool {
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.ServiceID) == "" {
		return false
	}
	switch t.Kind {
	case TaskRevert:
		return true
	case TaskApply:
		return strings.TrimSpace(t.Level) != "" && t.DurationMs > 0
	default:
		return false
	}
}

func (t Task) Duration() time.Duration {
	return time.Duration(t.DurationMs) * time.Millisecond
}

type Queue interface {
	TryEnqueue(task Task) bool
	Enqueue(ctx context.Context, task Task) bool
	Dequeue(ctx context.Context) (Task, bool)
	Depth() int
	Capacity() int
	Snapshot() []Task
	Close() error
}

const defaultQueueCapacity = 1024

type inMemoryQueue struct {
	ch    chan Task
	items map[string]Task
	mu    sync.Mutex
}

func NewInMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryQueue{
		ch:    make(chan Task, capacity),
		items: make(map[string]Task),
	}
}

func (q *inMemoryQueue) TryEnqueue(task Task) bool {
	if !task.Valid() {
		return false
	}
	select {
	case q.ch <- task:
		q.mu.Lock()
		q.items[task.ID] = task
		q.mu.Unlock()
		return true
	default:
		return false
	}
}

func (q *inMemoryQueue) Enqueue(ctx context.Context, task Task) bool {
	if !task.Valid() {
		return false
	}
	select {
	case q.ch <- task:
		q.mu.Lock()
		q.items[task.ID] = task
		q.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryQueue) Dequeue(ctx context.Context) (Task, bool) {
	select {
	case task := <-q.ch:
		q.mu.Lock()
		delete(q.items, task.ID)
		q.mu.Unlock()
		return task, true
	case <-ctx.Done():
		return Task{}, false
	}
}

func (q *inMemoryQueue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]Task, 0, len(q.items))
	for _, item := range q.items {
		result = append(result, item)
	}
	return result
}

func (q *inMemoryQueue) Depth() int {
	return len(q.ch)
}

func (q *inMemoryQueue) Capacity() int {
	return cap(q.ch)
}

func (q *inMemoryQueue) Close() error {
	return nil
}

// BuildQueueFromDSN returns an in-memory queue for an empty DSN or
// memory://, and a file-backed queue for file:///path or a bare path.
func BuildQueueFromDSN(dsn string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryQueue(capacity), nil
	default:
		return nil, fmt.Errorf("unsupported remote queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
