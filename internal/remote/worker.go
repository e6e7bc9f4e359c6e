package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultCallTimeout = 10 * time.Second

type WorkerOptions struct {
	Applier Applier
	Queue   Queue
	Workers int
	// Timeout bounds each remote call; an expired call counts as failed.
	Timeout time.Duration
	Logger  zerolog.Logger
	// OnResult, when set, observes every finished task.
	OnResult func(Task, error)
}

// Worker drains a Queue and executes each task against an Applier.
type Worker struct {
	applier  Applier
	queue    Queue
	workers  int
	timeout  time.Duration
	logger   zerolog.Logger
	onResult func(Task, error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Applier == nil {
		return nil, fmt.Errorf("%w: applier is required", ErrInvalidInput)
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryQueue(defaultQueueCapacity)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Worker{
		applier:  opts.Applier,
		queue:    queue,
		workers:  workers,
		timeout:  timeout,
		logger:   opts.Logger.With().Str("component", "remote-worker").Logger(),
		onResult: opts.OnResult,
	}, nil
}

func (w *Worker) Queue() Queue {
	return w.queue
}

func (w *Worker) Timeout() time.Duration {
	return w.timeout
}

// Submit queues task without blocking.
func (w *Worker) Submit(task Task) error {
	if !task.Valid() {
		return fmt.Errorf("%w: task %q", ErrInvalidInput, task.ID)
	}
	if !w.queue.TryEnqueue(task) {
		return ErrQueueFull
	}
	return nil
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(w.workers)
	for i := 0; i < w.workers; i++ {
		go func() {
			defer w.wg.Done()
			w.loop(runCtx)
		}()
	}
}

// Stop waits for in-flight calls; tasks still queued stay in the queue.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()
	cancel()
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		_ = w.Execute(context.WithoutCancel(ctx), task)
	}
}

// Execute runs one task with the call timeout and logs the outcome.
func (w *Worker) Execute(ctx context.Context, task Task) error {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	started := time.Now()
	var err error
	switch task.Kind {
	case TaskApply:
		err = w.applier.Apply(callCtx, task.ServiceID, task.Level, task.Duration())
	case TaskRevert:
		err = w.applier.Revert(callCtx, task.ServiceID, task.Level)
	default:
		err = fmt.Errorf("%w: task kind %q", ErrInvalidInput, task.Kind)
	}

	event := w.logger.Debug()
	if err != nil {
		event = w.logger.Warn().Err(err)
	}
	event.
		Str("task_id", task.ID).
		Str("kind", string(task.Kind)).
		Str("service_id", task.ServiceID).
		Str("reason", task.Reason).
		Dur("elapsed", time.Since(started)).
		Msg("remote task finished")

	if w.onResult != nil {
		w.onResult(task, err)
	}
	return err
}
