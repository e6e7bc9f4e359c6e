// Package engine runs the override lifecycle for one operator view ("tab"):
// the expiry clock, cross-tab sync over a shared key-value store and a
// broadcast bus, expiry notifications and the keep/reset decision.
//
// Every state transition happens under a single engine lock. Persisting
// the snapshot, publishing pulses, sending notifications and remote calls
// all happen after the lock is released, so a slow collaborator never
// holds up a tick.
package engine

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaylevel/internal/kv"
	"github.com/agentworkforce/relaylevel/internal/notify"
	"github.com/agentworkforce/relaylevel/internal/override"
	"github.com/agentworkforce/relaylevel/internal/pubsub"
	"github.com/agentworkforce/relaylevel/internal/remote"
)

var (
	ErrNoPendingDecision = errors.New("no pending decision")
	ErrSessionInactive   = errors.New("no active operator session")
	ErrClosed            = errors.New("engine closed")
	ErrInvalidInput      = errors.New("invalid input")
)

const (
	DefaultSnapshotKey   = "relaylevel_overrides"
	DefaultTickInterval  = time.Second
	DefaultRemoteTimeout = 10 * time.Second
	DefaultLevel         = override.LevelInfo

	notifyTimeout  = 2 * time.Second
	persistTimeout = 5 * time.Second
)

type Options struct {
	TabID       string
	Clock       clockwork.Clock
	KV          kv.PersistentKV
	SnapshotKey string
	// PubSub is optional; without it only the storage-change signal
	// propagates state to other tabs.
	PubSub  pubsub.PubSub
	Applier remote.Applier
	// Worker runs queued reverts and keep-all re-applies. When nil the
	// engine builds one over an in-memory queue and runs it between Start
	// and Stop.
	Worker   *remote.Worker
	Notifier notify.Notifier
	Logger   zerolog.Logger

	TickInterval     time.Duration
	WarningThreshold time.Duration
	RemoteTimeout    time.Duration
	DefaultLevel     override.Level
	// Demo skips the remote side: every apply and revert succeeds locally.
	Demo        bool
	EventBuffer int
}

type Engine struct {
	tabID         string
	clock         clockwork.Clock
	kv            kv.PersistentKV
	key           string
	bus           pubsub.PubSub
	applier       remote.Applier
	worker        *remote.Worker
	ownsWorker    bool
	notifier      notify.Notifier
	logger        zerolog.Logger
	tickInterval  time.Duration
	remoteTimeout time.Duration
	defaultLevel  override.Level
	demo          bool

	store  *override.Store
	events *eventHub

	mu         sync.Mutex
	notified   *dispatcher
	gate       gate
	session    Session
	hasSession bool
	// seq counts committed local mutations; writtenSeq is the newest one
	// already handed to the KV store.
	seq            uint64
	writtenSeq     uint64
	resyncDeferred bool
	lastDigest     [sha256.Size]byte

	persistMu sync.Mutex

	runMu   sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsub   func()
}

func New(opts Options) (*Engine, error) {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	store := opts.KV
	if store == nil {
		store = kv.NewMemoryKV()
	}
	key := strings.TrimSpace(opts.SnapshotKey)
	if key == "" {
		key = DefaultSnapshotKey
	}
	tabID := strings.TrimSpace(opts.TabID)
	if tabID == "" {
		tabID = "tab_" + uuid.NewString()[:8]
	}
	tickInterval := opts.TickInterval
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	threshold := opts.WarningThreshold
	if threshold <= 0 {
		threshold = override.DefaultWarningThreshold
	}
	remoteTimeout := opts.RemoteTimeout
	if remoteTimeout <= 0 {
		remoteTimeout = DefaultRemoteTimeout
	}
	defaultLevel := opts.DefaultLevel
	if defaultLevel == "" {
		defaultLevel = DefaultLevel
	}
	if !defaultLevel.Valid() {
		return nil, fmt.Errorf("%w: default level %q", ErrInvalidInput, defaultLevel)
	}
	logger := opts.Logger.With().Str("component", "engine").Str("tab_id", tabID).Logger()

	applier := opts.Applier
	if opts.Demo {
		applier = remote.DemoApplier{Logger: logger}
	}
	if applier == nil {
		return nil, fmt.Errorf("%w: applier is required outside demo mode", ErrInvalidInput)
	}
	worker := opts.Worker
	ownsWorker := false
	if worker == nil {
		var err error
		worker, err = remote.NewWorker(remote.WorkerOptions{
			Applier: applier,
			Timeout: remoteTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		ownsWorker = true
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}

	return &Engine{
		tabID:         tabID,
		clock:         clock,
		kv:            store,
		key:           key,
		bus:           opts.PubSub,
		applier:       applier,
		worker:        worker,
		ownsWorker:    ownsWorker,
		notifier:      notifier,
		logger:        logger,
		tickInterval:  tickInterval,
		remoteTimeout: remoteTimeout,
		defaultLevel:  defaultLevel,
		demo:          opts.Demo,
		store:         override.NewStore(threshold),
		events:        newEventHub(opts.EventBuffer),
		notified:      newDispatcher(),
	}, nil
}

func (e *Engine) TabID() string {
	return e.tabID
}

func (e *Engine) Demo() bool {
	return e.demo
}

func (e *Engine) Threshold() time.Duration {
	return e.store.Threshold()
}

// Worker exposes the remote task runner, mostly so callers can inspect
// the queue.
func (e *Engine) Worker() *remote.Worker {
	return e.worker
}

// Start loads the persisted snapshot, follows storage changes and
// broadcast pulses, and runs the expiry clock until Stop or ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.stopped {
		return ErrClosed
	}
	if e.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)

	changes, err := e.kv.Watch(runCtx, e.key)
	if err != nil {
		cancel()
		return fmt.Errorf("watch snapshot key: %w", err)
	}
	if e.bus != nil {
		unsub, subErr := e.bus.Subscribe(func(msg pubsub.Message) {
			e.handlePulse(runCtx, msg)
		})
		if subErr != nil {
			cancel()
			return fmt.Errorf("subscribe broadcast: %w", subErr)
		}
		e.unsub = unsub
	}
	if e.ownsWorker {
		e.worker.Start(runCtx)
	}
	e.cancel = cancel
	e.started = true

	if err := e.Resync(runCtx); err != nil {
		e.logger.Warn().Err(err).Msg("initial snapshot load failed")
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.followChanges(runCtx, changes)
	}()
	go func() {
		defer e.wg.Done()
		e.runClock(runCtx)
	}()
	e.logger.Info().
		Dur("tick_interval", e.tickInterval).
		Dur("warning_threshold", e.store.Threshold()).
		Bool("demo", e.demo).
		Msg("engine started")
	return nil
}

// Stop ends the clock and the subscriptions. The KV store and bus are
// left open for their owner to close.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	if !e.started {
		return
	}
	if e.unsub != nil {
		e.unsub()
	}
	e.cancel()
	e.wg.Wait()
	if e.ownsWorker {
		e.worker.Stop()
	}
	e.events.close()
	e.logger.Info().Msg("engine stopped")
}

func (e *Engine) runClock(ctx context.Context) {
	ticker := e.clock.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.tick(ctx, true)
		}
	}
}

func (e *Engine) followChanges(ctx context.Context, changes <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			// The delivered value may already be stale; re-read the key so
			// the latest write wins.
			if err := e.Resync(ctx); err != nil {
				e.logger.Debug().Err(err).Msg("storage change ignored")
			}
		}
	}
}

func (e *Engine) handlePulse(ctx context.Context, msg pubsub.Message) {
	switch msg.Type {
	case pubsub.SyncRequired:
		if err := e.Resync(ctx); err != nil {
			e.logger.Debug().Err(err).Msg("sync pulse ignored")
		}
	case pubsub.ForcePopup:
		if err := e.Resync(ctx); err != nil {
			e.logger.Debug().Err(err).Msg("force popup resync failed")
		}
		e.tick(ctx, false)
	}
}

func (e *Engine) publish(ctx context.Context, kind pubsub.MessageType) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, pubsub.Message{Type: kind}); err != nil {
		e.logger.Debug().Err(err).Str("type", string(kind)).Msg("broadcast pulse not sent")
	}
}

func (e *Engine) now() time.Time {
	return e.clock.Now()
}
