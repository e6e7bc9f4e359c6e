package engine

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/agentworkforce/relaylevel/internal/override"
)

// commitLocked records a local mutation and renders the snapshot that
// must be written for it. Callers persist it after releasing e.mu.
func (e *Engine) commitLocked() (uint64, []byte) {
	payload, err := override.EncodeSnapshot(e.store.Snapshot())
	if err != nil {
		// Entries are validated on the way in, so this is unreachable in
		// practice; keep the previous snapshot rather than write garbage.
		e.logger.Error().Err(err).Msg("snapshot encode failed")
		return 0, nil
	}
	e.seq++
	e.lastDigest = sha256.Sum256(payload)
	return e.seq, payload
}

// persist writes a committed snapshot unless a newer one was already
// written. A resync that was put off while the write was in flight runs
// afterwards.
func (e *Engine) persist(ctx context.Context, seq uint64, payload []byte) {
	if seq == 0 {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	stale := seq <= e.writtenSeq
	e.mu.Unlock()
	if stale {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	err := e.kv.Set(writeCtx, e.key, payload)
	cancel()
	if err != nil {
		e.logger.Warn().Err(err).Uint64("seq", seq).Msg("snapshot write failed")
	}

	e.mu.Lock()
	e.writtenSeq = seq
	deferred := e.resyncDeferred && e.writtenSeq == e.seq
	if deferred {
		e.resyncDeferred = false
	}
	e.mu.Unlock()

	if deferred {
		go func() {
			resyncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
			defer cancel()
			if err := e.Resync(resyncCtx); err != nil {
				e.logger.Debug().Err(err).Msg("deferred resync failed")
			}
		}()
	}
}

// IngestResult describes what a resync changed.
type IngestResult struct {
	Skipped bool
	Diff    override.Diff
}

// Resync reads the persisted snapshot and adopts it. A payload identical
// to the last one this tab wrote or ingested is skipped, as is any payload
// arriving while a local write is still in flight; in that case the resync
// runs again once the write lands.
func (e *Engine) Resync(ctx context.Context) error {
	payload, _, err := e.kv.Get(ctx, e.key)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	_, err = e.Ingest(ctx, payload)
	return err
}

// Ingest adopts payload as the shared snapshot, last write wins. A
// malformed payload is discarded and local state is kept. Ingesting never
// writes the snapshot back.
func (e *Engine) Ingest(ctx context.Context, payload []byte) (IngestResult, error) {
	digest := sha256.Sum256(payload)

	e.mu.Lock()
	if digest == e.lastDigest {
		e.mu.Unlock()
		return IngestResult{Skipped: true}, nil
	}
	if e.writtenSeq < e.seq {
		e.resyncDeferred = true
		e.mu.Unlock()
		return IngestResult{Skipped: true}, nil
	}
	e.mu.Unlock()

	rows, err := override.DecodeSnapshot(payload)
	if err != nil {
		e.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("discarding malformed snapshot")
		return IngestResult{}, err
	}

	e.mu.Lock()
	if e.writtenSeq < e.seq {
		e.resyncDeferred = true
		e.mu.Unlock()
		return IngestResult{Skipped: true}, nil
	}
	now := e.now()
	diff, err := e.store.ReplaceAll(rows, now)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn().Err(err).Msg("discarding malformed snapshot")
		return IngestResult{}, err
	}
	e.lastDigest = digest
	if diff.Empty() {
		e.mu.Unlock()
		return IngestResult{Diff: diff}, nil
	}
	e.notified.forget(diff.Removed)
	e.notified.forget(diff.Updated)
	expiring := e.store.Expiring(now)
	gateChanged := e.gate.observe(expiring, now)
	decision := e.gate.decision(expiring)
	snapshot := e.store.Snapshot()
	e.mu.Unlock()

	e.logger.Debug().
		Int("added", len(diff.Added)).
		Int("removed", len(diff.Removed)).
		Int("updated", len(diff.Updated)).
		Msg("snapshot ingested")
	e.emit(Event{Type: EventIngested, Overrides: snapshot, Expiring: expiring, Alerting: len(expiring) > 0}, now)
	if gateChanged {
		e.emit(Event{Type: EventDecision, Decision: &decision, Alerting: len(expiring) > 0}, now)
	}
	return IngestResult{Diff: diff}, nil
}
