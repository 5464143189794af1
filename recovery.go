package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0x5487/book-replayer/protocol"
)

// RecoveryResult is the outcome of a recovery round: the state to install in
// the Replayer and the stream that catches the pipeline up.
type RecoveryResult struct {
	Book   *BookState
	State  ReplayState
	Stream <-chan *protocol.Delta

	// ResumeFrom is the sequence the sequencer restarts at; zero means
	// unanchored (the snapshot stream's first sequence anchors it).
	ResumeFrom uint64
}

// RecoveryCoordinator rebuilds pipeline state on startup and after a gap or
// fatal consistency halt. It owns the checkpoint-load and feed-reposition
// protocol; the pipeline stalls end-to-end while it runs, which is acceptable
// because recovery by definition processes no live events.
type RecoveryCoordinator struct {
	cfg        *Config
	store      CheckpointStore
	feed       FeedSource
	serializer protocol.Serializer
}

// NewRecoveryCoordinator creates a coordinator. store may be nil when no
// durable checkpointing is configured; recovery then always goes through a
// full snapshot.
func NewRecoveryCoordinator(cfg *Config, store CheckpointStore, feed FeedSource) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		cfg:        cfg,
		store:      store,
		feed:       feed,
		serializer: &protocol.DefaultJSONSerializer{},
	}
}

// Recover executes the recovery protocol for one instrument:
//  1. locate the most recent valid checkpoint, if any
//  2. restore book state from it and compute the resume sequence
//  3. ask the feed to resume incrementally from that sequence
//  4. fall back to a full snapshot rebuild when 1-3 cannot be satisfied
//
// Feed requests are retried with exponential backoff; a recovery that cannot
// make progress within the retry limit returns ErrRecoveryExhausted for the
// operator instead of retrying forever.
func (rc *RecoveryCoordinator) Recover(ctx context.Context, instrumentID string) (*RecoveryResult, error) {
	book := rc.loadLatestCheckpoint(ctx, instrumentID)

	if book != nil {
		stream, err := rc.requestWithRetry(ctx, "resume", func() (<-chan *protocol.Delta, error) {
			return rc.feed.Resume(ctx, book.ExpectedNext())
		})
		if err == nil {
			logger.Info("recovery resuming from checkpoint",
				"instrument_id", instrumentID,
				"resume_from", book.ExpectedNext())
			return &RecoveryResult{
				Book:       book,
				State:      StateLive,
				Stream:     stream,
				ResumeFrom: book.ExpectedNext(),
			}, nil
		}
		if errors.Is(err, ErrRecoveryExhausted) {
			return nil, err
		}
		logger.Warn("feed cannot resume from checkpoint, falling back to snapshot",
			"instrument_id", instrumentID,
			"resume_from", book.ExpectedNext(),
			"error", err)
	}

	stream, err := rc.requestWithRetry(ctx, "snapshot", func() (<-chan *protocol.Delta, error) {
		return rc.feed.Snapshot(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("recovery for %s failed: %w", instrumentID, err)
	}

	logger.Info("recovery rebuilding from full snapshot", "instrument_id", instrumentID)
	return &RecoveryResult{
		Book:   NewBookState(instrumentID, rc.cfg),
		State:  StateSnapshotRebuild,
		Stream: stream,
	}, nil
}

// loadLatestCheckpoint returns the restored book from the newest valid
// checkpoint, or nil when none is usable. A corrupt record is a fatal
// consistency signal for that record only; recovery proceeds without it.
func (rc *RecoveryCoordinator) loadLatestCheckpoint(ctx context.Context, instrumentID string) *BookState {
	if rc.store == nil {
		return nil
	}

	cp, err := rc.store.Latest(ctx, instrumentID)
	if err != nil {
		if !errors.Is(err, ErrNoCheckpoint) {
			logger.Warn("checkpoint store lookup failed",
				"instrument_id", instrumentID,
				"error", err)
		}
		return nil
	}

	book, err := rc.restore(cp)
	if err != nil {
		logger.Error("checkpoint restore failed, treating as absent",
			"instrument_id", instrumentID,
			"checkpoint_id", cp.ID,
			"error", err)
		return nil
	}

	logger.Info("checkpoint loaded",
		"instrument_id", instrumentID,
		"checkpoint_id", cp.ID,
		"valid_through", cp.ValidThroughSeq,
		"orders", book.OrderCount())
	return book
}

// restore verifies and decodes a checkpoint into a fresh BookState.
func (rc *RecoveryCoordinator) restore(cp *Checkpoint) (*BookState, error) {
	if err := cp.Verify(); err != nil {
		return nil, err
	}

	payload := &bookPayload{}
	if err := rc.serializer.Unmarshal(cp.State, payload); err != nil {
		return nil, err
	}
	if payload.SchemaVersion != CheckpointSchemaVersion {
		return nil, fmt.Errorf("%w: checkpoint schema version %d", ErrInvalidParam, payload.SchemaVersion)
	}

	book, err := restoreBookState(payload, rc.cfg)
	if err != nil {
		return nil, err
	}
	book.SetExpectedNext(cp.ValidThroughSeq + 1)
	return book, nil
}

// requestWithRetry retries a feed request with exponential backoff.
// ErrResumeUnavailable and ErrNotFound are definitive answers, not transient
// failures, and are returned immediately.
func (rc *RecoveryCoordinator) requestWithRetry(ctx context.Context, what string, fn func() (<-chan *protocol.Delta, error)) (<-chan *protocol.Delta, error) {
	var lastErr error
	for attempt := 0; attempt < rc.cfg.RecoveryMaxRetries; attempt++ {
		stream, err := fn()
		if err == nil {
			return stream, nil
		}
		if errors.Is(err, ErrResumeUnavailable) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		lastErr = err

		delay := calculateBackoff(attempt)
		logger.Warn("feed request failed, backing off",
			"request", what,
			"attempt", attempt+1,
			"delay", delay.String(),
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%w: %s failed after %d attempts: %v",
		ErrRecoveryExhausted, what, rc.cfg.RecoveryMaxRetries, lastErr)
}
