package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/0x5487/book-replayer/protocol"
)

// ReplayEngine manages replay pipelines for multiple instruments.
// Instruments are fully isolated: each pipeline owns its book, sequencer and
// checkpoint cadence, and a halt on one never affects the others.
type ReplayEngine struct {
	isShutdown atomic.Bool
	pipelines  sync.Map
	cfg        *Config
	store      CheckpointStore
	publisher  UpdatePublisher
}

// NewReplayEngine creates an engine. store may be nil to disable durable
// checkpoints; publisher may be nil to discard book updates.
func NewReplayEngine(cfg *Config, store CheckpointStore, publisher UpdatePublisher) *ReplayEngine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &ReplayEngine{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
	}
}

// CreatePipeline creates and starts a pipeline for an instrument, running its
// initial recovery against the given feed. Creating an instrument that
// already exists returns the existing pipeline.
func (engine *ReplayEngine) CreatePipeline(ctx context.Context, instrumentID string, feed FeedSource) (*Pipeline, error) {
	if engine.isShutdown.Load() {
		return nil, ErrShutdown
	}

	if existing := engine.Pipeline(instrumentID); existing != nil {
		logger.Warn("pipeline already exists", "instrument_id", instrumentID)
		return existing, nil
	}

	p, err := NewPipeline(instrumentID, engine.cfg, feed, engine.store, engine.publisher)
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}

	if actual, loaded := engine.pipelines.LoadOrStore(instrumentID, p); loaded {
		// Lost a concurrent create race for the same instrument.
		_ = p.Shutdown(ctx)
		return actual.(*Pipeline), nil
	}
	return p, nil
}

// Pipeline retrieves the pipeline for an instrument.
// Returns nil if the instrument does not exist.
func (engine *ReplayEngine) Pipeline(instrumentID string) *Pipeline {
	v, found := engine.pipelines.Load(instrumentID)
	if !found {
		return nil
	}

	p, _ := v.(*Pipeline)
	return p
}

// Submit routes one delta to the instrument's pipeline.
// Returns ErrShutdown if the engine is shutting down or ErrNotFound if the
// instrument has no pipeline.
func (engine *ReplayEngine) Submit(ctx context.Context, instrumentID string, d *protocol.Delta) error {
	if engine.isShutdown.Load() {
		return ErrShutdown
	}

	p := engine.Pipeline(instrumentID)
	if p == nil {
		return ErrNotFound
	}
	return p.Submit(ctx, d)
}

// View returns a read-only book view for one instrument.
func (engine *ReplayEngine) View(instrumentID string, limit int) (*protocol.BookView, error) {
	p := engine.Pipeline(instrumentID)
	if p == nil {
		return nil, ErrNotFound
	}
	return p.View(limit)
}

// Health reports health for every managed pipeline, keyed by instrument.
func (engine *ReplayEngine) Health() map[string]*HealthStatus {
	out := make(map[string]*HealthStatus)

	engine.pipelines.Range(func(key, value any) bool {
		status, err := value.(*Pipeline).Health()
		if err == nil {
			out[key.(string)] = status
		}
		return true
	})

	return out
}

// ForceCheckpoint triggers an immediate checkpoint on every pipeline.
func (engine *ReplayEngine) ForceCheckpoint() error {
	var errs []error

	engine.pipelines.Range(func(key, value any) bool {
		if err := value.(*Pipeline).ForceCheckpoint(); err != nil {
			errs = append(errs, err)
		}
		return true
	})

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Shutdown gracefully shuts down all pipelines in parallel.
// It blocks until every pipeline has drained and written its final
// checkpoint, or the context is cancelled.
func (engine *ReplayEngine) Shutdown(ctx context.Context) error {
	// Refuse new deltas and new pipelines first
	engine.isShutdown.Store(true)

	var wg sync.WaitGroup
	var errs []error
	var errMu sync.Mutex

	engine.pipelines.Range(func(key, value any) bool {
		wg.Add(1)
		go func(p *Pipeline) {
			defer wg.Done()
			if err := p.Shutdown(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(value.(*Pipeline))
		return true
	})

	wg.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
