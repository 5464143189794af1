package replay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/0x5487/book-replayer/protocol"
)

type cmdKind uint8

const (
	cmdHealth cmdKind = iota + 1
	cmdView
	cmdCheckpoint
)

// pipelineCommand is a read-path request served through the pipeline's event
// loop so it observes only fully committed state.
type pipelineCommand struct {
	kind  cmdKind
	limit int
	resp  chan any
}

// pipelineEvent is the unified carrier entering the pipeline's ring buffer.
// Exactly one field is set: a feed delta, a query command, or a clock tick.
type pipelineEvent struct {
	delta *protocol.Delta
	cmd   *pipelineCommand
	tick  int64 // Unix nano; non-zero marks a clock tick
}

// HealthStatus is the externally visible health of one pipeline.
type HealthStatus struct {
	InstrumentID       string            `json:"instrument_id"`
	State              string            `json:"state"`
	LastApplied        uint64            `json:"last_applied"`
	ExpectedNext       uint64            `json:"expected_next"`
	LastCheckpoint     uint64            `json:"last_checkpoint"`
	CheckpointFailures uint64            `json:"checkpoint_failures"`
	ActiveOrders       int               `json:"active_orders"`
	Recoveries         uint64            `json:"recoveries"`
	Sequencer          SequencerCounters `json:"sequencer"`
	Replayer           ReplayCounters    `json:"replayer"`
}

// Pipeline is one instrument's replay pipeline: ring buffer ingress →
// Sequencer → Replayer → checkpoint trigger, with the Recovery Coordinator
// invoked out-of-band on startup, gaps and fatal halts.
//
// All pipeline state is owned by the ring buffer's single consumer goroutine;
// producers only publish. Recovery runs on the consumer goroutine, stalling
// the pipeline end-to-end, which is the intended behavior: recovery processes
// no live events by definition.
type Pipeline struct {
	instrumentID string
	cfg          *Config

	ring        *RingBuffer[pipelineEvent]
	sequencer   *Sequencer
	replayer    *Replayer
	checkpoints *CheckpointManager
	recovery    *RecoveryCoordinator

	recoveries uint64 // Mutated only on the consumer goroutine

	isShutdown atomic.Bool
	tickerDone chan struct{}
}

// NewPipeline wires a pipeline for one instrument. store may be nil to
// disable durable checkpoints; publisher may be nil to discard updates.
func NewPipeline(instrumentID string, cfg *Config, feed FeedSource, store CheckpointStore, publisher UpdatePublisher) (*Pipeline, error) {
	if instrumentID == "" || feed == nil {
		return nil, ErrInvalidParam
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		instrumentID: instrumentID,
		cfg:          cfg,
		sequencer:    NewSequencer(cfg),
		replayer:     NewReplayer(instrumentID, cfg, publisher),
		checkpoints:  NewCheckpointManager(cfg, store),
		recovery:     NewRecoveryCoordinator(cfg, store, feed),
		tickerDone:   make(chan struct{}),
	}
	p.ring = NewRingBuffer[pipelineEvent](cfg.RingSize, p)
	return p, nil
}

func (p *Pipeline) InstrumentID() string {
	return p.instrumentID
}

// Start performs initial recovery and then begins consuming live events.
// A feed that has neither a checkpoint to resume from nor a snapshot to serve
// starts the pipeline live against an empty book; the stream itself may still
// carry inline snapshot framing later.
func (p *Pipeline) Start(ctx context.Context) error {
	result, err := p.recovery.Recover(ctx, p.instrumentID)
	switch {
	case err == nil:
		p.replayer.Reset(result.Book, result.State)
		p.sequencer.ResetTo(result.ResumeFrom)
		p.consumeStream(result.Stream)
	case errors.Is(err, ErrNotFound):
		logger.Info("no checkpoint or snapshot available, starting live from empty book",
			"instrument_id", p.instrumentID)
		p.replayer.GoLive()
	default:
		return err
	}

	p.ring.Start()
	go p.runTicker()
	return nil
}

// Submit publishes one inbound delta. Safe for multiple producers.
func (p *Pipeline) Submit(ctx context.Context, d *protocol.Delta) error {
	if p.isShutdown.Load() {
		return ErrShutdown
	}
	if d == nil || d.Sequence == 0 {
		return ErrInvalidParam
	}
	p.ring.Publish(pipelineEvent{delta: d})
	return nil
}

// Health reports pipeline health through the event loop.
func (p *Pipeline) Health() (*HealthStatus, error) {
	res, err := p.query(&pipelineCommand{kind: cmdHealth})
	if err != nil {
		return nil, err
	}
	status, _ := res.(*HealthStatus)
	return status, nil
}

// View returns a read-only book view with up to limit levels per side.
// limit <= 0 returns the full sorted depth, deep book included.
func (p *Pipeline) View(limit int) (*protocol.BookView, error) {
	res, err := p.query(&pipelineCommand{kind: cmdView, limit: limit})
	if err != nil {
		return nil, err
	}
	view, _ := res.(*protocol.BookView)
	return view, nil
}

// ForceCheckpoint triggers an immediate checkpoint regardless of thresholds.
func (p *Pipeline) ForceCheckpoint() error {
	_, err := p.query(&pipelineCommand{kind: cmdCheckpoint})
	return err
}

func (p *Pipeline) query(cmd *pipelineCommand) (any, error) {
	if p.isShutdown.Load() {
		return nil, ErrShutdown
	}

	cmd.resp = make(chan any, 1)
	p.ring.Publish(pipelineEvent{cmd: cmd})

	select {
	case res := <-cmd.resp:
		return res, nil
	case <-time.After(time.Second):
		return nil, ErrTimeout
	}
}

// Shutdown stops ingestion, drains the ring and writes a final checkpoint.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if !p.isShutdown.CompareAndSwap(false, true) {
		return nil
	}
	close(p.tickerDone)

	err := p.ring.Shutdown(ctx)

	// The consumer is stopped; the book is stable for a final checkpoint.
	book := p.replayer.Book()
	if book.AppliedThrough() > p.checkpoints.LastSaved() {
		p.checkpoints.Trigger(book, time.Now())
	}
	p.checkpoints.Close()
	return err
}

// OnEvent is the ring buffer consumer entry point.
func (p *Pipeline) OnEvent(ev pipelineEvent) {
	switch {
	case ev.delta != nil:
		p.handleDelta(ev.delta, time.Now())
	case ev.cmd != nil:
		p.handleCommand(ev.cmd)
	case ev.tick != 0:
		p.handleTick(time.Unix(0, ev.tick))
	}
}

func (p *Pipeline) runTicker() {
	t := time.NewTicker(p.cfg.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-p.tickerDone:
			return
		case now := <-t.C:
			p.ring.Publish(pipelineEvent{tick: now.UnixNano()})
		}
	}
}

func (p *Pipeline) handleDelta(d *protocol.Delta, now time.Time) {
	batches, err := p.sequencer.Push(d, now)
	ok := p.applyBatches(batches, now)
	if err != nil && ok {
		// Sequence gap: already-admitted batches are applied above, then the
		// pipeline degrades to recovery.
		p.recover(context.Background())
	}
}

func (p *Pipeline) handleTick(now time.Time) {
	batches, err := p.sequencer.Tick(now)
	ok := p.applyBatches(batches, now)
	if err != nil && ok {
		p.recover(context.Background())
	}

	// Wall-clock checkpoint trigger, independent of event flow.
	p.checkpoints.Observe(p.replayer.Book(), 0, now)
}

// applyBatches feeds validated batches to the replayer. Returns false when a
// fatal violation already forced a recovery round; remaining batches are
// dropped because the feed reposition re-delivers their sequences.
func (p *Pipeline) applyBatches(batches []Batch, now time.Time) bool {
	for i, batch := range batches {
		if err := p.replayer.ApplyBatch(batch); err != nil {
			logger.Error("batch rejected",
				"instrument_id", p.instrumentID,
				"batch_size", len(batch),
				"dropped_batches", len(batches)-i-1,
				"error", err)
			p.recover(context.Background())
			return false
		}
		p.checkpoints.Observe(p.replayer.Book(), len(batch), now)
	}
	return true
}

// recover runs one recovery round on the consumer goroutine.
func (p *Pipeline) recover(ctx context.Context) {
	p.recoveries++

	result, err := p.recovery.Recover(ctx, p.instrumentID)
	if err != nil {
		// Out of options: stay halted and surface through health.
		logger.Error("recovery failed, pipeline halted",
			"instrument_id", p.instrumentID,
			"error", err)
		p.replayer.Reset(p.replayer.Book(), StateHalted)
		return
	}

	p.replayer.Reset(result.Book, result.State)
	p.sequencer.ResetTo(result.ResumeFrom)
	p.consumeStream(result.Stream)
}

// consumeStream drains a bounded catch-up stream from the feed through the
// normal sequencing path, then flushes the open batch so the pipeline is
// fully caught up before live events resume.
func (p *Pipeline) consumeStream(stream <-chan *protocol.Delta) {
	if stream == nil {
		return
	}
	for d := range stream {
		p.handleDelta(d, time.Now())
	}
	p.applyBatches(p.sequencer.Flush(), time.Now())
}

func (p *Pipeline) handleCommand(cmd *pipelineCommand) {
	var res any

	switch cmd.kind {
	case cmdHealth:
		book := p.replayer.Book()
		res = &HealthStatus{
			InstrumentID:       p.instrumentID,
			State:              p.replayer.State().String(),
			LastApplied:        book.AppliedThrough(),
			ExpectedNext:       p.sequencer.ExpectedNext(),
			LastCheckpoint:     p.checkpoints.LastSaved(),
			CheckpointFailures: p.checkpoints.WriteFailures(),
			ActiveOrders:       book.OrderCount(),
			Recoveries:         p.recoveries,
			Sequencer:          p.sequencer.Counters(),
			Replayer:           p.replayer.Counters(),
		}
	case cmdView:
		res = p.replayer.Book().View(cmd.limit)
	case cmdCheckpoint:
		p.checkpoints.Trigger(p.replayer.Book(), time.Now())
	}

	if cmd.resp != nil {
		select {
		case cmd.resp <- res:
		default:
			// Non-blocking send, if no one is listening, just drop it
		}
	}
}
