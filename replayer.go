package replay

import (
	"errors"
	"fmt"

	"github.com/0x5487/book-replayer/protocol"
)

// ReplayState is the lifecycle state of a Replayer.
type ReplayState uint8

const (
	// StateSnapshotRebuild indicates the replayer is discarding old state and
	// ingesting a fresh full snapshot. This is also the bootstrap state.
	StateSnapshotRebuild ReplayState = 0
	// StateLive indicates normal streaming application.
	StateLive ReplayState = 1
	// StateHalted indicates a fatal inconsistency; the replayer refuses
	// further mutation until externally reset by recovery.
	StateHalted ReplayState = 2
)

func (s ReplayState) String() string {
	switch s {
	case StateSnapshotRebuild:
		return "snapshot_rebuild"
	case StateLive:
		return "live"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// ReplayCounters tracks transient admission anomalies. They are counted and
// skipped, never fatal.
type ReplayCounters struct {
	DuplicateAdds uint64 `json:"duplicate_adds"`
	UnknownOrders uint64 `json:"unknown_orders"`
	InvalidDeltas uint64 `json:"invalid_deltas"`
	DroppedPreSnapshot uint64 `json:"dropped_pre_snapshot"`
	FatalBatches  uint64 `json:"fatal_batches"`
}

// levelKey identifies one aggregated price level for the batch dry-run.
type levelKey struct {
	side  protocol.Side
	price int64
}

// Replayer is the core state machine. It consumes validated micro-batches and
// applies them transactionally: a batch either fully commits to the book or is
// discarded wholesale.
type Replayer struct {
	cfg       *Config
	book      *BookState
	rebuild   *BookState // Fresh state being accumulated between snapshot markers
	state     ReplayState
	pending   []*protocol.Delta // Staged batch awaiting commit
	counters  ReplayCounters
	publisher UpdatePublisher
}

// NewReplayer creates a replayer in StateSnapshotRebuild with an empty book.
// It must bootstrap from a snapshot (or be Reset by recovery) before going live.
func NewReplayer(instrumentID string, cfg *Config, publisher UpdatePublisher) *Replayer {
	if publisher == nil {
		publisher = NewDiscardUpdatePublisher()
	}
	return &Replayer{
		cfg:       cfg,
		book:      NewBookState(instrumentID, cfg),
		state:     StateSnapshotRebuild,
		publisher: publisher,
	}
}

func (r *Replayer) State() ReplayState {
	return r.state
}

// Book returns the live book state. Callers outside the pipeline goroutine
// must not touch it; they go through the pipeline's view queries instead.
func (r *Replayer) Book() *BookState {
	return r.book
}

func (r *Replayer) Counters() ReplayCounters {
	return r.counters
}

// Reset installs a recovered book state and lifecycle state, discarding any
// staged batch and any half-built snapshot. Used exclusively by recovery.
func (r *Replayer) Reset(book *BookState, state ReplayState) {
	r.book = book
	r.rebuild = nil
	r.pending = nil
	r.state = state
}

// GoLive transitions a bootstrap replayer to live streaming against its
// current (possibly empty) book. Used when the feed starts fresh and no
// snapshot or checkpoint precedes the delta stream.
func (r *Replayer) GoLive() {
	if r.state == StateSnapshotRebuild && r.rebuild == nil {
		r.state = StateLive
	}
}

// ApplyBatch stages the batch into the pending queue, dry-runs it against the
// target state and commits it atomically. On a fatal consistency violation the
// pending queue is discarded, nothing is committed and the replayer halts.
//
// The sequencer guarantees every snapshot framing marker arrives as its own
// single-event batch, so within one batch the target state never changes.
func (r *Replayer) ApplyBatch(batch []*protocol.Delta) error {
	if r.state == StateHalted {
		return ErrHalted
	}
	if len(batch) == 0 {
		return nil
	}

	if batch[0].Type.IsFraming() {
		if len(batch) > 1 {
			r.halt(fmt.Errorf("%w: framing marker batched with %d other events", ErrInvalidParam, len(batch)-1))
			return ErrHalted
		}
		return r.applyFraming(batch[0])
	}

	target := r.book
	if r.state == StateSnapshotRebuild {
		if r.rebuild == nil {
			// Awaiting the initial snapshot; mutations before SNAPSHOT_BEGIN
			// have no state to apply against.
			r.counters.DroppedPreSnapshot += uint64(len(batch))
			return nil
		}
		target = r.rebuild
	}

	r.pending = batch
	if err := r.dryRun(target, batch); err != nil {
		r.pending = nil
		r.halt(err)
		return err
	}

	r.commit(target, batch)
	r.pending = nil
	if r.state == StateHalted {
		return ErrHalted
	}
	return nil
}

// applyFraming handles SNAPSHOT_BEGIN / SNAPSHOT_END markers.
func (r *Replayer) applyFraming(d *protocol.Delta) error {
	switch d.Type {
	case protocol.DeltaSnapshotBegin:
		// Accumulate into a fresh empty state; the old book stays untouched
		// (and readable) until the snapshot is complete.
		r.rebuild = NewBookState(r.book.instrumentID, r.cfg)
		r.state = StateSnapshotRebuild
		logger.Info("snapshot rebuild started",
			"instrument_id", r.book.instrumentID,
			"seq", d.Sequence)

	case protocol.DeltaSnapshotEnd:
		if r.rebuild == nil {
			logger.Warn("snapshot end without begin, ignored",
				"instrument_id", r.book.instrumentID,
				"seq", d.Sequence)
			r.counters.InvalidDeltas++
			return nil
		}
		// Install atomically and go live past the snapshot's terminal sequence.
		r.rebuild.markApplied(d.Sequence)
		r.book = r.rebuild
		r.rebuild = nil
		r.state = StateLive
		logger.Info("snapshot installed",
			"instrument_id", r.book.instrumentID,
			"valid_through", d.Sequence,
			"orders", r.book.OrderCount())
	}
	return nil
}

// dryRun simulates the batch against target without mutating it, detecting any
// decrement that would take a level's aggregated volume below zero.
func (r *Replayer) dryRun(target *BookState, batch []*protocol.Delta) error {
	type simOrder struct {
		side   protocol.Side
		price  int64
		size   int64
		exists bool
	}

	sim := make(map[uint64]simOrder, len(batch))
	vol := make(map[levelKey]int64, len(batch))

	getOrder := func(id uint64) (simOrder, bool) {
		if s, ok := sim[id]; ok {
			return s, s.exists
		}
		if o, ok := target.order(id); ok {
			return simOrder{side: o.Side, price: o.Price, size: o.Size, exists: true}, true
		}
		return simOrder{}, false
	}

	getVol := func(k levelKey) int64 {
		if v, ok := vol[k]; ok {
			return v
		}
		return target.sideBookFor(k.side).volume(k.price)
	}

	for _, d := range batch {
		switch d.Type {
		case protocol.DeltaAdd:
			if d.Price <= 0 || d.Size <= 0 {
				continue
			}
			if _, exists := getOrder(d.OrderID); exists {
				continue
			}
			k := levelKey{side: d.Side, price: d.Price}
			vol[k] = getVol(k) + d.Size
			sim[d.OrderID] = simOrder{side: d.Side, price: d.Price, size: d.Size, exists: true}

		case protocol.DeltaUpdate:
			if d.Price <= 0 || d.Size <= 0 {
				continue
			}
			o, ok := getOrder(d.OrderID)
			if !ok {
				continue
			}
			oldKey := levelKey{side: o.side, price: o.price}
			v := getVol(oldKey)
			if v < o.size {
				return fmt.Errorf("%w: seq %d update would drain level %d below zero",
					ErrNegativeVolume, d.Sequence, o.price)
			}
			vol[oldKey] = v - o.size
			newKey := levelKey{side: o.side, price: d.Price}
			vol[newKey] = getVol(newKey) + d.Size
			sim[d.OrderID] = simOrder{side: o.side, price: d.Price, size: d.Size, exists: true}

		case protocol.DeltaCancel:
			o, ok := getOrder(d.OrderID)
			if !ok {
				continue
			}
			k := levelKey{side: o.side, price: o.price}
			v := getVol(k)
			if v < o.size {
				return fmt.Errorf("%w: seq %d cancel would drain level %d below zero",
					ErrNegativeVolume, d.Sequence, o.price)
			}
			vol[k] = v - o.size
			sim[d.OrderID] = simOrder{exists: false}
		}
	}
	return nil
}

// commit applies a dry-run-validated batch to target. Transient anomalies are
// counted and skipped; a fatal error here means the dry-run and the book
// disagree, which is itself a corruption signal.
func (r *Replayer) commit(target *BookState, batch []*protocol.Delta) {
	update := &BookUpdate{
		InstrumentID: target.instrumentID,
		Sequence:     batch[len(batch)-1].Sequence,
	}

	for _, d := range batch {
		var old Order
		if d.Type == protocol.DeltaUpdate || d.Type == protocol.DeltaCancel {
			if o, ok := target.order(d.OrderID); ok {
				old = *o
			}
		}

		var err error
		switch d.Type {
		case protocol.DeltaAdd:
			err = target.applyAdd(d)
		case protocol.DeltaUpdate:
			err = target.applyUpdate(d)
		case protocol.DeltaCancel:
			err = target.applyCancel(d)
		default:
			err = fmt.Errorf("%w: delta type %s", ErrInvalidParam, d.Type)
		}

		switch {
		case err == nil:
			update.Changes = append(update.Changes, CalculateDepthChanges(d, &old)...)
		case errors.Is(err, ErrDuplicateOrder):
			r.counters.DuplicateAdds++
			logger.Warn("duplicate add ignored",
				"instrument_id", target.instrumentID,
				"seq", d.Sequence,
				"order_id", d.OrderID)
		case errors.Is(err, ErrNotFound):
			// The order may predate the first observed snapshot.
			r.counters.UnknownOrders++
		case errors.Is(err, ErrInvalidParam):
			r.counters.InvalidDeltas++
		case errors.Is(err, ErrNegativeVolume):
			r.halt(err)
			return
		}

		target.markApplied(d.Sequence)
	}

	if len(update.Changes) > 0 && r.state == StateLive {
		r.publisher.Publish(update)
	}
}

func (r *Replayer) halt(err error) {
	r.counters.FatalBatches++
	r.state = StateHalted
	logger.Error("replayer halted on fatal consistency violation",
		"instrument_id", r.book.instrumentID,
		"error", err)
}
