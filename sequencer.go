package replay

import (
	"time"

	"github.com/0x5487/book-replayer/protocol"
	"github.com/huandu/skiplist"
)

// Batch is a validated micro-batch of deltas in non-decreasing sequence order
// (equal sequences form one admission group), ready for transactional
// application by the Replayer.
type Batch []*protocol.Delta

// SequencerCounters tracks admission statistics for monitoring.
type SequencerCounters struct {
	Duplicates    uint64 `json:"duplicates"`
	Gaps          uint64 `json:"gaps"`
	Discarded     uint64 `json:"discarded"` // Buffered events dropped by gap declarations
	HeldHighWater int    `json:"held_high_water"`
}

// holdEntry is one reorder-buffer slot: every delta seen with the same
// sequence number, in arrival order, plus the arrival time of the first.
type holdEntry struct {
	events []*protocol.Delta
	heldAt time.Time
}

// Sequencer enforces monotonic sequence progression over a near-ordered delta
// stream. In-order deltas are admitted immediately; deltas ahead of the
// expected sequence are held in a look-ahead reorder buffer (a skiplist keyed
// by sequence number) and released in order as gaps fill; a delta matching the
// most recently admitted sequence joins that admission group, and anything
// older is discarded as a duplicate. A gap wider than the window, or a hold that
// outlives the timeout, declares a sequence gap and degrades to recovery —
// buffered events are never dropped without triggering recovery.
//
// Admitted events are grouped into micro-batches bounded by a max event count
// and a max wait. Batching never reorders events, never splits events sharing
// a sequence number, and snapshot framing markers always force a boundary.
type Sequencer struct {
	cfg          *Config
	expectedNext uint64 // 0 = unanchored; the first delta seen anchors it
	lastAdmitted uint64 // Sequence of the newest non-framing admission; 0 = none
	window       *skiplist.SkipList
	held         int
	batch        []*protocol.Delta
	batchStart   time.Time
	counters     SequencerCounters
}

// NewSequencer creates a sequencer with an empty reorder buffer.
func NewSequencer(cfg *Config) *Sequencer {
	return &Sequencer{
		cfg:    cfg,
		window: skiplist.New(skiplist.Uint64),
	}
}

// ExpectedNext returns the next sequence number the sequencer will admit.
func (s *Sequencer) ExpectedNext() uint64 {
	return s.expectedNext
}

// Held returns the number of deltas currently in the reorder buffer.
func (s *Sequencer) Held() int {
	return s.held
}

func (s *Sequencer) Counters() SequencerCounters {
	return s.counters
}

// ResetTo discards the reorder buffer and any open batch and restarts
// admission at seq. Used by recovery after a checkpoint load or snapshot
// rebuild repositions the stream.
func (s *Sequencer) ResetTo(seq uint64) {
	s.expectedNext = seq
	s.lastAdmitted = 0
	s.window = skiplist.New(skiplist.Uint64)
	s.held = 0
	s.batch = nil
}

// Push admits one delta. It returns zero or more flushed batches, and
// ErrSequenceGap when the delta falls outside the look-ahead window; the
// returned batches are still valid and must be applied before recovery starts.
func (s *Sequencer) Push(d *protocol.Delta, now time.Time) ([]Batch, error) {
	if s.expectedNext == 0 {
		s.expectedNext = d.Sequence
	}

	var out []Batch

	switch {
	case d.Sequence < s.expectedNext:
		// Deltas can legitimately share a sequence number. Admission already
		// advanced expectedNext past the first one, so a late sibling arriving
		// in order looks like a duplicate; rejoin it to its group instead of
		// dropping it.
		if d.Sequence == s.lastAdmitted && !d.Type.IsFraming() {
			s.admitGroup([]*protocol.Delta{d}, now, &out)
			return out, nil
		}
		s.counters.Duplicates++
		return nil, nil

	case d.Sequence == s.expectedNext:
		s.admitGroup([]*protocol.Delta{d}, now, &out)
		s.expectedNext = d.Sequence + 1
		s.drainWindow(now, &out)
		return out, nil

	default:
		if d.Sequence-s.expectedNext > s.cfg.LookAheadWindow {
			// The triggering delta is dropped too; count it with the buffer.
			s.counters.Discarded++
			return s.declareGap(&out, "gap exceeds look-ahead window",
				"expected", s.expectedNext, "got", d.Sequence)
		}
		s.hold(d, now)
		return out, nil
	}
}

// Tick drives the time-based budgets: the reorder hold timeout and the batch
// max wait. The pipeline calls it on its internal clock.
func (s *Sequencer) Tick(now time.Time) ([]Batch, error) {
	var out []Batch

	if s.held > 0 && now.Sub(s.oldestHeld()) > s.cfg.HoldTimeout {
		return s.declareGap(&out, "hold timeout expired without gap closing",
			"expected", s.expectedNext, "held", s.held)
	}

	if len(s.batch) > 0 && now.Sub(s.batchStart) >= s.cfg.MaxBatchWait {
		out = append(out, s.flush())
	}
	return out, nil
}

// Flush forces the open batch out, regardless of its size or age.
func (s *Sequencer) Flush() []Batch {
	if len(s.batch) == 0 {
		return nil
	}
	return []Batch{s.flush()}
}

// hold buffers an ahead-of-sequence delta. Deltas sharing a sequence number
// accumulate in arrival order under one slot and are later released together
// as a single admission group.
func (s *Sequencer) hold(d *protocol.Delta, now time.Time) {
	if el := s.window.Get(d.Sequence); el != nil {
		entry := el.Value.(*holdEntry)
		entry.events = append(entry.events, d)
	} else {
		s.window.Set(d.Sequence, &holdEntry{
			events: []*protocol.Delta{d},
			heldAt: now,
		})
	}
	s.held++
	if s.held > s.counters.HeldHighWater {
		s.counters.HeldHighWater = s.held
	}
}

// drainWindow releases buffered admission groups while the front of the
// reorder buffer matches the expected sequence.
func (s *Sequencer) drainWindow(now time.Time, out *[]Batch) {
	for {
		front := s.window.Front()
		if front == nil || front.Key().(uint64) != s.expectedNext {
			return
		}
		entry := front.Value.(*holdEntry)
		s.window.RemoveFront()
		s.held -= len(entry.events)

		s.admitGroup(entry.events, now, out)
		s.expectedNext++
	}
}

// oldestHeld returns the earliest arrival time among buffered deltas.
func (s *Sequencer) oldestHeld() time.Time {
	var oldest time.Time
	for el := s.window.Front(); el != nil; el = el.Next() {
		heldAt := el.Value.(*holdEntry).heldAt
		if oldest.IsZero() || heldAt.Before(oldest) {
			oldest = heldAt
		}
	}
	return oldest
}

// admitGroup appends one admission group to the open batch. The group is
// never split: the size bound is checked only after the whole group is in.
func (s *Sequencer) admitGroup(events []*protocol.Delta, now time.Time, out *[]Batch) {
	if events[0].Type.IsFraming() {
		// Framing markers force a boundary on both sides and never take
		// late siblings.
		if len(s.batch) > 0 {
			*out = append(*out, s.flush())
		}
		*out = append(*out, Batch(events))
		s.lastAdmitted = 0
		return
	}

	s.lastAdmitted = events[len(events)-1].Sequence
	if len(s.batch) == 0 {
		s.batchStart = now
	}
	s.batch = append(s.batch, events...)
	if len(s.batch) >= s.cfg.MaxBatchEvents {
		*out = append(*out, s.flush())
	}
}

func (s *Sequencer) flush() Batch {
	b := Batch(s.batch)
	s.batch = nil
	return b
}

// declareGap flushes whatever was already admitted, discards the reorder
// buffer and reports ErrSequenceGap so the pipeline enters recovery.
func (s *Sequencer) declareGap(out *[]Batch, msg string, args ...any) ([]Batch, error) {
	if len(s.batch) > 0 {
		*out = append(*out, s.flush())
	}

	s.counters.Gaps++
	s.counters.Discarded += uint64(s.held)
	logger.Warn("sequence gap declared: "+msg, args...)

	s.window = skiplist.New(skiplist.Uint64)
	s.held = 0
	return *out, ErrSequenceGap
}
