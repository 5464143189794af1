package replay

import (
	"testing"
	"time"

	"github.com/0x5487/book-replayer/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequencerConfig() *Config {
	cfg := &Config{
		LookAheadWindow: 5,
		HoldTimeout:     100 * time.Millisecond,
		MaxBatchEvents:  3,
		MaxBatchWait:    time.Hour, // time-based flush driven explicitly via Tick
	}
	_ = cfg.Validate()
	return cfg
}

func seqDelta(seq uint64) *protocol.Delta {
	return &protocol.Delta{
		Sequence: seq,
		Type:     protocol.DeltaAdd,
		Side:     protocol.SideBid,
		OrderID:  seq,
		Price:    1000,
		Size:     1,
	}
}

func sequences(b Batch) []uint64 {
	out := make([]uint64, 0, len(b))
	for _, d := range b {
		out = append(out, d.Sequence)
	}
	return out
}

func TestSequencerInOrderBatching(t *testing.T) {
	s := NewSequencer(sequencerConfig())
	now := time.Now()

	// The first delta anchors the expected sequence.
	batches, err := s.Push(seqDelta(10), now)
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, uint64(11), s.ExpectedNext())

	batches, err = s.Push(seqDelta(11), now)
	require.NoError(t, err)
	assert.Empty(t, batches)

	// The third event reaches MaxBatchEvents and flushes.
	batches, err = s.Push(seqDelta(12), now)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []uint64{10, 11, 12}, sequences(batches[0]))
}

func TestSequencerReorder(t *testing.T) {
	s := NewSequencer(sequencerConfig())
	now := time.Now()

	_, err := s.Push(seqDelta(1), now)
	require.NoError(t, err)

	// 3 arrives early and is held.
	batches, err := s.Push(seqDelta(3), now)
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, 1, s.Held())
	assert.Equal(t, uint64(2), s.ExpectedNext())

	// 2 closes the gap; 2 and 3 drain in order and the batch flushes at 3.
	batches, err = s.Push(seqDelta(2), now)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []uint64{1, 2, 3}, sequences(batches[0]))
	assert.Equal(t, 0, s.Held())
	assert.Equal(t, uint64(4), s.ExpectedNext())
}

func TestSequencerHoldTimeoutDeclaresGap(t *testing.T) {
	s := NewSequencer(sequencerConfig())
	start := time.Now()

	_, err := s.Push(seqDelta(1), start)
	require.NoError(t, err)
	_, err = s.Push(seqDelta(2), start)
	require.NoError(t, err)

	// 3 never arrives; 4 waits in the buffer.
	_, err = s.Push(seqDelta(4), start)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Held())

	// Within the hold timeout nothing happens.
	batches, err := s.Tick(start.Add(50 * time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, batches)

	// Past the timeout: the admitted prefix flushes and a gap is declared.
	batches, err = s.Tick(start.Add(150 * time.Millisecond))
	assert.ErrorIs(t, err, ErrSequenceGap)
	require.Len(t, batches, 1)
	assert.Equal(t, []uint64{1, 2}, sequences(batches[0]))
	assert.Equal(t, 0, s.Held())
	assert.Equal(t, uint64(1), s.Counters().Gaps)
	assert.Equal(t, uint64(1), s.Counters().Discarded)
}

func TestSequencerGapBeyondWindow(t *testing.T) {
	s := NewSequencer(sequencerConfig())
	now := time.Now()

	_, err := s.Push(seqDelta(1), now)
	require.NoError(t, err)

	// 100 is far past the 5-slot look-ahead window.
	batches, err := s.Push(seqDelta(100), now)
	assert.ErrorIs(t, err, ErrSequenceGap)
	require.Len(t, batches, 1)
	assert.Equal(t, []uint64{1}, sequences(batches[0]))
	assert.Equal(t, uint64(1), s.Counters().Gaps)
	// The delta that revealed the gap was dropped too and must be counted.
	assert.Equal(t, uint64(1), s.Counters().Discarded)
}

func TestSequencerDuplicatesDiscarded(t *testing.T) {
	s := NewSequencer(sequencerConfig())
	now := time.Now()

	_, err := s.Push(seqDelta(5), now)
	require.NoError(t, err)
	_, err = s.Push(seqDelta(6), now)
	require.NoError(t, err)

	batches, err := s.Push(seqDelta(5), now)
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, uint64(1), s.Counters().Duplicates)
	assert.Equal(t, uint64(7), s.ExpectedNext())
}

func TestSequencerInOrderSameSequenceJoinsGroup(t *testing.T) {
	s := NewSequencer(sequencerConfig())
	now := time.Now()

	_, err := s.Push(seqDelta(1), now)
	require.NoError(t, err)

	// A sibling of the newest admitted sequence arriving in order rejoins
	// its admission group instead of being dropped as a duplicate.
	sibling := seqDelta(1)
	sibling.OrderID = 1001
	batches, err := s.Push(sibling, now)
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, uint64(0), s.Counters().Duplicates)

	batches, err = s.Push(seqDelta(2), now)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []uint64{1, 1, 2}, sequences(batches[0]))
	assert.Equal(t, uint64(1001), batches[0][1].OrderID)

	// Anything older than the newest admission is still a duplicate.
	batches, err = s.Push(seqDelta(1), now)
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, uint64(1), s.Counters().Duplicates)
}

func TestSequencerSameSequenceGroupNotSplit(t *testing.T) {
	cfg := sequencerConfig()
	cfg.MaxBatchEvents = 2
	s := NewSequencer(cfg)
	now := time.Now()

	_, err := s.Push(seqDelta(1), now)
	require.NoError(t, err)

	// Two deltas share sequence 3 and arrive early; they are held together
	// under one reorder-buffer slot, in arrival order.
	d3a := seqDelta(3)
	d3b := seqDelta(3)
	d3b.OrderID = 1003
	_, err = s.Push(d3a, now)
	require.NoError(t, err)
	_, err = s.Push(d3b, now)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Held())

	// 2 closes the gap. The size bound would cut between the two seq-3
	// deltas; instead the whole group lands in one batch.
	batches, err := s.Push(seqDelta(2), now)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, []uint64{1, 2}, sequences(batches[0]))
	assert.Equal(t, []uint64{3, 3}, sequences(batches[1]))
	assert.Equal(t, uint64(1003), batches[1][1].OrderID)
}

func TestSequencerBatchWaitFlush(t *testing.T) {
	cfg := sequencerConfig()
	cfg.MaxBatchWait = 10 * time.Millisecond
	s := NewSequencer(cfg)
	start := time.Now()

	_, err := s.Push(seqDelta(1), start)
	require.NoError(t, err)

	batches, err := s.Tick(start.Add(5 * time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, batches)

	batches, err = s.Tick(start.Add(20 * time.Millisecond))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []uint64{1}, sequences(batches[0]))
}

func TestSequencerFramingForcesBoundary(t *testing.T) {
	s := NewSequencer(sequencerConfig())
	now := time.Now()

	_, err := s.Push(seqDelta(1), now)
	require.NoError(t, err)

	begin := &protocol.Delta{Sequence: 2, Type: protocol.DeltaSnapshotBegin}
	batches, err := s.Push(begin, now)
	require.NoError(t, err)

	// The open batch flushes first, then the marker rides alone.
	require.Len(t, batches, 2)
	assert.Equal(t, []uint64{1}, sequences(batches[0]))
	assert.Equal(t, []uint64{2}, sequences(batches[1]))
	assert.Equal(t, protocol.DeltaSnapshotBegin, batches[1][0].Type)

	// Events after the marker start a fresh batch.
	batches, err = s.Push(seqDelta(3), now)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestSequencerResetTo(t *testing.T) {
	s := NewSequencer(sequencerConfig())
	now := time.Now()

	_, err := s.Push(seqDelta(1), now)
	require.NoError(t, err)
	_, err = s.Push(seqDelta(3), now)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Held())

	s.ResetTo(50)
	assert.Equal(t, uint64(50), s.ExpectedNext())
	assert.Equal(t, 0, s.Held())
	assert.Empty(t, s.Flush())

	// Old-stream stragglers are now duplicates.
	batches, err := s.Push(seqDelta(3), now)
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, uint64(1), s.Counters().Duplicates)
}

func TestSequencerFlush(t *testing.T) {
	s := NewSequencer(sequencerConfig())
	now := time.Now()

	assert.Empty(t, s.Flush())

	_, err := s.Push(seqDelta(1), now)
	require.NoError(t, err)

	batches := s.Flush()
	require.Len(t, batches, 1)
	assert.Equal(t, []uint64{1}, sequences(batches[0]))
	assert.Empty(t, s.Flush())
}

func BenchmarkSequencerPushInOrder(b *testing.B) {
	cfg := DefaultConfig()
	s := NewSequencer(cfg)
	now := time.Now()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Push(seqDelta(uint64(i+1)), now)
	}
}
