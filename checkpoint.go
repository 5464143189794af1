package replay

import (
	"context"
	"hash/crc32"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/0x5487/book-replayer/protocol"
)

// Checkpoint is an immutable, point-in-time serialized copy of BookState plus
// the sequence number through which it is valid. Later checkpoints supersede
// earlier ones; retention of old records is store policy, not a core concern.
type Checkpoint struct {
	ID              string `json:"id"`
	InstrumentID    string `json:"instrument_id"`
	ValidThroughSeq uint64 `json:"valid_through_seq"`
	CreatedAt       int64  `json:"created_at"` // Unix nano
	State           []byte `json:"state"`      // Serialized bookPayload
	Checksum        uint32 `json:"checksum"`   // CRC32 of State
}

// Verify recomputes the integrity checksum over the serialized state.
func (c *Checkpoint) Verify() error {
	if crc32.ChecksumIEEE(c.State) != c.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// CheckpointStore is the durable store contract. Save must be atomic per
// record; Latest returns the most recent structurally valid checkpoint for the
// instrument or ErrNoCheckpoint.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Latest(ctx context.Context, instrumentID string) (*Checkpoint, error)
}

// CheckpointManager triggers and executes non-blocking persistence of book
// state. The trigger fires on an applied-event count threshold or a
// wall-clock interval, whichever comes first. Serialization and I/O run on a
// background goroutine against a structural copy of the book, so checkpoint
// latency never adds latency to event application. A failed write is logged
// and retried on the next trigger; it never halts live processing.
type CheckpointManager struct {
	cfg        *Config
	store      CheckpointStore
	serializer protocol.Serializer

	eventsSince int
	lastAttempt time.Time

	lastSaved  atomic.Uint64 // ValidThroughSeq of the last successful save
	writeFails atomic.Uint64
	inFlight   atomic.Bool

	wg sync.WaitGroup
}

// NewCheckpointManager creates a manager writing to store.
func NewCheckpointManager(cfg *Config, store CheckpointStore) *CheckpointManager {
	return &CheckpointManager{
		cfg:        cfg,
		store:      store,
		serializer: &protocol.DefaultJSONSerializer{},
	}
}

// LastSaved returns the valid-through sequence of the last successful checkpoint.
func (m *CheckpointManager) LastSaved() uint64 {
	return m.lastSaved.Load()
}

// WriteFailures returns the number of failed checkpoint writes.
func (m *CheckpointManager) WriteFailures() uint64 {
	return m.writeFails.Load()
}

// Observe records applied events and checkpoints the book when a trigger
// fires. It is called on the pipeline goroutine after every committed batch;
// book must be the live state, which is cloned synchronously here and never
// touched again by the background writer's I/O path.
func (m *CheckpointManager) Observe(book *BookState, applied int, now time.Time) {
	m.eventsSince += applied

	if m.lastAttempt.IsZero() {
		m.lastAttempt = now
	}

	if m.eventsSince < m.cfg.CheckpointEvents && now.Sub(m.lastAttempt) < m.cfg.CheckpointInterval {
		return
	}
	m.Trigger(book, now)
}

// Trigger unconditionally starts a checkpoint of book unless one is already
// in flight.
func (m *CheckpointManager) Trigger(book *BookState, now time.Time) {
	if m.store == nil {
		return
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		return
	}

	m.eventsSince = 0
	m.lastAttempt = now

	clone := book.Clone()
	m.wg.Add(1)
	go m.persist(clone)
}

// persist serializes and writes one checkpoint off the hot path.
func (m *CheckpointManager) persist(book *BookState) {
	defer m.wg.Done()
	defer m.inFlight.Store(false)

	data, err := m.serializer.Marshal(book.exportPayload())
	if err != nil {
		m.writeFails.Add(1)
		logger.Error("checkpoint serialization failed",
			"instrument_id", book.instrumentID,
			"error", err)
		return
	}

	cp := &Checkpoint{
		ID:              xid.New().String(),
		InstrumentID:    book.instrumentID,
		ValidThroughSeq: book.appliedThrough,
		CreatedAt:       time.Now().UnixNano(),
		State:           data,
		Checksum:        crc32.ChecksumIEEE(data),
	}

	if err := m.store.Save(context.Background(), cp); err != nil {
		m.writeFails.Add(1)
		logger.Error("checkpoint write failed, will retry on next trigger",
			"instrument_id", book.instrumentID,
			"valid_through", cp.ValidThroughSeq,
			"error", err)
		return
	}

	m.lastSaved.Store(cp.ValidThroughSeq)
	logger.Info("checkpoint written",
		"instrument_id", book.instrumentID,
		"checkpoint_id", cp.ID,
		"valid_through", cp.ValidThroughSeq,
		"bytes", len(cp.State))
}

// Close waits for any in-flight write to finish.
func (m *CheckpointManager) Close() {
	m.wg.Wait()
}
