package replay

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// MemoryStore keeps checkpoints in memory, useful for testing and backtests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*Checkpoint // instrument -> records in save order
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]*Checkpoint),
	}
}

func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[cp.InstrumentID] = append(s.records[cp.InstrumentID], cp)
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context, instrumentID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[instrumentID]
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Verify() == nil {
			return records[i], nil
		}
	}
	return nil, ErrNoCheckpoint
}

// Count returns the number of stored checkpoints for the instrument.
func (s *MemoryStore) Count(instrumentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[instrumentID])
}

// PebbleStore is the durable checkpoint store backed by a pebble key-value
// database. Records are keyed by instrument and big-endian valid-through
// sequence, so the latest checkpoint is a reverse scan of the instrument's
// key range. Corrupt records (checksum mismatch) are skipped in favor of the
// next older one rather than failing recovery outright.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a pebble-backed store at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func checkpointKey(instrumentID string, seq uint64) []byte {
	key := make([]byte, 0, len("cp/")+len(instrumentID)+1+8)
	key = append(key, "cp/"...)
	key = append(key, instrumentID...)
	key = append(key, '/')
	key = binary.BigEndian.AppendUint64(key, seq)
	return key
}

// keyBounds returns the [lower, upper) key range holding an instrument's records.
func keyBounds(instrumentID string) ([]byte, []byte) {
	lower := []byte("cp/" + instrumentID + "/")
	upper := []byte("cp/" + instrumentID + "0") // '/'+1
	return lower, upper
}

// binary record layout: [checksum:4][validThrough:8][createdAt:8][idLen:2][id][state]
func encodeCheckpoint(cp *Checkpoint) []byte {
	buf := make([]byte, 0, 4+8+8+2+len(cp.ID)+len(cp.State))
	buf = binary.BigEndian.AppendUint32(buf, cp.Checksum)
	buf = binary.BigEndian.AppendUint64(buf, cp.ValidThroughSeq)
	buf = binary.BigEndian.AppendUint64(buf, uint64(cp.CreatedAt))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(cp.ID)))
	buf = append(buf, cp.ID...)
	buf = append(buf, cp.State...)
	return buf
}

func decodeCheckpoint(instrumentID string, b []byte) (*Checkpoint, error) {
	const header = 4 + 8 + 8 + 2
	if len(b) < header {
		return nil, fmt.Errorf("%w: checkpoint record too short", ErrChecksumMismatch)
	}
	idLen := int(binary.BigEndian.Uint16(b[20:22]))
	if len(b) < header+idLen {
		return nil, fmt.Errorf("%w: checkpoint record truncated", ErrChecksumMismatch)
	}

	state := make([]byte, len(b)-header-idLen)
	copy(state, b[header+idLen:])

	return &Checkpoint{
		ID:              string(b[header : header+idLen]),
		InstrumentID:    instrumentID,
		ValidThroughSeq: binary.BigEndian.Uint64(b[4:12]),
		CreatedAt:       int64(binary.BigEndian.Uint64(b[12:20])),
		State:           state,
		Checksum:        binary.BigEndian.Uint32(b[0:4]),
	}, nil
}

func (s *PebbleStore) Save(ctx context.Context, cp *Checkpoint) error {
	key := checkpointKey(cp.InstrumentID, cp.ValidThroughSeq)
	return s.db.Set(key, encodeCheckpoint(cp), pebble.Sync)
}

func (s *PebbleStore) Latest(ctx context.Context, instrumentID string) (*Checkpoint, error) {
	lower, upper := keyBounds(instrumentID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for valid := iter.Last(); valid; valid = iter.Prev() {
		cp, err := decodeCheckpoint(instrumentID, iter.Value())
		if err != nil {
			logger.Warn("skipping undecodable checkpoint record",
				"instrument_id", instrumentID,
				"error", err)
			continue
		}
		if err := cp.Verify(); err != nil {
			logger.Warn("skipping corrupt checkpoint record",
				"instrument_id", instrumentID,
				"checkpoint_id", cp.ID,
				"valid_through", cp.ValidThroughSeq)
			continue
		}
		return cp, nil
	}
	return nil, ErrNoCheckpoint
}
