package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCheckpoint(id, instrumentID string, seq uint64, state string) *Checkpoint {
	return &Checkpoint{
		ID:              id,
		InstrumentID:    instrumentID,
		ValidThroughSeq: seq,
		CreatedAt:       time.Now().UnixNano(),
		State:           []byte(state),
		Checksum:        mustChecksum([]byte(state)),
	}
}

func TestPebbleStoreRoundTrip(t *testing.T) {
	store, err := OpenPebbleStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	cp := validCheckpoint("cp-1", "BTC-USDT", 100, `{"orders":[]}`)
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Latest(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)
	assert.Equal(t, cp.ValidThroughSeq, got.ValidThroughSeq)
	assert.Equal(t, cp.CreatedAt, got.CreatedAt)
	assert.Equal(t, cp.State, got.State)
	require.NoError(t, got.Verify())
}

func TestPebbleStoreLatestPicksHighestSequence(t *testing.T) {
	store, err := OpenPebbleStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, validCheckpoint("old", "BTC-USDT", 100, "a")))
	require.NoError(t, store.Save(ctx, validCheckpoint("new", "BTC-USDT", 300, "b")))
	require.NoError(t, store.Save(ctx, validCheckpoint("mid", "BTC-USDT", 200, "c")))

	got, err := store.Latest(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)
	assert.Equal(t, uint64(300), got.ValidThroughSeq)
}

func TestPebbleStoreSkipsCorruptRecords(t *testing.T) {
	store, err := OpenPebbleStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, validCheckpoint("good", "BTC-USDT", 100, "a")))

	// A newer record whose checksum does not cover its state.
	bad := validCheckpoint("bad", "BTC-USDT", 200, "b")
	bad.Checksum = 0xdeadbeef
	require.NoError(t, store.Save(ctx, bad))

	got, err := store.Latest(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, "good", got.ID)
}

func TestPebbleStoreInstrumentIsolation(t *testing.T) {
	store, err := OpenPebbleStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, validCheckpoint("btc", "BTC-USDT", 500, "a")))
	require.NoError(t, store.Save(ctx, validCheckpoint("eth", "ETH-USDT", 100, "b")))

	got, err := store.Latest(ctx, "ETH-USDT")
	require.NoError(t, err)
	assert.Equal(t, "eth", got.ID)

	_, err = store.Latest(ctx, "SOL-USDT")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenPebbleStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, validCheckpoint("cp-1", "BTC-USDT", 100, "a")))
	require.NoError(t, store.Close())

	store, err = OpenPebbleStore(dir)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Latest(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, "cp-1", got.ID)
}

func TestCheckpointRecordCodec(t *testing.T) {
	cp := validCheckpoint("cp-1", "BTC-USDT", 42, "payload")

	decoded, err := decodeCheckpoint("BTC-USDT", encodeCheckpoint(cp))
	require.NoError(t, err)
	assert.Equal(t, cp, decoded)

	_, err = decodeCheckpoint("BTC-USDT", []byte{1, 2, 3})
	assert.Error(t, err)
}
