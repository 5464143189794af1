package replay

import (
	"context"
	"testing"

	"github.com/0x5487/book-replayer/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayEngineRouting(t *testing.T) {
	ctx := context.Background()
	engine := NewReplayEngine(pipelineConfig(), NewMemoryStore(), nil)
	defer engine.Shutdown(ctx)

	btc, err := engine.CreatePipeline(ctx, "BTC-USDT", NewMemoryFeedSource(nil))
	require.NoError(t, err)
	require.NotNil(t, btc)

	eth, err := engine.CreatePipeline(ctx, "ETH-USDT", NewMemoryFeedSource(nil))
	require.NoError(t, err)

	// Deltas route by instrument and the books stay isolated.
	require.NoError(t, engine.Submit(ctx, "BTC-USDT", addDelta(1, 1, protocol.SideBid, 1000, 2)))
	require.NoError(t, engine.Submit(ctx, "ETH-USDT", addDelta(1, 1, protocol.SideAsk, 2000, 3)))
	waitApplied(t, btc, 1)
	waitApplied(t, eth, 1)

	btcView, err := engine.View("BTC-USDT", 10)
	require.NoError(t, err)
	require.NotNil(t, btcView.BestBid())
	assert.Nil(t, btcView.BestAsk())

	ethView, err := engine.View("ETH-USDT", 10)
	require.NoError(t, err)
	require.NotNil(t, ethView.BestAsk())
	assert.Nil(t, ethView.BestBid())
}

func TestReplayEngineUnknownInstrument(t *testing.T) {
	ctx := context.Background()
	engine := NewReplayEngine(pipelineConfig(), nil, nil)
	defer engine.Shutdown(ctx)

	err := engine.Submit(ctx, "NOPE-USDT", addDelta(1, 1, protocol.SideBid, 1000, 2))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = engine.View("NOPE-USDT", 10)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Nil(t, engine.Pipeline("NOPE-USDT"))
}

func TestReplayEngineCreateExistingReturnsSame(t *testing.T) {
	ctx := context.Background()
	engine := NewReplayEngine(pipelineConfig(), nil, nil)
	defer engine.Shutdown(ctx)

	p1, err := engine.CreatePipeline(ctx, "BTC-USDT", NewMemoryFeedSource(nil))
	require.NoError(t, err)
	p2, err := engine.CreatePipeline(ctx, "BTC-USDT", NewMemoryFeedSource(nil))
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestReplayEngineHealth(t *testing.T) {
	ctx := context.Background()
	engine := NewReplayEngine(pipelineConfig(), nil, nil)
	defer engine.Shutdown(ctx)

	_, err := engine.CreatePipeline(ctx, "BTC-USDT", NewMemoryFeedSource(nil))
	require.NoError(t, err)
	_, err = engine.CreatePipeline(ctx, "ETH-USDT", NewMemoryFeedSource(nil))
	require.NoError(t, err)

	health := engine.Health()
	require.Len(t, health, 2)
	assert.Equal(t, "live", health["BTC-USDT"].State)
	assert.Equal(t, "live", health["ETH-USDT"].State)
}

func TestReplayEngineShutdown(t *testing.T) {
	ctx := context.Background()
	engine := NewReplayEngine(pipelineConfig(), nil, nil)

	p, err := engine.CreatePipeline(ctx, "BTC-USDT", NewMemoryFeedSource(nil))
	require.NoError(t, err)

	require.NoError(t, engine.Shutdown(ctx))

	err = engine.Submit(ctx, "BTC-USDT", addDelta(1, 1, protocol.SideBid, 1000, 2))
	assert.ErrorIs(t, err, ErrShutdown)

	_, err = engine.CreatePipeline(ctx, "ETH-USDT", NewMemoryFeedSource(nil))
	assert.ErrorIs(t, err, ErrShutdown)

	// The pipeline itself was shut down too.
	err = p.Submit(ctx, addDelta(1, 1, protocol.SideBid, 1000, 2))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestReplayEngineFinalCheckpointOnShutdown(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewReplayEngine(pipelineConfig(), store, nil)

	p, err := engine.CreatePipeline(ctx, "BTC-USDT", NewMemoryFeedSource(nil))
	require.NoError(t, err)

	require.NoError(t, engine.Submit(ctx, "BTC-USDT", addDelta(1, 1, protocol.SideBid, 1000, 2)))
	waitApplied(t, p, 1)

	require.NoError(t, engine.Shutdown(ctx))

	cp, err := store.Latest(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cp.ValidThroughSeq)
}
