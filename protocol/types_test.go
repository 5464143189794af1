package protocol

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDeltaTypeIsFraming(t *testing.T) {
	assert.False(t, DeltaAdd.IsFraming())
	assert.False(t, DeltaUpdate.IsFraming())
	assert.False(t, DeltaCancel.IsFraming())
	assert.True(t, DeltaSnapshotBegin.IsFraming())
	assert.True(t, DeltaSnapshotEnd.IsFraming())
}

func TestToDecimal(t *testing.T) {
	// 30000.00000000 at PriceScale
	d := ToDecimal(3_000_000_000_000)
	assert.Equal(t, "30000", d.String())

	d = ToDecimal(50_000_000)
	assert.Equal(t, "0.5", d.String())

	d = ToDecimal(1)
	assert.Equal(t, "0.00000001", d.String())
}

func TestFromDecimal(t *testing.T) {
	v, ok := FromDecimal(decimal.RequireFromString("30000"))
	assert.True(t, ok)
	assert.Equal(t, int64(3_000_000_000_000), v)

	v, ok = FromDecimal(decimal.RequireFromString("0.00000001"))
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)

	// More precision than PriceScale carries.
	_, ok = FromDecimal(decimal.RequireFromString("0.000000001"))
	assert.False(t, ok)
}

func TestDecimalRoundTrip(t *testing.T) {
	for _, s := range []string{"0.1", "123.45678901", "99999.99999999"} {
		v, ok := FromDecimal(decimal.RequireFromString(s))
		assert.True(t, ok)
		assert.Equal(t, s, ToDecimal(v).String())
	}
}

func TestBookViewBest(t *testing.T) {
	v := &BookView{}
	assert.Nil(t, v.BestBid())
	assert.Nil(t, v.BestAsk())

	v.Bids = []*LevelView{{Price: "100", Size: "1"}}
	v.Asks = []*LevelView{{Price: "101", Size: "2"}}
	assert.Equal(t, "100", v.BestBid().Price)
	assert.Equal(t, "101", v.BestAsk().Price)
}
