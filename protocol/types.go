package protocol

import (
	"github.com/shopspring/decimal"
)

// Side represents the book side a delta applies to.
type Side int8

const (
	SideBid Side = 1
	SideAsk Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// DeltaType identifies the operation carried by a delta (using uint8 for memory alignment and performance).
type DeltaType uint8

const (
	DeltaUnknown DeltaType = 0

	// Book mutations (hot path)
	DeltaAdd    DeltaType = 1
	DeltaUpdate DeltaType = 2
	DeltaCancel DeltaType = 3

	// Snapshot framing markers (10+, control plane)
	DeltaSnapshotBegin DeltaType = 10
	DeltaSnapshotEnd   DeltaType = 11
)

func (t DeltaType) String() string {
	switch t {
	case DeltaAdd:
		return "add"
	case DeltaUpdate:
		return "update"
	case DeltaCancel:
		return "cancel"
	case DeltaSnapshotBegin:
		return "snapshot_begin"
	case DeltaSnapshotEnd:
		return "snapshot_end"
	default:
		return "unknown"
	}
}

// IsFraming reports whether the delta is a snapshot framing marker rather than a book mutation.
func (t DeltaType) IsFraming() bool {
	return t == DeltaSnapshotBegin || t == DeltaSnapshotEnd
}

// PriceScale is the system-wide fixed-point scale factor for prices and sizes.
// All hot-path arithmetic is performed on scaled integers; conversion to and
// from decimal happens only at ingestion and output boundaries.
const PriceScale int64 = 100_000_000

// priceExponent is the decimal exponent matching PriceScale (1e8).
const priceExponent int32 = -8

// Delta is an incremental order book change message.
// Sequence is assigned by the upstream feed and is strictly increasing per instrument.
// OrderID, Price and Size are absent (zero) on snapshot framing markers.
type Delta struct {
	Sequence  uint64    `json:"seq"`
	Type      DeltaType `json:"type"`
	Side      Side      `json:"side,omitempty"`
	OrderID   uint64    `json:"order_id,omitempty"`
	Price     int64     `json:"price,omitempty"` // Scaled by PriceScale
	Size      int64     `json:"size,omitempty"`  // Scaled by PriceScale
	EventTime int64     `json:"event_time,omitempty"` // Unix nano
}

// LevelView is one aggregated price level in an outbound book view.
// Price and Size are decimal strings to prevent precision loss in JSON.
type LevelView struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookView is a read-only snapshot of book state for downstream consumers.
// Bids and Asks are ordered best price first.
type BookView struct {
	InstrumentID   string       `json:"instrument_id"`
	AppliedThrough uint64       `json:"applied_through"`
	Bids           []*LevelView `json:"bids"`
	Asks           []*LevelView `json:"asks"`
}

// BestBid returns the first bid level, or nil if the bid side is empty.
func (v *BookView) BestBid() *LevelView {
	if len(v.Bids) == 0 {
		return nil
	}
	return v.Bids[0]
}

// BestAsk returns the first ask level, or nil if the ask side is empty.
func (v *BookView) BestAsk() *LevelView {
	if len(v.Asks) == 0 {
		return nil
	}
	return v.Asks[0]
}

// ToDecimal converts a scaled integer to its decimal representation.
func ToDecimal(v int64) decimal.Decimal {
	return decimal.New(v, priceExponent)
}

// FromDecimal converts a decimal to a scaled integer.
// Returns false if the value cannot be represented exactly at PriceScale precision.
func FromDecimal(d decimal.Decimal) (int64, bool) {
	scaled := d.Shift(-priceExponent)
	if !scaled.IsInteger() {
		return 0, false
	}
	return scaled.IntPart(), true
}
