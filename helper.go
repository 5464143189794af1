package replay

import "github.com/0x5487/book-replayer/protocol"

// DepthChange represents a change in aggregated depth at one price level.
// Values are scaled integers; conversion to decimal is the consumer's concern.
type DepthChange struct {
	Side     protocol.Side
	Price    int64
	SizeDiff int64
}

// CalculateDepthChanges derives the depth changes produced by one applied
// delta. old carries the order's pre-apply state and is only consulted for
// UPDATE and CANCEL.
func CalculateDepthChanges(d *protocol.Delta, old *Order) []DepthChange {
	switch d.Type {
	case protocol.DeltaAdd:
		return []DepthChange{{
			Side:     d.Side,
			Price:    d.Price,
			SizeDiff: d.Size,
		}}
	case protocol.DeltaCancel:
		return []DepthChange{{
			Side:     old.Side,
			Price:    old.Price,
			SizeDiff: -old.Size,
		}}
	case protocol.DeltaUpdate:
		// Same level: a single in-place diff keeps downstream books tighter.
		if old.Price == d.Price {
			diff := d.Size - old.Size
			if diff == 0 {
				return nil
			}
			return []DepthChange{{
				Side:     old.Side,
				Price:    old.Price,
				SizeDiff: diff,
			}}
		}
		return []DepthChange{
			{
				Side:     old.Side,
				Price:    old.Price,
				SizeDiff: -old.Size,
			},
			{
				Side:     old.Side,
				Price:    d.Price,
				SizeDiff: d.Size,
			},
		}
	}
	return nil
}
