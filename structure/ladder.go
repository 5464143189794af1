package structure

// Ladder is a fixed-size, index-addressed array of aggregated price levels for
// the near-touch region of one book side. Slot index is the price distance in
// ticks from the anchor (the side's best price), which gives O(1) volume
// lookups and updates on the hot path.
//
// Design:
// - Slots hold aggregated volume only; zero means the slot is empty
// - The anchor is always the best price of the side; re-anchoring shifts slots
// - Entries pushed past the last slot are returned to the caller for demotion
//   into the deep book; the ladder itself never drops volume silently

// Level is one aggregated price level, used when entries move in or out of the ladder.
type Level struct {
	Price  int64
	Volume int64
}

// Ladder holds the near-touch slots of one side.
type Ladder struct {
	slots     []int64
	tick      int64
	anchor    int64 // Price at slot 0; zero when the ladder is empty
	count     int   // Number of non-empty slots
	ascending bool  // true for asks (higher slot index = higher price)
}

// NewLadder creates a ladder with the given number of slots and tick size.
// ascending selects the slot direction: true for asks, false for bids.
func NewLadder(depth int, tick int64, ascending bool) *Ladder {
	return &Ladder{
		slots:     make([]int64, depth),
		tick:      tick,
		ascending: ascending,
	}
}

// Depth returns the number of slots.
func (l *Ladder) Depth() int {
	return len(l.slots)
}

// Count returns the number of non-empty slots.
func (l *Ladder) Count() int {
	return l.count
}

// Anchor returns the price at slot 0, or zero if the ladder is empty.
func (l *Ladder) Anchor() int64 {
	return l.anchor
}

// distance returns the signed tick-space distance of price from the anchor.
// Positive distances point away from the touch.
func (l *Ladder) distance(price int64) int64 {
	if l.ascending {
		return price - l.anchor
	}
	return l.anchor - price
}

// index returns the slot index for price, or false if the price is outside the
// window, not tick-aligned, or the ladder is empty.
func (l *Ladder) index(price int64) (int, bool) {
	if l.anchor == 0 {
		return 0, false
	}
	d := l.distance(price)
	if d < 0 || d%l.tick != 0 {
		return 0, false
	}
	idx := d / l.tick
	if idx >= int64(len(l.slots)) {
		return 0, false
	}
	return int(idx), true
}

// Contains reports whether price addresses a slot under the current anchor.
func (l *Ladder) Contains(price int64) bool {
	_, ok := l.index(price)
	return ok
}

// Covers reports whether price would address a slot if the ladder were
// anchored at best. Unlike Contains it also holds for a price better than the
// current anchor.
func (l *Ladder) Covers(best, price int64) bool {
	var d int64
	if l.ascending {
		d = price - best
	} else {
		d = best - price
	}
	return d >= 0 && d%l.tick == 0 && d/l.tick < int64(len(l.slots))
}

// Beyond reports whether price lies past the far edge of the window.
func (l *Ladder) Beyond(price int64) bool {
	if l.anchor == 0 {
		return false
	}
	return l.distance(price) >= int64(len(l.slots))*l.tick
}

// Volume returns the aggregated volume at price, or zero if the slot is empty
// or the price is outside the window.
func (l *Ladder) Volume(price int64) int64 {
	idx, ok := l.index(price)
	if !ok {
		return 0
	}
	return l.slots[idx]
}

// Set stores the aggregated volume for price. Setting zero empties the slot.
// Returns false if the price does not address a slot; the caller then routes
// the level to the deep book instead.
func (l *Ladder) Set(price, volume int64) bool {
	idx, ok := l.index(price)
	if !ok {
		return false
	}
	was := l.slots[idx]
	l.slots[idx] = volume
	switch {
	case was == 0 && volume != 0:
		l.count++
	case was != 0 && volume == 0:
		l.count--
	}
	return true
}

// Best returns the first non-empty level scanning from the touch.
func (l *Ladder) Best() (Level, bool) {
	if l.count == 0 {
		return Level{}, false
	}
	for i, v := range l.slots {
		if v != 0 {
			return Level{Price: l.priceAt(i), Volume: v}, true
		}
	}
	return Level{}, false
}

// priceAt converts a slot index back to its price under the current anchor.
func (l *Ladder) priceAt(idx int) int64 {
	if l.ascending {
		return l.anchor + int64(idx)*l.tick
	}
	return l.anchor - int64(idx)*l.tick
}

// Levels returns the non-empty levels ordered best price first.
func (l *Ladder) Levels() []Level {
	if l.count == 0 {
		return nil
	}
	out := make([]Level, 0, l.count)
	for i, v := range l.slots {
		if v != 0 {
			out = append(out, Level{Price: l.priceAt(i), Volume: v})
		}
	}
	return out
}

// Shift re-anchors the ladder at newAnchor and returns the levels that no
// longer fit a slot, ordered best price first. The returned levels must be
// merged into the deep book by the caller; their volumes are unchanged.
// Shifting an empty ladder just installs the anchor.
func (l *Ladder) Shift(newAnchor int64) []Level {
	if newAnchor == l.anchor {
		return nil
	}
	if l.count == 0 {
		l.anchor = newAnchor
		return nil
	}

	levels := l.Levels()
	for i := range l.slots {
		l.slots[i] = 0
	}
	l.count = 0
	l.anchor = newAnchor

	var evicted []Level
	for _, lvl := range levels {
		if !l.Set(lvl.Price, lvl.Volume) {
			evicted = append(evicted, lvl)
		}
	}
	return evicted
}

// Reset empties the ladder.
func (l *Ladder) Reset() {
	for i := range l.slots {
		l.slots[i] = 0
	}
	l.count = 0
	l.anchor = 0
}

// Clone returns a deep copy of the ladder.
func (l *Ladder) Clone() *Ladder {
	c := &Ladder{
		slots:     make([]int64, len(l.slots)),
		tick:      l.tick,
		anchor:    l.anchor,
		count:     l.count,
		ascending: l.ascending,
	}
	copy(c.slots, l.slots)
	return c
}
