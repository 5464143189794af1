package replay

import (
	"fmt"
	"sort"
	"sync"

	"github.com/0x5487/book-replayer/protocol"
	"github.com/0x5487/book-replayer/structure"
	"github.com/igrmk/treemap/v2"
)

// Order represents an active resting order.
// This is also the serializable state used for checkpoints.
type Order struct {
	ID        uint64        `json:"id"`
	Side      protocol.Side `json:"side"`
	Price     int64         `json:"price"` // Scaled by protocol.PriceScale
	Size      int64         `json:"size"`  // Scaled by protocol.PriceScale
	Timestamp int64         `json:"timestamp"` // Unix nano, insertion time
}

var orderPool = sync.Pool{
	New: func() interface{} {
		return new(Order)
	},
}

func acquireOrder() *Order {
	return orderPool.Get().(*Order)
}

func releaseOrder(o *Order) {
	// Reset structure to zero values before returning it to the pool.
	*o = Order{}
	orderPool.Put(o)
}

// sideBook holds one side of the book: the near-touch ladder plus the deep
// tier, an ordered map keyed by scaled price that iterates best price first.
//
// Invariants:
// - The ladder anchor is always the side's best price across both tiers and
//   its slot is never empty; an off-tick best anchors the ladder off the grid
// - A level addressable under the current anchor lives only in the ladder;
//   everything else (beyond the window, or off the anchor's grid) lives only
//   in the deep map
// - Moving a level between tiers never changes its aggregated volume
type sideBook struct {
	side   protocol.Side
	ladder *structure.Ladder
	deep   *treemap.TreeMap[int64, int64]
}

// newDeepMap builds the deep tier map; the comparator makes iteration walk
// best price first for the given side.
func newDeepMap(side protocol.Side) *treemap.TreeMap[int64, int64] {
	if side == protocol.SideAsk {
		return treemap.NewWithKeyCompare[int64, int64](func(a, b int64) bool { return a < b })
	}
	return treemap.NewWithKeyCompare[int64, int64](func(a, b int64) bool { return a > b })
}

func newSideBook(side protocol.Side, cfg *Config) *sideBook {
	return &sideBook{
		side:   side,
		ladder: structure.NewLadder(cfg.TopDepth, cfg.TickSize, side == protocol.SideAsk),
		deep:   newDeepMap(side),
	}
}

// better reports whether price a is closer to the touch than price b.
func (sb *sideBook) better(a, b int64) bool {
	if sb.side == protocol.SideBid {
		return a > b
	}
	return a < b
}

// bestPrice returns the side's best price, or zero if the side is empty.
func (sb *sideBook) bestPrice() int64 {
	return sb.ladder.Anchor()
}

func (sb *sideBook) empty() bool {
	return sb.ladder.Count() == 0 && sb.deep.Len() == 0
}

func (sb *sideBook) deepAdd(price, volume int64) {
	v, _ := sb.deep.Get(price)
	sb.deep.Set(price, v+volume)
}

// add increments the aggregated volume at price, creating the level if needed
// and re-anchoring the ladder when price becomes the new best.
func (sb *sideBook) add(price, size int64) {
	if sb.empty() {
		sb.ladder.Shift(price)
		sb.ladder.Set(price, size)
		return
	}

	best := sb.bestPrice()
	if sb.better(price, best) {
		// New best: re-anchor, demote whatever falls off the far end and
		// promote deep levels the shifted window now covers. The price itself
		// may already hold deep volume from an earlier anchor alignment, so
		// merge rather than overwrite.
		sb.shiftTo(price)
		sb.ladder.Set(price, sb.ladder.Volume(price)+size)
		return
	}

	if sb.ladder.Contains(price) {
		sb.ladder.Set(price, sb.ladder.Volume(price)+size)
		return
	}
	sb.deepAdd(price, size)
}

// reduce decrements the aggregated volume at price, removing the level when it
// reaches exactly zero. A decrement that would go below zero is a corruption
// signal and returns ErrNegativeVolume without mutating anything.
func (sb *sideBook) reduce(price, size int64) error {
	if sb.ladder.Contains(price) {
		v := sb.ladder.Volume(price)
		if v < size {
			return fmt.Errorf("%w: level %d has %d, decrement %d", ErrNegativeVolume, price, v, size)
		}
		sb.ladder.Set(price, v-size)
		if v == size && price == sb.ladder.Anchor() {
			sb.reanchor()
		}
		return nil
	}

	v, ok := sb.deep.Get(price)
	if !ok || v < size {
		return fmt.Errorf("%w: level %d has %d, decrement %d", ErrNegativeVolume, price, v, size)
	}
	if v == size {
		sb.deep.Del(price)
	} else {
		sb.deep.Set(price, v-size)
	}
	return nil
}

// reanchor moves the ladder anchor to the side's true best price after the
// old best level was removed. An off-tick level never addresses a ladder slot,
// so the new best may live in either tier and the two candidates must be
// compared.
func (sb *sideBook) reanchor() {
	lvl, ladderOK := sb.ladder.Best()
	it := sb.deep.Iterator()

	switch {
	case !ladderOK && !it.Valid():
		sb.ladder.Reset()
	case !ladderOK:
		sb.shiftTo(it.Key())
	case !it.Valid() || sb.better(lvl.Price, it.Key()):
		sb.shiftTo(lvl.Price)
	default:
		sb.shiftTo(it.Key())
	}
}

func (sb *sideBook) shiftTo(newAnchor int64) {
	for _, lvl := range sb.ladder.Shift(newAnchor) {
		sb.deepAdd(lvl.Price, lvl.Volume)
	}
	sb.promote()
}

// promote pulls deep levels that address a slot under the current anchor into
// the ladder. The deep map iterates best price first, so the scan stops at the
// window's far edge.
func (sb *sideBook) promote() {
	var promoted []structure.Level
	for it := sb.deep.Iterator(); it.Valid(); it.Next() {
		price := it.Key()
		if sb.ladder.Beyond(price) {
			break
		}
		if sb.ladder.Contains(price) {
			promoted = append(promoted, structure.Level{Price: price, Volume: it.Value()})
		}
	}
	for _, lvl := range promoted {
		sb.deep.Del(lvl.Price)
		sb.ladder.Set(lvl.Price, lvl.Volume)
	}
}

// volume returns the aggregated volume at price across both tiers.
func (sb *sideBook) volume(price int64) int64 {
	if sb.ladder.Contains(price) {
		return sb.ladder.Volume(price)
	}
	v, _ := sb.deep.Get(price)
	return v
}

// levels returns up to limit aggregated levels ordered best price first as a
// price-ordered merge of the two tiers. Off-tick deep levels can sit between
// ladder slots, so concatenation is not enough. limit <= 0 means no limit.
func (sb *sideBook) levels(limit int) []structure.Level {
	lad := sb.ladder.Levels()
	out := make([]structure.Level, 0, sb.levelCount())
	it := sb.deep.Iterator()

	i := 0
	for i < len(lad) || it.Valid() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if it.Valid() && (i >= len(lad) || sb.better(it.Key(), lad[i].Price)) {
			out = append(out, structure.Level{Price: it.Key(), Volume: it.Value()})
			it.Next()
			continue
		}
		out = append(out, lad[i])
		i++
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (sb *sideBook) levelCount() int {
	return sb.ladder.Count() + sb.deep.Len()
}

func (sb *sideBook) clone() *sideBook {
	c := &sideBook{
		side:   sb.side,
		ladder: sb.ladder.Clone(),
		deep:   newDeepMap(sb.side),
	}
	for it := sb.deep.Iterator(); it.Valid(); it.Next() {
		c.deep.Set(it.Key(), it.Value())
	}
	return c
}

// BookState is the full per-instrument book: order index, both side books and
// the sequence watermarks. It is owned exclusively by one Replayer and must
// never be mutated by anyone else.
type BookState struct {
	instrumentID   string
	cfg            *Config
	orders         map[uint64]*Order
	bids           *sideBook
	asks           *sideBook
	expectedNext   uint64 // Next sequence number the pipeline will accept; 0 = unanchored
	appliedThrough uint64 // Highest sequence number applied to this state
}

// NewBookState creates an empty book for one instrument.
func NewBookState(instrumentID string, cfg *Config) *BookState {
	return &BookState{
		instrumentID: instrumentID,
		cfg:          cfg,
		orders:       make(map[uint64]*Order),
		bids:         newSideBook(protocol.SideBid, cfg),
		asks:         newSideBook(protocol.SideAsk, cfg),
	}
}

func (b *BookState) InstrumentID() string {
	return b.instrumentID
}

func (b *BookState) ExpectedNext() uint64 {
	return b.expectedNext
}

func (b *BookState) SetExpectedNext(seq uint64) {
	b.expectedNext = seq
}

func (b *BookState) AppliedThrough() uint64 {
	return b.appliedThrough
}

// markApplied advances both watermarks past seq.
func (b *BookState) markApplied(seq uint64) {
	b.appliedThrough = seq
	b.expectedNext = seq + 1
}

func (b *BookState) sideBookFor(s protocol.Side) *sideBook {
	if s == protocol.SideBid {
		return b.bids
	}
	return b.asks
}

// OrderCount returns the number of active orders in the index.
func (b *BookState) OrderCount() int {
	return len(b.orders)
}

// order looks up an active order by ID. The order index is the sole source of
// truth for existence; all cancel/update handling resolves through it first.
func (b *BookState) order(id uint64) (*Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

// applyAdd inserts a new resting order.
// A duplicate ID is a consistency violation surfaced as ErrDuplicateOrder; the
// caller logs and skips it without mutating state.
func (b *BookState) applyAdd(d *protocol.Delta) error {
	if d.Price <= 0 || d.Size <= 0 {
		return fmt.Errorf("%w: add requires positive price and size", ErrInvalidParam)
	}
	if _, exists := b.orders[d.OrderID]; exists {
		return fmt.Errorf("%w: order %d", ErrDuplicateOrder, d.OrderID)
	}

	o := acquireOrder()
	o.ID = d.OrderID
	o.Side = d.Side
	o.Price = d.Price
	o.Size = d.Size
	o.Timestamp = d.EventTime

	b.orders[o.ID] = o
	b.sideBookFor(o.Side).add(o.Price, o.Size)
	return nil
}

// applyUpdate moves an existing order to a new (price, size).
// The side is resolved through the order index, not trusted from the delta.
func (b *BookState) applyUpdate(d *protocol.Delta) error {
	if d.Price <= 0 || d.Size <= 0 {
		return fmt.Errorf("%w: update requires positive price and size", ErrInvalidParam)
	}
	o, ok := b.orders[d.OrderID]
	if !ok {
		return fmt.Errorf("%w: order %d", ErrNotFound, d.OrderID)
	}

	sb := b.sideBookFor(o.Side)
	if err := sb.reduce(o.Price, o.Size); err != nil {
		return err
	}
	sb.add(d.Price, d.Size)

	o.Price = d.Price
	o.Size = d.Size
	return nil
}

// applyCancel removes an existing order.
func (b *BookState) applyCancel(d *protocol.Delta) error {
	o, ok := b.orders[d.OrderID]
	if !ok {
		return fmt.Errorf("%w: order %d", ErrNotFound, d.OrderID)
	}

	if err := b.sideBookFor(o.Side).reduce(o.Price, o.Size); err != nil {
		return err
	}
	delete(b.orders, o.ID)
	releaseOrder(o)
	return nil
}

// View builds a read-only depth view with up to limit levels per side.
// Prices and sizes are converted to decimal strings at this boundary only.
func (b *BookState) View(limit int) *protocol.BookView {
	toViews := func(levels []structure.Level) []*protocol.LevelView {
		out := make([]*protocol.LevelView, 0, len(levels))
		for _, lvl := range levels {
			out = append(out, &protocol.LevelView{
				Price: protocol.ToDecimal(lvl.Price).String(),
				Size:  protocol.ToDecimal(lvl.Volume).String(),
			})
		}
		return out
	}

	return &protocol.BookView{
		InstrumentID:   b.instrumentID,
		AppliedThrough: b.appliedThrough,
		Bids:           toViews(b.bids.levels(limit)),
		Asks:           toViews(b.asks.levels(limit)),
	}
}

// Clone returns a structural deep copy, used to hand a stable state to the
// checkpoint writer while the live copy keeps mutating.
func (b *BookState) Clone() *BookState {
	c := &BookState{
		instrumentID:   b.instrumentID,
		cfg:            b.cfg,
		orders:         make(map[uint64]*Order, len(b.orders)),
		bids:           b.bids.clone(),
		asks:           b.asks.clone(),
		expectedNext:   b.expectedNext,
		appliedThrough: b.appliedThrough,
	}
	for id, o := range b.orders {
		cp := new(Order)
		*cp = *o
		c.orders[id] = cp
	}
	return c
}

// bookPayload is the serialized form of BookState inside a checkpoint.
// Only the order index and watermarks are persisted; the price level
// aggregates are rebuilt on load, which makes the conservation invariant hold
// by construction after every restore.
type bookPayload struct {
	SchemaVersion  int      `json:"schema_version"`
	InstrumentID   string   `json:"instrument_id"`
	ExpectedNext   uint64   `json:"expected_next"`
	AppliedThrough uint64   `json:"applied_through"`
	Orders         []*Order `json:"orders"`
}

// exportPayload captures the book as a checkpoint payload.
// Orders are sorted by ID so serialization is deterministic.
func (b *BookState) exportPayload() *bookPayload {
	orders := make([]*Order, 0, len(b.orders))
	for _, o := range b.orders {
		cp := new(Order)
		*cp = *o
		orders = append(orders, cp)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })

	return &bookPayload{
		SchemaVersion:  CheckpointSchemaVersion,
		InstrumentID:   b.instrumentID,
		ExpectedNext:   b.expectedNext,
		AppliedThrough: b.appliedThrough,
		Orders:         orders,
	}
}

// restoreBookState rebuilds a BookState from a checkpoint payload.
func restoreBookState(p *bookPayload, cfg *Config) (*BookState, error) {
	b := NewBookState(p.InstrumentID, cfg)
	for _, o := range p.Orders {
		d := &protocol.Delta{
			Type:      protocol.DeltaAdd,
			Side:      o.Side,
			OrderID:   o.ID,
			Price:     o.Price,
			Size:      o.Size,
			EventTime: o.Timestamp,
		}
		if err := b.applyAdd(d); err != nil {
			return nil, fmt.Errorf("restore order %d: %w", o.ID, err)
		}
	}
	b.expectedNext = p.ExpectedNext
	b.appliedThrough = p.AppliedThrough
	return b, nil
}
