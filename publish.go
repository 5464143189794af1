package replay

import "sync"

// BookUpdate carries the depth changes committed by one micro-batch.
type BookUpdate struct {
	InstrumentID string
	Sequence     uint64 // Sequence of the last event in the batch
	Changes      []DepthChange
}

// UpdatePublisher is an interface for publishing committed book updates to
// downstream consumers (feature extraction, validation).
//
// IMPORTANT: Implementations must either:
//  1. Process updates synchronously before returning, OR
//  2. Clone the BookUpdate data before returning
//
// The caller may reuse the update's backing storage after Publish returns.
type UpdatePublisher interface {
	Publish(...*BookUpdate)
}

// MemoryUpdatePublisher stores updates in memory, useful for testing.
type MemoryUpdatePublisher struct {
	mu      sync.RWMutex
	Updates []*BookUpdate
}

// NewMemoryUpdatePublisher creates a new MemoryUpdatePublisher.
func NewMemoryUpdatePublisher() *MemoryUpdatePublisher {
	return &MemoryUpdatePublisher{
		Updates: make([]*BookUpdate, 0),
	}
}

// Publish appends cloned updates to the in-memory slice.
func (m *MemoryUpdatePublisher) Publish(updates ...*BookUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		cpy := &BookUpdate{
			InstrumentID: u.InstrumentID,
			Sequence:     u.Sequence,
			Changes:      make([]DepthChange, len(u.Changes)),
		}
		copy(cpy.Changes, u.Changes)
		m.Updates = append(m.Updates, cpy)
	}
}

// Count returns the number of updates stored.
func (m *MemoryUpdatePublisher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Updates)
}

// Get returns the update at the specified index.
func (m *MemoryUpdatePublisher) Get(index int) *BookUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.Updates[index]
}

// DiscardUpdatePublisher discards all updates, useful for benchmarking.
type DiscardUpdatePublisher struct {
}

// NewDiscardUpdatePublisher creates a new DiscardUpdatePublisher.
func NewDiscardUpdatePublisher() *DiscardUpdatePublisher {
	return &DiscardUpdatePublisher{}
}

// Publish does nothing.
func (p *DiscardUpdatePublisher) Publish(updates ...*BookUpdate) {

}
