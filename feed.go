package replay

import (
	"context"
	"sync"

	"github.com/0x5487/book-replayer/protocol"
)

// FeedSource is the upstream delta-feed collaborator. Implementations wrap
// the actual transport (exchange gateway, data-lake reader, message queue).
type FeedSource interface {
	// Resume opens a streaming subscription starting at sequence from.
	// Returns ErrResumeUnavailable when the source cannot serve that point
	// (e.g. the sequence has aged out of its retention); the caller then
	// falls back to Snapshot.
	Resume(ctx context.Context, from uint64) (<-chan *protocol.Delta, error)

	// Snapshot requests a full book snapshot, delivered as a bounded stream
	// framed by SNAPSHOT_BEGIN/SNAPSHOT_END markers. The channel is closed
	// after the end marker.
	Snapshot(ctx context.Context) (<-chan *protocol.Delta, error)
}

// MemoryFeedSource serves deltas from memory, useful for testing and
// backtesting against recorded streams.
type MemoryFeedSource struct {
	mu sync.RWMutex

	// History is the retained delta stream, in sequence order.
	history []*protocol.Delta

	// snapshot is returned by Snapshot calls, including framing markers.
	snapshot []*protocol.Delta

	// earliest is the lowest sequence Resume can serve. Requests below the
	// retained range fail with ErrResumeUnavailable, since the deltas before
	// it are gone and a resume there could not be contiguous; requests beyond
	// the end of history fail the same way.
	earliest uint64

	resumable bool
}

// NewMemoryFeedSource creates a feed serving the given retained history.
func NewMemoryFeedSource(history []*protocol.Delta) *MemoryFeedSource {
	var earliest uint64
	if len(history) > 0 {
		earliest = history[0].Sequence
	}
	return &MemoryFeedSource{
		history:   history,
		earliest:  earliest,
		resumable: true,
	}
}

// SetSnapshot installs the snapshot stream returned by Snapshot calls.
func (f *MemoryFeedSource) SetSnapshot(deltas []*protocol.Delta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = deltas
}

// SetResumable toggles whether Resume succeeds, to exercise the snapshot
// fallback path.
func (f *MemoryFeedSource) SetResumable(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumable = ok
}

// Append extends the retained history.
func (f *MemoryFeedSource) Append(deltas ...*protocol.Delta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, deltas...)
	if f.earliest == 0 && len(f.history) > 0 {
		f.earliest = f.history[0].Sequence
	}
}

func (f *MemoryFeedSource) Resume(ctx context.Context, from uint64) (<-chan *protocol.Delta, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.resumable {
		return nil, ErrResumeUnavailable
	}
	if len(f.history) == 0 || from > f.history[len(f.history)-1].Sequence+1 {
		return nil, ErrResumeUnavailable
	}
	if from < f.earliest {
		return nil, ErrResumeUnavailable
	}

	out := make(chan *protocol.Delta, len(f.history))
	for _, d := range f.history {
		if d.Sequence >= from {
			out <- d
		}
	}
	close(out)
	return out, nil
}

func (f *MemoryFeedSource) Snapshot(ctx context.Context) (<-chan *protocol.Delta, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.snapshot) == 0 {
		return nil, ErrNotFound
	}

	out := make(chan *protocol.Delta, len(f.snapshot))
	for _, d := range f.snapshot {
		out <- d
	}
	close(out)
	return out, nil
}
