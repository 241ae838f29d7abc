// Package buffer holds the in-memory per-(queue, region) descriptor buffer
// that a queue actor refreshes from storage and drains on GetNext (§4.3). It
// amortizes storage round-trips across many small GetNext calls.
package buffer

import (
	"sync"

	"github.com/qakka/qakka/internal/domain"
)

// Buffer is an ordered FIFO of inflight descriptors. It is owned by exactly
// one queue actor and is safe for concurrent use only because that actor
// serializes all mutation through its own mailbox; the internal mutex here
// guards size() calls made from outside the actor (e.g. metrics reporting).
type Buffer struct {
	mu       sync.Mutex
	entries  []domain.Descriptor
	capacity int
}

// New creates a buffer bounded at capacity entries. A non-positive capacity
// means unbounded (append never refuses).
func New(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Append adds batch to the tail of the buffer, truncating to the remaining
// capacity if batch would overflow it. The caller (the actor's Refresh path)
// is expected to have already sized its storage read to fit, so truncation
// here is a backstop, not the normal path.
func (b *Buffer) Append(batch []domain.Descriptor) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capacity > 0 {
		room := b.capacity - len(b.entries)
		if room <= 0 {
			return
		}
		if len(batch) > room {
			batch = batch[:room]
		}
	}
	b.entries = append(b.entries, batch...)
}

// PollUpTo removes and returns up to n descriptors from the head of the
// buffer. It never blocks and returns fewer than n if the buffer is short.
func (b *Buffer) PollUpTo(n int) []domain.Descriptor {
	if n <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]domain.Descriptor, n)
	copy(out, b.entries[:n])
	b.entries = b.entries[n:]
	return out
}

// Size returns the number of descriptors currently held (invariant B1: a
// tight upper bound, not including rows merely durable in storage).
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Room reports how many more descriptors can be appended before the buffer
// reaches capacity. A non-positive capacity reports a large headroom value
// so callers treat it as effectively unbounded.
func (b *Buffer) Room() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capacity <= 0 {
		return 1 << 30
	}
	room := b.capacity - len(b.entries)
	if room < 0 {
		return 0
	}
	return room
}
