package broadcast

import "time"

// DefaultBufferCapacity is the number of events retained per resource.
const DefaultBufferCapacity = 10

// RecoveryBuffer is a fixed-capacity FIFO ring of recent events. It is not
// safe for concurrent use; the owning topic serialises access.
type RecoveryBuffer struct {
	events []StoredEvent
	head   int
	size   int
}

// NewRecoveryBuffer returns a buffer holding at most capacity events.
func NewRecoveryBuffer(capacity int) *RecoveryBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &RecoveryBuffer{events: make([]StoredEvent, capacity)}
}

// Cap returns the buffer capacity.
func (b *RecoveryBuffer) Cap() int { return len(b.events) }

// Len returns the number of buffered events.
func (b *RecoveryBuffer) Len() int { return b.size }

// Append adds ev, evicting the oldest event when full. It reports whether an
// eviction happened.
func (b *RecoveryBuffer) Append(ev StoredEvent) bool {
	idx := (b.head + b.size) % len(b.events)
	if b.size == len(b.events) {
		b.events[b.head] = ev
		b.head = (b.head + 1) % len(b.events)
		return true
	}
	b.events[idx] = ev
	b.size++
	return false
}

// Snapshot returns the buffered events, oldest first.
func (b *RecoveryBuffer) Snapshot() []StoredEvent {
	out := make([]StoredEvent, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.events[(b.head+i)%len(b.events)])
	}
	return out
}

// PurgeBefore drops events stamped before cutoff and returns how many went.
// Events are appended in time order so only the oldest end is inspected.
func (b *RecoveryBuffer) PurgeBefore(cutoff time.Time) int {
	purged := 0
	for b.size > 0 && b.events[b.head].Time().Before(cutoff) {
		b.events[b.head] = StoredEvent{}
		b.head = (b.head + 1) % len(b.events)
		b.size--
		purged++
	}
	return purged
}

// Clear empties the buffer.
func (b *RecoveryBuffer) Clear() {
	for i := range b.events {
		b.events[i] = StoredEvent{}
	}
	b.head, b.size = 0, 0
}
