package agent

// DefaultRingCapacity bounds the per-agent in-memory event history.
const DefaultRingCapacity = 1024

// EventRing is a fixed-capacity event buffer. When full, appending evicts the
// oldest entry. It is not safe for concurrent use; the registry serializes
// access.
type EventRing struct {
	buf   []Event
	start int
	count int
}

// NewEventRing creates a ring with the given capacity. A non-positive
// capacity uses DefaultRingCapacity.
func NewEventRing(capacity int) *EventRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &EventRing{buf: make([]Event, capacity)}
}

// Append adds an event, evicting the oldest when the ring is full.
func (r *EventRing) Append(ev Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = ev
		r.count++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of buffered events.
func (r *EventRing) Len() int {
	return r.count
}

// Cap returns the ring's fixed capacity.
func (r *EventRing) Cap() int {
	return len(r.buf)
}

// Snapshot returns buffered events oldest-first. The slice is a copy.
func (r *EventRing) Snapshot() []Event {
	out := make([]Event, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Tail returns at most n newest events, oldest-first. n <= 0 returns the full
// snapshot.
func (r *EventRing) Tail(n int) []Event {
	if n <= 0 || n >= r.count {
		return r.Snapshot()
	}
	out := make([]Event, n)
	offset := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+offset+i)%len(r.buf)]
	}
	return out
}
