package query

// ringCapacity is the stored slot count for each binding's ring: at
// least 9 usable slots, with one slot reserved to distinguish full from
// empty and to preserve the last-dequeued event.
const ringCapacity = 10

// Ring is a bounded FIFO of events belonging to a single binding.
type Ring struct {
	slots     [ringCapacity]Event
	head, tail int
	size      int
	lastOut   Event
	hasLastOut bool
}

// Enqueue adds an event to the tail. It reports false if the ring is full.
func (r *Ring) Enqueue(e Event) bool {
	if r.size == ringCapacity-1 {
		return false
	}
	r.slots[r.tail] = e
	r.tail = (r.tail + 1) % ringCapacity
	r.size++
	return true
}

// Dequeue removes and returns the head event. ok is false if empty.
func (r *Ring) Dequeue() (Event, bool) {
	if r.size == 0 {
		return Event{}, false
	}
	e := r.slots[r.head]
	r.head = (r.head + 1) % ringCapacity
	r.size--
	r.lastOut = e
	r.hasLastOut = true
	return e, true
}

// Peek returns the head event without removing it.
func (r *Ring) Peek() (Event, bool) {
	if r.size == 0 {
		return Event{}, false
	}
	return r.slots[r.head], true
}

// Find returns the first queued event (from the head) of the given kind.
func (r *Ring) Find(kind Kind) (Event, bool) {
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % ringCapacity
		if r.slots[idx].Kind == kind {
			return r.slots[idx], true
		}
	}
	return Event{}, false
}

// Discard resets the ring to empty without returning anything.
func (r *Ring) Discard() {
	r.head, r.tail, r.size = 0, 0, 0
}

// LastDequeued returns the most recently dequeued event, for diagnostic
// read-back.
func (r *Ring) LastDequeued() (Event, bool) {
	return r.lastOut, r.hasLastOut
}

func (r *Ring) IsEmpty() bool { return r.size == 0 }
func (r *Ring) Len() int      { return r.size }

// Queues holds one Ring per binding.
type Queues struct {
	rings [4]Ring
}

func (q *Queues) ring(b Binding) *Ring { return &q.rings[b] }

func (q *Queues) Enqueue(b Binding, e Event) bool {
	e.Binding = b
	return q.ring(b).Enqueue(e)
}

func (q *Queues) Dequeue(b Binding) (Event, bool) { return q.ring(b).Dequeue() }
func (q *Queues) Peek(b Binding) (Event, bool)    { return q.ring(b).Peek() }
func (q *Queues) Find(b Binding, kind Kind) (Event, bool) {
	return q.ring(b).Find(kind)
}
func (q *Queues) Discard(b Binding)    { q.ring(b).Discard() }
func (q *Queues) IsEmpty(b Binding) bool { return q.ring(b).IsEmpty() }

// AnyPending reports whether any binding has a queued event, whether or
// not that binding has been released yet.
func (q *Queues) AnyPending() bool {
	for i := range q.rings {
		if q.rings[i].size > 0 {
			return true
		}
	}
	return false
}
