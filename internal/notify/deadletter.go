package notify

import "sync"

// Undelivered is an event one sink failed to accept.
type Undelivered struct {
	Event Event  `json:"event"`
	Sink  string `json:"sink"`
	Error string `json:"error"`
}

// DeadLetters keeps the most recent undelivered events so an operator or a
// retry job can replay them. When full the oldest entry is dropped.
type DeadLetters struct {
	mu       sync.Mutex
	capacity int
	entries  []Undelivered
}

// NewDeadLetters creates a queue. Capacity <= 0 means unbounded.
func NewDeadLetters(capacity int) *DeadLetters {
	return &DeadLetters{capacity: capacity}
}

// Offer records an undelivered event.
func (q *DeadLetters) Offer(u Undelivered) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.entries) >= q.capacity {
		copy(q.entries, q.entries[1:])
		q.entries[len(q.entries)-1] = u
		return
	}
	q.entries = append(q.entries, u)
}

// Drain returns and clears every queued entry, oldest first.
func (q *DeadLetters) Drain() []Undelivered {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]Undelivered, len(q.entries))
	copy(drained, q.entries)
	q.entries = q.entries[:0]
	return drained
}

// Len reports the queued entry count.
func (q *DeadLetters) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
