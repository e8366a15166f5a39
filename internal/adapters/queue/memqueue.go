package queue

import (
	"sync"

	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

// MemQueue holds journaled integrity events waiting for the forwarder. It is
// a fixed-size ring; Enqueue refuses instead of growing.
type MemQueue struct {
	mu    sync.Mutex
	ring  []ports.QueuedEvent
	head  int
	count int
}

func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemQueue{ring: make([]ports.QueuedEvent, capacity)}
}

func (q *MemQueue) Enqueue(id ports.JournalEntryID, e *domain.IntegrityEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.ring) {
		return false
	}
	q.ring[(q.head+q.count)%len(q.ring)] = ports.QueuedEvent{ID: id, Event: e}
	q.count++
	return true
}

// DequeueBatch removes up to max events in arrival order. max <= 0 takes
// everything queued.
func (q *MemQueue) DequeueBatch(max int) []ports.QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	n := q.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]ports.QueuedEvent, n)
	for i := range out {
		slot := (q.head + i) % len(q.ring)
		out[i] = q.ring[slot]
		q.ring[slot] = ports.QueuedEvent{}
	}
	q.head = (q.head + n) % len(q.ring)
	q.count -= n
	return out
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *MemQueue) Cap() int { return len(q.ring) }

var _ ports.EventQueue = (*MemQueue)(nil)
