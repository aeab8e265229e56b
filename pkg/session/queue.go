package session

import "sync"

// pendingQueue buffers protocol frames produced while the connection is
// down. It is a bounded FIFO: when full, the oldest frame is dropped so the
// most recent audio always survives a reconnect.
type pendingQueue struct {
	mu       sync.Mutex
	items    []Request
	capacity int
	dropped  int
}

const defaultPendingCapacity = 50

func newPendingQueue(capacity int) *pendingQueue {
	if capacity <= 0 {
		capacity = defaultPendingCapacity
	}
	return &pendingQueue{capacity: capacity}
}

func (q *pendingQueue) Push(r Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == q.capacity {
		copy(q.items, q.items[1:])
		q.items = q.items[:q.capacity-1]
		q.dropped++
	}
	q.items = append(q.items, r)
}

// Drain removes and returns every queued frame in original order.
func (q *pendingQueue) Drain() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *pendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *pendingQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *pendingQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
