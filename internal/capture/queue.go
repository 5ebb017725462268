package capture

import (
	"sync"
	"sync/atomic"

	"face-attendance-go/internal/core/models"
)

// FrameQueue is a bounded FIFO between capture and processing. When full, a
// push evicts the oldest queued frame so processing always sees recent frames.
type FrameQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*models.Frame
	head   int
	size   int
	closed bool

	pushed  uint64
	dropped uint64
}

// QueueStats is a snapshot of the queue counters.
type QueueStats struct {
	Pushed  uint64 `json:"pushed"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &FrameQueue{items: make([]*models.Frame, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a frame without blocking and reports whether an older frame
// was dropped. Pushing to a closed queue is a no-op.
func (q *FrameQueue) Push(frame *models.Frame) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	atomic.AddUint64(&q.pushed, 1)

	if q.size == len(q.items) {
		q.items[q.head] = nil
		q.head = (q.head + 1) % len(q.items)
		q.size--
		atomic.AddUint64(&q.dropped, 1)
		dropped = true
	}
	q.items[(q.head+q.size)%len(q.items)] = frame
	q.size++
	q.cond.Signal()
	return dropped
}

// Pop blocks until a frame is available. After Close it keeps returning the
// remaining frames and then reports false.
func (q *FrameQueue) Pop() (*models.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.size == 0 {
		return nil, false
	}
	frame := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return frame, true
}

// Close stops accepting frames and wakes all waiting consumers.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Stats returns the current counters.
func (q *FrameQueue) Stats() QueueStats {
	q.mu.Lock()
	queued := q.size
	q.mu.Unlock()
	return QueueStats{
		Pushed:  atomic.LoadUint64(&q.pushed),
		Dropped: atomic.LoadUint64(&q.dropped),
		Queued:  queued,
	}
}
