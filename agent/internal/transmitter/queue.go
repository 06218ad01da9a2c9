package transmitter

import (
	"sync"

	"github.com/edamame-systems/edamame-stack/agent/internal/metrics"
	"github.com/edamame-systems/edamame-stack/common/models"
)

// DefaultQueueCapacity bounds the offline queue.
const DefaultQueueCapacity = 10000

// Queue is a bounded FIFO of log entries. When full, the oldest entries are
// evicted to make room. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	buf     []models.LogEntry
	head    int
	size    int
	evicted uint64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{buf: make([]models.LogEntry, capacity)}
}

// Push appends entries at the tail and returns how many old entries were evicted.
func (q *Queue) Push(entries ...models.LogEntry) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := 0
	for _, e := range entries {
		if q.size == len(q.buf) {
			q.buf[q.head] = models.LogEntry{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			evicted++
		}
		q.buf[(q.head+q.size)%len(q.buf)] = e
		q.size++
	}
	q.account(evicted)
	return evicted
}

// PushFront puts entries back at the head in their original order, as if they
// had never been taken. If that overflows the queue, the oldest entries are
// evicted, which may be some of entries themselves.
func (q *Queue) PushFront(entries []models.LogEntry) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if q.size == len(q.buf) {
			// The oldest entry would be the one we are inserting.
			evicted += i + 1
			break
		}
		q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
		q.buf[q.head] = entries[i]
		q.size++
	}
	q.account(evicted)
	return evicted
}

// PopN removes and returns up to n entries from the head.
func (q *Queue) PopN(n int) []models.LogEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || n > q.size {
		n = q.size
	}
	out := make([]models.LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[q.head]
		q.buf[q.head] = models.LogEntry{}
		q.head = (q.head + 1) % len(q.buf)
	}
	q.size -= n
	metrics.QueueDepth.Set(float64(q.size))
	return out
}

// Drain removes and returns everything.
func (q *Queue) Drain() []models.LogEntry {
	return q.PopN(0)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Cap() int {
	return len(q.buf)
}

// Evicted returns the total number of entries dropped on overflow.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

func (q *Queue) account(evicted int) {
	q.evicted += uint64(evicted)
	if evicted > 0 {
		metrics.QueueEvictions.Add(float64(evicted))
	}
	metrics.QueueDepth.Set(float64(q.size))
}
