// Package queue implements the bounded, stoppable FIFO used as the
// hand-off mechanism between pipeline stages.
package queue

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of a queue's counters.
type Stats struct {
	CurrentSize       int
	MaxSize           int
	TotalEnqueued     uint64
	TotalDequeued     uint64
	TotalDropped      uint64
	AverageLatencyMs  float64
	LastUpdated       time.Time
}

// UsagePct returns CurrentSize/MaxSize as a percentage; 0 when unbounded.
func (s Stats) UsagePct() float64 {
	if s.MaxSize <= 0 {
		return 0
	}
	return float64(s.CurrentSize) / float64(s.MaxSize) * 100
}

// BoundedQueue is a thread-safe FIFO with an optional capacity and stop
// semantics. All mutation happens under a single lock; notFull/notEmpty
// wake exactly one waiter on progress and every waiter on stop/clear/resize.
type BoundedQueue[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	items   []T
	maxSize int
	stopped bool

	totalEnqueued uint64
	totalDequeued uint64
	totalDropped  uint64

	latencySum   time.Duration
	latencyCount uint64
	lastUpdated  time.Time
}

// New creates a queue with the given capacity. maxSize == 0 means unbounded.
func New[T any](maxSize int) *BoundedQueue[T] {
	q := &BoundedQueue[T]{maxSize: maxSize, lastUpdated: time.Now()}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// EnqueueBlocking waits while the queue is full and not stopped. Returns
// false once the queue has been stopped.
func (q *BoundedQueue[T]) EnqueueBlocking(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.stopped && q.full() {
		q.notFull.Wait()
	}
	if q.stopped {
		return false
	}
	q.pushLocked(item)
	return true
}

// TryEnqueue never blocks; returns false if full or stopped.
func (q *BoundedQueue[T]) TryEnqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.full() {
		q.totalDropped++
		return false
	}
	q.pushLocked(item)
	return true
}

// EnqueueWithTimeout blocks up to d waiting for room. Returns false on
// timeout or stop.
func (q *BoundedQueue[T]) EnqueueWithTimeout(item T, d time.Duration) bool {
	deadline := time.Now().Add(d)

	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.stopped && q.full() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		waitWithTimeout(q.notFull, remaining)
	}
	if q.stopped || q.full() {
		return false
	}
	q.pushLocked(item)
	return true
}

// DequeueBlocking waits while the queue is empty and not stopped. Returns
// false only once the queue is both empty and stopped (draining after stop
// is allowed).
func (q *BoundedQueue[T]) DequeueBlocking() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.stopped {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// TryDequeue never blocks; returns false if empty.
func (q *BoundedQueue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// DequeueWithTimeout blocks up to d waiting for an item.
func (q *BoundedQueue[T]) DequeueWithTimeout(d time.Duration) (T, bool) {
	deadline := time.Now().Add(d)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.stopped {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			var zero T
			return zero, false
		}
		waitWithTimeout(q.notEmpty, remaining)
	}
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// Clear empties the queue without touching the monotonic counters.
func (q *BoundedQueue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	q.notFull.Broadcast()
}

// Stop wakes every blocked caller; subsequent enqueue_blocking calls fail
// immediately and dequeue_blocking drains remaining items before failing.
func (q *BoundedQueue[T]) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Restart clears the stopped flag so the queue can accept work again.
func (q *BoundedQueue[T]) Restart() {
	q.mu.Lock()
	q.stopped = false
	q.mu.Unlock()
}

func (q *BoundedQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *BoundedQueue[T]) IsEmpty() bool {
	return q.Size() == 0
}

func (q *BoundedQueue[T]) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.full()
}

func (q *BoundedQueue[T]) IsStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// SetMaxSize changes the admission check without truncating existing
// content. Waking all waiters lets anyone blocked on a now-larger capacity
// proceed.
func (q *BoundedQueue[T]) SetMaxSize(n int) {
	q.mu.Lock()
	q.maxSize = n
	q.mu.Unlock()
	q.notFull.Broadcast()
}

func (q *BoundedQueue[T]) TotalEnqueued() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalEnqueued
}

func (q *BoundedQueue[T]) TotalDequeued() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalDequeued
}

func (q *BoundedQueue[T]) TotalDropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalDropped
}

// Stats returns a snapshot of the queue's counters, including the running
// average enqueue-to-dequeue latency recorded by RecordLatency.
func (q *BoundedQueue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	avg := 0.0
	if q.latencyCount > 0 {
		avg = float64(q.latencySum.Milliseconds()) / float64(q.latencyCount)
	}

	return Stats{
		CurrentSize:      len(q.items),
		MaxSize:          q.maxSize,
		TotalEnqueued:    q.totalEnqueued,
		TotalDequeued:    q.totalDequeued,
		TotalDropped:     q.totalDropped,
		AverageLatencyMs: avg,
		LastUpdated:      q.lastUpdated,
	}
}

// RecordLatency folds a single dequeue's wait-time into the running
// (cumulative) average reported by Stats. Callers measure time between an item's creation and
// its dequeue and report it here; the queue itself is latency-agnostic.
func (q *BoundedQueue[T]) RecordLatency(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.latencySum += d
	q.latencyCount++
	q.lastUpdated = time.Now()
}

func (q *BoundedQueue[T]) full() bool {
	return q.maxSize > 0 && len(q.items) >= q.maxSize
}

func (q *BoundedQueue[T]) pushLocked(item T) {
	q.items = append(q.items, item)
	q.totalEnqueued++
	q.lastUpdated = time.Now()
	q.notEmpty.Signal()
}

func (q *BoundedQueue[T]) popLocked() T {
	item := q.items[0]
	q.items = q.items[1:]
	q.totalDequeued++
	q.lastUpdated = time.Now()
	q.notFull.Signal()
	return item
}

// waitWithTimeout wakes cond's waiter after d if no other progress occurs.
// sync.Cond has no timed wait, so a one-shot timer performs the wake; the
// caller re-checks its predicate against the deadline after returning.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, cond.Broadcast)
	defer timer.Stop()
	cond.Wait()
}
