package ratelimit

import (
	"context"
	"fmt"
	"sync"
)

// ErrQueueFull is returned when a key's FIFO admission queue is already at
// capacity and queueOnLimit is set — the §4.5 QueueFullError.
var ErrQueueFull = fmt.Errorf("ratelimit: queue full")

// ConcurrencySemaphore caps the number of in-flight requests per key to a
// tier-specific limit, per §4.5 "concurrentRequests semaphore per tier".
type ConcurrencySemaphore struct {
	mu    sync.Mutex
	byKey map[string]chan struct{}
}

// NewConcurrencySemaphore creates an empty semaphore set.
func NewConcurrencySemaphore() *ConcurrencySemaphore {
	return &ConcurrencySemaphore{byKey: make(map[string]chan struct{})}
}

func (c *ConcurrencySemaphore) slots(key string, max int) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.byKey[key]
	if !ok || cap(ch) != max {
		ch = make(chan struct{}, max)
		c.byKey[key] = ch
	}
	return ch
}

// Acquire blocks until a concurrency slot for key is free or ctx is
// cancelled. Release must be called on every exit path.
func (c *ConcurrencySemaphore) Acquire(ctx context.Context, key string, max int) error {
	if max <= 0 {
		return nil
	}
	ch := c.slots(key, max)
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously-acquired concurrency slot.
func (c *ConcurrencySemaphore) Release(key string, max int) {
	if max <= 0 {
		return
	}
	c.mu.Lock()
	ch, ok := c.byKey[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ch:
	default:
	}
}

// admissionTicket is one queued slot waiting for FIFO.Admit.
type admissionTicket struct {
	done chan struct{}
}

// FIFOQueue parks requests that exceeded the rate limit when the tier
// allows queueing, up to a per-key capacity. Draining happens in
// first-in-first-out order as the caller calls Dequeue once a window frees
// a slot (§4.5, scenario 3 of §8).
type FIFOQueue struct {
	mu       sync.Mutex
	byKey    map[string][]*admissionTicket
	capacity int
}

// NewFIFOQueue creates a queue with the given per-key capacity.
func NewFIFOQueue(capacity int) *FIFOQueue {
	return &FIFOQueue{byKey: make(map[string][]*admissionTicket), capacity: capacity}
}

// Enqueue parks a ticket for key, returning ErrQueueFull if the key's queue
// is already at capacity. The returned channel closes when the ticket is
// released by Dequeue.
func (q *FIFOQueue) Enqueue(key string) (<-chan struct{}, error) {
	return q.EnqueueCap(key, q.capacity)
}

// EnqueueCap is Enqueue with a per-call capacity override, used by callers
// (like the pipeline) where the cap varies by the key's own tier rather than
// a single value for the whole queue.
func (q *FIFOQueue) EnqueueCap(key string, cap int) (<-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.byKey[key]) >= cap {
		return nil, ErrQueueFull
	}
	t := &admissionTicket{done: make(chan struct{})}
	q.byKey[key] = append(q.byKey[key], t)
	return t.done, nil
}

// CancelTicket removes one specific queued ticket (the channel returned by
// Enqueue/EnqueueCap) from key's queue without closing it, if it is still
// waiting. Used by a waiter that gives up (e.g. a queue-wait timeout) so its
// slot doesn't linger forever, permanently occupying a unit of QueueCap.
func (q *FIFOQueue) CancelTicket(key string, ticket <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tickets := q.byKey[key]
	for i, t := range tickets {
		if t.done == ticket {
			q.byKey[key] = append(tickets[:i:i], tickets[i+1:]...)
			return
		}
	}
}

// Dequeue releases the oldest queued ticket for key, if any, signalling its
// waiter to proceed. Returns false if the queue for key is empty.
func (q *FIFOQueue) Dequeue(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	tickets := q.byKey[key]
	if len(tickets) == 0 {
		return false
	}
	t := tickets[0]
	q.byKey[key] = tickets[1:]
	close(t.done)
	return true
}

// Len returns the number of tickets currently queued for key.
func (q *FIFOQueue) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey[key])
}
