package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestConcurrencySemaphore_AcquireRelease(t *testing.T) {
	sem := NewConcurrencySemaphore()
	ctx := context.Background()

	if err := sem.Acquire(ctx, "key-a", 1); err != nil {
		t.Fatal(err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx2, "key-a", 1); err == nil {
		t.Fatal("expected second Acquire to block and time out while slot is held")
	}

	sem.Release("key-a", 1)
	if err := sem.Acquire(ctx, "key-a", 1); err != nil {
		t.Fatalf("Acquire after Release should succeed: %v", err)
	}
}

func TestConcurrencySemaphore_UnboundedWhenMaxZero(t *testing.T) {
	sem := NewConcurrencySemaphore()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := sem.Acquire(ctx, "key-a", 0); err != nil {
			t.Fatalf("Acquire %d with max=0 should never block: %v", i, err)
		}
	}
}

// TestFIFOQueue_DrainOrderAndCap exercises scenario 3 from §8: admit within
// capacity, reject past it, drain in FIFO order.
func TestFIFOQueue_DrainOrderAndCap(t *testing.T) {
	q := NewFIFOQueue(3)

	var tickets []<-chan struct{}
	for i := 0; i < 3; i++ {
		done, err := q.Enqueue("key-a")
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		tickets = append(tickets, done)
	}
	if _, err := q.Enqueue("key-a"); err != ErrQueueFull {
		t.Fatalf("4th Enqueue = %v, want ErrQueueFull", err)
	}

	if !q.Dequeue("key-a") {
		t.Fatal("Dequeue should release the oldest ticket")
	}
	select {
	case <-tickets[0]:
	default:
		t.Fatal("oldest ticket should be signalled first (FIFO)")
	}
	select {
	case <-tickets[1]:
		t.Fatal("second ticket should not be signalled yet")
	default:
	}
}

// TestFIFOQueue_CancelTicketFreesCapacity guards against a queued waiter
// that gives up (e.g. a queue-wait timeout) leaving its slot permanently
// occupied.
func TestFIFOQueue_CancelTicketFreesCapacity(t *testing.T) {
	q := NewFIFOQueue(1)

	done, err := q.Enqueue("key-a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("key-a"); err != ErrQueueFull {
		t.Fatalf("queue at capacity should reject, got %v", err)
	}

	q.CancelTicket("key-a", done)
	if q.Len("key-a") != 0 {
		t.Fatalf("Len after CancelTicket = %d, want 0", q.Len("key-a"))
	}
	if _, err := q.Enqueue("key-a"); err != nil {
		t.Fatalf("Enqueue after CancelTicket should succeed, got %v", err)
	}

	select {
	case <-done:
		t.Fatal("a cancelled ticket must not be signalled as admitted")
	default:
	}
}
