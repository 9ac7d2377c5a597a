// Package queue provides a FIFO ticket lock used to serialize
// read-modify-write cycles against the metadata registry.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotHolder is returned by Release when the ticket does not hold the queue.
var ErrNotHolder = errors.New("queue: ticket does not hold the queue")

// Ticket is an admission slot. Tickets are granted strictly in the order
// Acquire was called.
type Ticket uint64

// Queue is a FIFO mutual-exclusion primitive. The zero value is ready to use.
type Queue struct {
	mu        sync.Mutex
	next      Ticket
	serving   Ticket
	held      bool
	waiters   map[Ticket]chan struct{}
	abandoned map[Ticket]struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Acquire blocks until every earlier ticket has been released and returns
// the caller's ticket. If ctx is cancelled first, the slot is given up and
// ctx.Err() is returned; later waiters keep their order.
func (q *Queue) Acquire(ctx context.Context) (Ticket, error) {
	q.mu.Lock()
	t := q.next
	q.next++
	if t == q.serving && !q.held {
		q.held = true
		q.mu.Unlock()
		return t, nil
	}
	if q.waiters == nil {
		q.waiters = make(map[Ticket]chan struct{})
	}
	ready := make(chan struct{})
	q.waiters[t] = ready
	q.mu.Unlock()

	select {
	case <-ready:
		return t, nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	select {
	case <-ready:
		// Granted while giving up: pass the slot on.
		q.advanceLocked()
	default:
		delete(q.waiters, t)
		if q.abandoned == nil {
			q.abandoned = make(map[Ticket]struct{})
		}
		q.abandoned[t] = struct{}{}
	}
	q.mu.Unlock()
	return 0, ctx.Err()
}

// Release hands the queue to the next waiting ticket. It must be called
// exactly once for every successful Acquire.
func (q *Queue) Release(t Ticket) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.held || t != q.serving {
		return fmt.Errorf("%w: %d", ErrNotHolder, t)
	}
	q.advanceLocked()
	return nil
}

// Do runs fn while holding the queue. The ticket is released on every exit
// path, including a panic in fn.
func (q *Queue) Do(ctx context.Context, fn func() error) error {
	t, err := q.Acquire(ctx)
	if err != nil {
		return err
	}
	defer q.Release(t)

	return fn()
}

// Waiting returns the number of tickets blocked in Acquire.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

func (q *Queue) advanceLocked() {
	q.held = false
	q.serving++
	for {
		if _, ok := q.abandoned[q.serving]; !ok {
			break
		}
		delete(q.abandoned, q.serving)
		q.serving++
	}
	if ready, ok := q.waiters[q.serving]; ok {
		delete(q.waiters, q.serving)
		q.held = true
		close(ready)
	}
}
