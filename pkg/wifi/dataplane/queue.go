package dataplane

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
	"golang.org/x/sync/semaphore"
)

var ErrQueueTimeout = errors.New("timed out waiting for queue space")

/**
 * Queue is a bounded FIFO of buffers with a peek that does not take
 * ownership. Any number of producers, one consumer.
 *
 */
type Queue struct {
	lock  sync.Mutex
	items []*buffer.Buffer
	space *semaphore.Weighted
}

func NewQueue(capacity int) *Queue {
	return &Queue{
		items: make([]*buffer.Buffer, 0, capacity),
		space: semaphore.NewWeighted(int64(capacity)),
	}
}

// Push takes ownership of b if and only if it returns nil.
func (q *Queue) Push(ctx context.Context, b *buffer.Buffer, timeout time.Duration) error {
	if !q.space.TryAcquire(1) {
		tctx, cancelFn := context.WithTimeout(ctx, timeout)
		defer cancelFn()
		err := q.space.Acquire(tctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrQueueTimeout
		}
	}
	q.lock.Lock()
	q.items = append(q.items, b)
	q.lock.Unlock()
	return nil
}

// Peek returns the head without removing it. The queue keeps ownership.
func (q *Queue) Peek() *buffer.Buffer {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Pop removes the head and hands its reference to the caller.
func (q *Queue) Pop() *buffer.Buffer {
	q.lock.Lock()
	if len(q.items) == 0 {
		q.lock.Unlock()
		return nil
	}
	b := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.lock.Unlock()
	q.space.Release(1)
	return b
}

func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

// Drain releases everything still queued and returns how many there were.
func (q *Queue) Drain() int {
	n := 0
	for {
		b := q.Pop()
		if b == nil {
			return n
		}
		b.Release()
		n++
	}
}
