// ABOUTME: In-memory channel queue for tests and single-process setups
// ABOUTME: Enqueue feeds the input side; Replies exposes the output side

package queue

import (
	"context"
	"sync"
)

// MemoryQueue is a Queue over buffered channels.
type MemoryQueue struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

// NewMemoryQueue creates a queue buffering size messages each way.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{
		in:   make(chan []byte, size),
		out:  make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// Enqueue adds a request.
func (q *MemoryQueue) Enqueue(ctx context.Context, body []byte) error {
	if q.isClosed() {
		return ErrClosed
	}
	select {
	case q.in <- body:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replies returns the output side.
func (q *MemoryQueue) Replies() <-chan []byte { return q.out }

func (q *MemoryQueue) Receive(ctx context.Context) ([]byte, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}
	select {
	case body := <-q.in:
		return body, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Send(ctx context.Context, body []byte) error {
	if q.isClosed() {
		return ErrClosed
	}
	select {
	case q.out <- body:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Ping(ctx context.Context) error {
	if q.isClosed() {
		return ErrClosed
	}
	return nil
}

func (q *MemoryQueue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
