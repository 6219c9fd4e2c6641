// ABOUTME: Queue abstraction for the message-queue transport
// ABOUTME: One input list consumed by workers, one output list for replies

package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by a queue after Close.
var ErrClosed = errors.New("queue closed")

// Queue moves raw message bodies. Receive blocks until a message arrives,
// ctx is done, or the queue is closed.
type Queue interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, body []byte) error
	Ping(ctx context.Context) error
	Close() error
}
