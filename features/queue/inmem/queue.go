// Package inmem provides the in-process work queue used for embedded
// deployments and tests. Delivery is at-least-once within the process: a
// handler error puts the message back at the end of the queue.
package inmem

import (
	"context"

	"github.com/perdura/durable/queue"
)

// DefaultCapacity bounds the in-flight message buffer.
const DefaultCapacity = 1024

// Queue is the channel-backed in-process queue.
type Queue struct {
	ch chan queue.Message
}

var _ queue.Queue = (*Queue)(nil)

// New constructs an in-process queue with the default capacity.
func New() *Queue {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity constructs an in-process queue holding up to capacity
// undelivered messages. Enqueue blocks when the buffer is full.
func NewWithCapacity(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan queue.Message, capacity)}
}

// Enqueue publishes a message.
func (q *Queue) Enqueue(ctx context.Context, msg queue.Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume invokes handler for each message until ctx is cancelled. A handler
// error requeues the message.
func (q *Queue) Consume(ctx context.Context, handler queue.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q.ch:
			if err := handler(ctx, msg); err != nil {
				select {
				case q.ch <- msg:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
