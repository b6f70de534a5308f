// Package queue carries task envelopes between producers and workers with
// at-least-once delivery. A delivery that is neither acknowledged nor
// negatively acknowledged is eventually handed out again.
package queue

import (
	"context"
	"time"

	"github.com/storeroute/storeroute/internal/task"
)

// Delivery is one hand-off of a task to a worker.
type Delivery struct {
	// ID is unique per delivery, not per task.
	ID         string
	Task       task.Task
	Attempt    int
	EnqueuedAt time.Time

	// transport-private handle used by Ack and Nack
	ref interface{}
}

// Queue is a durable task transport.
type Queue interface {
	// Enqueue publishes t. A nil error means the transport accepted it.
	Enqueue(ctx context.Context, t task.Task) error

	// Receive blocks until a delivery is available, ctx ends, or the queue
	// is closed.
	Receive(ctx context.Context) (*Delivery, error)

	// Ack marks d processed; it will not be delivered again.
	Ack(ctx context.Context, d *Delivery) error

	// Nack schedules d for redelivery after delay with its attempt
	// counter incremented.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error

	Close() error
}

// DeadLetterSink receives tasks that will never succeed.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, t task.Task, reason string) error
}

// DeadLetter is a dead-lettered task and the reason it was given up on.
type DeadLetter struct {
	ID     string
	Task   task.Task
	Reason string
	At     time.Time
}

// Backoff returns the redelivery delay before the given attempt: base
// doubled per earlier attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
