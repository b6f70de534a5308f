package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/task"
	"github.com/storeroute/storeroute/pkg/errors"
)

// DefaultVisibilityTimeout bounds how long a memory delivery may stay
// unacknowledged before it is handed out again.
const DefaultVisibilityTimeout = 5 * time.Minute

type message struct {
	id         string
	task       task.Task
	attempt    int
	enqueuedAt time.Time
	readyAt    time.Time

	// set while in flight
	deliveryID string
	deadline   time.Time
}

// MemoryQueue is an in-process Queue. Messages survive only as long as
// the process.
type MemoryQueue struct {
	visibility time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	pending  []*message
	inflight map[string]*message
	notify   chan struct{}
	closed   bool
}

// NewMemoryQueue creates a MemoryQueue. A non-positive visibility timeout
// selects DefaultVisibilityTimeout.
func NewMemoryQueue(visibility time.Duration, logger *zap.Logger) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemoryQueue{
		visibility: visibility,
		logger:     logging.OrNamed(logger, "queue"),
		inflight:   make(map[string]*message),
		notify:     make(chan struct{}),
	}
}

// broadcast wakes every blocked Receive. Callers hold mu.
func (q *MemoryQueue) broadcast() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func closedError(op string) error {
	return errors.NewError(errors.ErrCodeQueueClosed, "queue is closed").
		WithComponent("queue").
		WithOperation(op)
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, t task.Task) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err, "enqueue").WithComponent("queue")
	}
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return closedError("enqueue")
	}
	q.pending = append(q.pending, &message{
		id:         uuid.NewString(),
		task:       cloneTask(t),
		attempt:    1,
		enqueuedAt: now,
		readyAt:    now,
	})
	q.broadcast()
	return nil
}

// Receive implements Queue.
func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, closedError("receive")
		}
		now := time.Now()
		q.expire(now)
		if d := q.take(now); d != nil {
			q.mu.Unlock()
			return d, nil
		}
		wake := q.nextWake()
		notify := q.notify
		q.mu.Unlock()

		if err := q.wait(ctx, notify, wake); err != nil {
			return nil, err
		}
	}
}

func (q *MemoryQueue) wait(ctx context.Context, notify <-chan struct{}, wake time.Time) error {
	var timer <-chan time.Time
	if !wake.IsZero() {
		t := time.NewTimer(time.Until(wake))
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		return errors.FromContext(ctx.Err(), "receive").WithComponent("queue")
	case <-notify:
	case <-timer:
	}
	return nil
}

// expire returns deliveries past their visibility deadline to pending.
func (q *MemoryQueue) expire(now time.Time) {
	for id, m := range q.inflight {
		if now.Before(m.deadline) {
			continue
		}
		delete(q.inflight, id)
		q.logger.Warn("delivery visibility expired",
			zap.String("message_id", m.id),
			zap.String("delivery_id", m.deliveryID),
			logging.TaskType(m.task.Type),
			zap.Int("attempt", m.attempt))
		m.attempt++
		m.deliveryID = ""
		m.readyAt = now
		q.pending = append(q.pending, m)
	}
}

func (q *MemoryQueue) take(now time.Time) *Delivery {
	for i, m := range q.pending {
		if m.readyAt.After(now) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		m.deliveryID = uuid.NewString()
		m.deadline = now.Add(q.visibility)
		q.inflight[m.id] = m
		return &Delivery{
			ID:         m.deliveryID,
			Task:       cloneTask(m.task),
			Attempt:    m.attempt,
			EnqueuedAt: m.enqueuedAt,
			ref:        m.id,
		}
	}
	return nil
}

func (q *MemoryQueue) nextWake() time.Time {
	var wake time.Time
	earlier := func(t time.Time) {
		if wake.IsZero() || t.Before(wake) {
			wake = t
		}
	}
	for _, m := range q.pending {
		earlier(m.readyAt)
	}
	for _, m := range q.inflight {
		earlier(m.deadline)
	}
	return wake
}

// current returns the in-flight message d refers to, or nil when d has
// expired and been handed out again.
func (q *MemoryQueue) current(d *Delivery) *message {
	id, _ := d.ref.(string)
	m, ok := q.inflight[id]
	if !ok || m.deliveryID != d.ID {
		return nil
	}
	return m
}

// Ack implements Queue. Acknowledging a stale delivery is a no-op; the
// newer delivery of the same message stays outstanding.
func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m := q.current(d); m != nil {
		delete(q.inflight, m.id)
		q.broadcast()
	}
	return nil
}

// Nack implements Queue.
func (q *MemoryQueue) Nack(_ context.Context, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return closedError("nack")
	}
	m := q.current(d)
	if m == nil {
		return nil
	}
	delete(q.inflight, m.id)
	m.attempt++
	m.deliveryID = ""
	m.readyAt = time.Now().Add(delay)
	q.pending = append(q.pending, m)
	q.broadcast()
	return nil
}

// Close implements Queue. Blocked receivers return QUEUE_CLOSED.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcast()
	}
	return nil
}

// Len returns the number of messages waiting for delivery.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of unacknowledged deliveries.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// MemoryDeadLetter records dead-lettered tasks in memory.
type MemoryDeadLetter struct {
	mu      sync.Mutex
	records []DeadLetter
}

// NewMemoryDeadLetter creates an empty sink.
func NewMemoryDeadLetter() *MemoryDeadLetter {
	return &MemoryDeadLetter{}
}

// DeadLetter implements DeadLetterSink.
func (s *MemoryDeadLetter) DeadLetter(_ context.Context, t task.Task, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, DeadLetter{
		ID:     uuid.NewString(),
		Task:   cloneTask(t),
		Reason: reason,
		At:     time.Now(),
	})
	return nil
}

// Records returns a copy of everything dead-lettered so far.
func (s *MemoryDeadLetter) Records() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.records))
	copy(out, s.records)
	return out
}

func cloneTask(t task.Task) task.Task {
	props := make(map[string]string, len(t.Properties))
	for k, v := range t.Properties {
		props[k] = v
	}
	return task.Task{Type: t.Type, Properties: props}
}
