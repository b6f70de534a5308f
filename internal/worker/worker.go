// Package worker runs the loops that take task deliveries off a queue,
// execute them, and settle each delivery exactly once: acknowledged on
// success or permanent failure, negatively acknowledged for a retry.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/config"
	"github.com/storeroute/storeroute/internal/ledger"
	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/metrics"
	"github.com/storeroute/storeroute/internal/queue"
	"github.com/storeroute/storeroute/internal/task"
	"github.com/storeroute/storeroute/pkg/errors"
	"github.com/storeroute/storeroute/pkg/health"
)

// Handler executes one typed task.
type Handler interface {
	Handle(ctx context.Context, t task.Typed) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t task.Typed) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, t task.Typed) error { return f(ctx, t) }

// Outcome is how a delivery was settled.
type Outcome string

const (
	OutcomeComplete    Outcome = "complete"
	OutcomeRetry       Outcome = "retry"
	OutcomeFailed      Outcome = "failed"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeInterrupted Outcome = "interrupted"
)

// Options configures a Pool.
type Options struct {
	Queue       queue.Queue
	DeadLetters queue.DeadLetterSink
	Ledger      ledger.Ledger

	Concurrency        int
	MaxAttempts        int
	RedeliveryDelay    time.Duration
	MaxRedeliveryDelay time.Duration
	TaskTimeout        time.Duration

	Metrics *metrics.Collector
	// Health receives the outcome of every Receive under ComponentQueue.
	Health *health.Tracker
	Logger *zap.Logger
}

// ComponentQueue names the queue transport in the health tracker.
const ComponentQueue = "queue"

// OptionsFrom fills the tuning fields of Options from configuration.
func OptionsFrom(q config.QueueConfig, w config.WorkerConfig) Options {
	return Options{
		Concurrency:        w.Concurrency,
		MaxAttempts:        q.MaxAttempts,
		RedeliveryDelay:    q.RedeliveryDelay,
		MaxRedeliveryDelay: q.MaxRedelivery,
		TaskTimeout:        w.TaskTimeout,
	}
}

// Pool runs Concurrency independent receive loops. Loops share nothing
// but the queue, the ledger and the registered handlers.
type Pool struct {
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewPool creates a pool. Handlers are added with Register.
func NewPool(opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.DeadLetters == nil {
		opts.DeadLetters = queue.NewMemoryDeadLetter()
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.NewMemoryLedger()
	}
	opts.Health.Register(ComponentQueue, nil)
	return &Pool{
		opts:     opts,
		logger:   logging.OrNamed(opts.Logger, "worker"),
		handlers: make(map[string]Handler),
	}
}

// Register routes taskType to h.
func (p *Pool) Register(taskType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = h
}

func (p *Pool) handler(taskType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[taskType]
	return h, ok
}

// Run blocks until ctx is done or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", zap.Int("concurrency", p.opts.Concurrency))

	wp := pool.New().WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		id := i
		wp.Go(func(ctx context.Context) error {
			return p.loop(ctx, id)
		})
	}
	err := wp.Wait()

	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) error {
	logger := p.logger.With(zap.Int("worker_id", id))
	for {
		d, err := p.opts.Queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.CodeOf(err) == errors.ErrCodeQueueClosed {
				return nil
			}
			p.opts.Health.RecordError(ComponentQueue, err)
			logger.Warn("receive failed", logging.ErrorFields(err)...)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		p.opts.Health.RecordSuccess(ComponentQueue)
		p.Process(ctx, d)
	}
}

// Process executes and settles one delivery.
func (p *Pool) Process(ctx context.Context, d *queue.Delivery) Outcome {
	start := time.Now()
	outcome := p.process(ctx, d)
	p.opts.Metrics.RecordTask(d.Task.Type, string(outcome), time.Since(start))
	return outcome
}

func (p *Pool) process(ctx context.Context, d *queue.Delivery) Outcome {
	logger := p.logger.With(
		zap.String("delivery_id", d.ID),
		logging.TaskType(d.Task.Type),
		zap.Int("attempt", d.Attempt))

	typed, err := task.Read(d.Task)
	if err != nil {
		return p.deadLetter(ctx, d, "", err, logger)
	}

	key := typed.Key()
	logger = logger.With(logging.TaskKey(key))

	rec, err := p.opts.Ledger.Begin(ctx, key, typed.TaskType())
	if err != nil {
		if errors.IsRetryable(err) {
			return p.retry(ctx, d, err, logger)
		}
		return p.deadLetter(ctx, d, "", err, logger)
	}
	if rec.State.Terminal() {
		logger.Info("task already settled, acknowledging duplicate delivery",
			zap.String("state", string(rec.State)))
		p.ack(ctx, d, logger)
		return OutcomeDuplicate
	}

	attempt := d.Attempt
	if rec.Attempts > attempt {
		attempt = rec.Attempts
	}
	if attempt > p.opts.MaxAttempts {
		return p.deadLetter(ctx, d, key, errors.Newf(errors.ErrCodeRetryExhausted,
			"gave up after %d attempts", p.opts.MaxAttempts).WithComponent("worker"), logger)
	}

	if err := typed.Validate(); err != nil {
		return p.deadLetter(ctx, d, key, err, logger)
	}

	h, ok := p.handler(typed.TaskType())
	if !ok {
		return p.deadLetter(ctx, d, key, errors.Newf(errors.ErrCodeValidationFailed,
			"no handler for task type %q", typed.TaskType()).WithComponent("worker"), logger)
	}

	err = p.execute(ctx, h, typed)
	switch {
	case err == nil:
		if lerr := p.opts.Ledger.Complete(context.WithoutCancel(ctx), key); lerr != nil {
			logger.Error("failed to record completion", logging.ErrorFields(lerr)...)
		}
		p.ack(ctx, d, logger)
		logger.Info("task complete")
		return OutcomeComplete
	case ctx.Err() != nil:
		// shutting down; hand the delivery back untouched
		p.nack(ctx, d, 0, logger)
		return OutcomeInterrupted
	case errors.IsRetryable(err) && attempt < p.opts.MaxAttempts:
		return p.retry(ctx, d, err, logger)
	default:
		return p.deadLetter(ctx, d, key, err, logger)
	}
}

func (p *Pool) execute(ctx context.Context, h Handler, t task.Typed) error {
	if p.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.TaskTimeout)
		defer cancel()
	}
	return h.Handle(ctx, t)
}

func (p *Pool) retry(ctx context.Context, d *queue.Delivery, cause error, logger *zap.Logger) Outcome {
	delay := queue.Backoff(p.opts.RedeliveryDelay, p.opts.MaxRedeliveryDelay, d.Attempt)
	logger.Warn("task failed, scheduling redelivery",
		append([]zap.Field{zap.Duration("delay", delay)}, logging.ErrorFields(cause)...)...)
	p.nack(ctx, d, delay, logger)
	return OutcomeRetry
}

// deadLetter gives up on d. The dead letter is written before the ledger
// and the acknowledgement so that a failed write leaves the delivery
// outstanding instead of losing it.
func (p *Pool) deadLetter(ctx context.Context, d *queue.Delivery, key string, cause error, logger *zap.Logger) Outcome {
	settle := context.WithoutCancel(ctx)
	reason := cause.Error()

	if err := p.opts.DeadLetters.DeadLetter(settle, d.Task, reason); err != nil {
		logger.Error("dead-letter failed, scheduling redelivery", logging.ErrorFields(err)...)
		p.nack(ctx, d, queue.Backoff(p.opts.RedeliveryDelay, p.opts.MaxRedeliveryDelay, d.Attempt), logger)
		return OutcomeRetry
	}
	if key != "" {
		if err := p.opts.Ledger.Fail(settle, key, reason); err != nil {
			logger.Error("failed to record failure", logging.ErrorFields(err)...)
		}
	}
	logger.Error("task failed permanently", logging.ErrorFields(cause)...)
	p.ack(ctx, d, logger)
	return OutcomeFailed
}

func (p *Pool) ack(ctx context.Context, d *queue.Delivery, logger *zap.Logger) {
	if err := p.opts.Queue.Ack(context.WithoutCancel(ctx), d); err != nil {
		logger.Error("ack failed", logging.ErrorFields(err)...)
	}
}

func (p *Pool) nack(ctx context.Context, d *queue.Delivery, delay time.Duration, logger *zap.Logger) {
	if err := p.opts.Queue.Nack(context.WithoutCancel(ctx), d, delay); err != nil {
		logger.Error("nack failed", logging.ErrorFields(err)...)
	}
}
