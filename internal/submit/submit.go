// Package submit is the producer side of the task pipeline: it records a
// task in the ledger, validates it, and hands it to the queue.
package submit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/ledger"
	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/metrics"
	"github.com/storeroute/storeroute/internal/queue"
	"github.com/storeroute/storeroute/internal/task"
)

// Submitter enqueues typed tasks.
type Submitter struct {
	queue   queue.Queue
	ledger  ledger.Ledger
	metrics *metrics.Collector
	logger  *zap.Logger
	timeout time.Duration
}

// Options configures a Submitter.
type Options struct {
	Queue   queue.Queue
	Ledger  ledger.Ledger
	Metrics *metrics.Collector
	Logger  *zap.Logger
	// PublishTimeout bounds Enqueue when positive.
	PublishTimeout time.Duration
}

// New creates a Submitter. A nil ledger records nothing.
func New(opts Options) *Submitter {
	if opts.Ledger == nil {
		opts.Ledger = ledger.NewMemoryLedger()
	}
	return &Submitter{
		queue:   opts.Queue,
		ledger:  opts.Ledger,
		metrics: opts.Metrics,
		logger:  logging.OrNamed(opts.Logger, "submit"),
		timeout: opts.PublishTimeout,
	}
}

// Submit moves t through REQUESTED and QUEUED and publishes it. A task
// that fails validation or cannot be published is recorded as FAILED and
// the error is returned to the caller.
func (s *Submitter) Submit(ctx context.Context, t task.Typed) (err error) {
	key := t.Key()
	logger := s.logger.With(logging.TaskKey(key), logging.TaskType(t.TaskType()))
	defer func() { s.metrics.RecordEnqueue(t.TaskType(), err) }()

	if err := s.ledger.Record(ctx, key, t.TaskType(), task.StateRequested); err != nil {
		return err
	}

	fail := func(cause error) error {
		if lerr := s.ledger.Fail(context.WithoutCancel(ctx), key, cause.Error()); lerr != nil {
			logger.Error("failed to record failure", logging.ErrorFields(lerr)...)
		}
		logger.Warn("task not submitted", logging.ErrorFields(cause)...)
		return cause
	}

	if err := t.Validate(); err != nil {
		return fail(err)
	}
	// QUEUED is written before publishing so a fast worker never sees
	// a REQUESTED record.
	if err := s.ledger.Record(ctx, key, t.TaskType(), task.StateQueued); err != nil {
		return fail(err)
	}

	pctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.queue.Enqueue(pctx, t.Write()); err != nil {
		return fail(err)
	}

	logger.Info("task submitted")
	return nil
}
