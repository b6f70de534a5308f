package provider

import (
	"context"
	stderr "errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/circuit"
	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/metrics"
	"github.com/storeroute/storeroute/pkg/errors"
)

// StatelessOptions configures the shared operation path.
type StatelessOptions struct {
	Timeout  time.Duration
	Breakers *circuit.Manager
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// Stateless performs provider operations against any handle without
// per-tenant state. One instance is shared by every factory. Each call runs
// under a deadline and a per-store circuit breaker, is recorded in metrics,
// and returns classified errors.
type Stateless struct {
	timeout  time.Duration
	breakers *circuit.Manager
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewStateless creates the shared operation path.
func NewStateless(opts StatelessOptions) *Stateless {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Stateless{
		timeout:  opts.Timeout,
		breakers: opts.Breakers,
		metrics:  opts.Metrics,
		logger:   logging.OrNamed(opts.Logger, "provider"),
	}
}

// Breakers returns the per-store breakers, nil when breaking is off.
func (s *Stateless) Breakers() *circuit.Manager {
	return s.breakers
}

// List returns content ids in spaceID starting with prefix.
func (s *Stateless) List(ctx context.Context, p Provider, spaceID, prefix string) ([]string, error) {
	var ids []string
	err := s.do(ctx, p, "list", func(ctx context.Context) error {
		var err error
		ids, err = p.ListContents(ctx, spaceID, prefix)
		return err
	})
	return ids, err
}

// Get opens a content item. The deadline covers reading the body and is
// released when the body is closed.
func (s *Stateless) Get(ctx context.Context, p Provider, spaceID, contentID string) (*Content, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)

	var content *Content
	err := s.run(ctx, p, "get", func(ctx context.Context) error {
		var err error
		content, err = p.GetContent(ctx, spaceID, contentID)
		return err
	})
	if err != nil {
		cancel()
		return nil, err
	}
	if content.Body == nil {
		cancel()
		return content, nil
	}
	content.Body = &cancelOnClose{ReadCloser: content.Body, cancel: cancel}
	return content, nil
}

// Put stores content.
func (s *Stateless) Put(ctx context.Context, p Provider, spaceID, contentID string, content *Content) error {
	return s.do(ctx, p, "put", func(ctx context.Context) error {
		return p.PutContent(ctx, spaceID, contentID, content)
	})
}

// Delete removes content. Removing missing content succeeds.
func (s *Stateless) Delete(ctx context.Context, p Provider, spaceID, contentID string) error {
	err := s.do(ctx, p, "delete", func(ctx context.Context) error {
		return p.DeleteContent(ctx, spaceID, contentID)
	})
	if errors.CodeOf(err) == errors.ErrCodeContentNotFound {
		return nil
	}
	return err
}

// Exists reports whether content is present.
func (s *Stateless) Exists(ctx context.Context, p Provider, spaceID, contentID string) (bool, error) {
	var exists bool
	err := s.do(ctx, p, "exists", func(ctx context.Context) error {
		var err error
		exists, err = p.ContentExists(ctx, spaceID, contentID)
		return err
	})
	return exists, err
}

// Health checks a handle.
func (s *Stateless) Health(ctx context.Context, p Provider) error {
	return s.do(ctx, p, "health", p.HealthCheck)
}

// Copy streams one item from src to dst.
func (s *Stateless) Copy(ctx context.Context, src, dst Provider, spaceID, contentID string) error {
	content, err := s.Get(ctx, src, spaceID, contentID)
	if err != nil {
		return err
	}
	if content.Body == nil {
		return errors.Newf(errors.ErrCodeProviderRejected, "content %s/%s has no body", spaceID, contentID).
			WithComponent("provider")
	}
	defer content.Body.Close()
	return s.Put(ctx, dst, spaceID, contentID, content)
}

func (s *Stateless) do(ctx context.Context, p Provider, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.run(ctx, p, op, fn)
}

func (s *Stateless) run(ctx context.Context, p Provider, op string, fn func(context.Context) error) error {
	start := time.Now()

	call := func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return classify(ctx, err, op)
		}
		return nil
	}

	var err error
	if s.breakers != nil {
		err = s.breakers.Execute(ctx, string(p.Type())+"/"+p.StoreID(), call)
	} else {
		err = call(ctx)
	}

	s.metrics.RecordProviderOperation(string(p.Type()), op, time.Since(start), err)
	if err != nil && errors.IsRetryable(err) {
		s.logger.Warn("provider operation failed",
			append([]zap.Field{
				zap.String("operation", op),
				zap.String("provider_type", string(p.Type())),
				logging.StoreID(p.StoreID()),
			}, logging.ErrorFields(err)...)...)
	}
	return err
}

// classify leaves structured errors alone, maps context expiry to
// timeout or cancellation, and treats anything else from a backend as
// unavailable.
func classify(ctx context.Context, err error, op string) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	if stderr.Is(err, context.DeadlineExceeded) || stderr.Is(err, context.Canceled) {
		return errors.FromContext(err, "provider "+op).WithComponent("provider")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.FromContext(ctxErr, "provider "+op).WithComponent("provider")
	}
	return errors.Wrap(err, errors.ErrCodeProviderUnavailable, "provider "+op+" failed").
		WithComponent("provider").
		WithOperation(op)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
