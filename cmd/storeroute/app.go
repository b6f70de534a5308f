package main

import (
	"context"
	"database/sql"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/account"
	"github.com/storeroute/storeroute/internal/bridge"
	"github.com/storeroute/storeroute/internal/config"
	"github.com/storeroute/storeroute/internal/duplication"
	"github.com/storeroute/storeroute/internal/ledger"
	"github.com/storeroute/storeroute/internal/metrics"
	"github.com/storeroute/storeroute/internal/provider"
	"github.com/storeroute/storeroute/internal/provider/providers"
	"github.com/storeroute/storeroute/internal/queue"
	"github.com/storeroute/storeroute/internal/resolver"
	"github.com/storeroute/storeroute/internal/snapshot"
	"github.com/storeroute/storeroute/internal/submit"
	"github.com/storeroute/storeroute/internal/task"
	"github.com/storeroute/storeroute/internal/worker"
	"github.com/storeroute/storeroute/pkg/health"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg     *config.Configuration
	logger  *zap.Logger
	metrics *metrics.Collector
	health  *health.Tracker

	repo        account.Repository
	builder     *resolver.Builder
	cache       *resolver.Cache
	queue       queue.Queue
	deadLetters queue.DeadLetterSink
	ledger      ledger.Ledger

	closers []func() error
}

// newApp wires the configured drivers. Memory drivers keep everything in
// process; the memory provider registry stands in for real backends.
func newApp(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, health: health.NewTracker(health.DefaultConfig())}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	mcfg := metrics.DefaultConfig()
	mcfg.Port = cfg.Global.MetricsPort
	mcfg.Enabled = cfg.Global.MetricsPort > 0
	if a.metrics, err = metrics.NewCollector(mcfg); err != nil {
		return nil, err
	}

	var registry *provider.Registry
	switch cfg.Repository.Driver {
	case "postgres":
		db, err := account.OpenPostgres(cfg.Repository.DSN, cfg.Repository.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.health.Register("repository", db.PingContext)
		a.repo = account.NewPostgresRepository(db, cfg.Repository.QueryTimeout)
		registry = providers.Builtin(cfg.Providers, logger)
	default:
		a.repo = account.NewMemoryRepository()
		registry = providers.InMemory(provider.NewMemoryStore())
	}

	stateless := providers.Stateless(cfg.Providers, a.metrics, logger)
	a.health.Register("providers", func(context.Context) error { return stateless.Breakers().HealthCheck() })
	a.builder = resolver.NewBuilder(resolver.BuilderOptions{
		Repository:   a.repo,
		Registry:     registry,
		Stateless:    stateless,
		Instance:     cfg.Instance,
		QueryTimeout: cfg.Repository.QueryTimeout,
		Logger:       logger,
	})
	a.cache = resolver.NewCache(a.builder, a.metrics, logger)
	a.closers = append(a.closers, func() error { a.cache.Close(); return nil })

	switch cfg.Queue.Driver {
	case "kafka":
		kq, err := queue.NewKafkaQueue(cfg.Queue, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, kq.Close)
		a.queue = kq
		a.deadLetters = kq.DeadLetterSink(cfg.Queue.DeadLetterTopic)
	default:
		mq := queue.NewMemoryQueue(cfg.Queue.VisibilityTimeout, logger)
		a.closers = append(a.closers, mq.Close)
		a.queue = mq
		a.deadLetters = queue.NewMemoryDeadLetter()
	}

	switch cfg.Ledger.Driver {
	case "postgres":
		dsn := cfg.Ledger.DSN
		if dsn == "" {
			dsn = cfg.Repository.DSN
		}
		var db *sql.DB
		if db, err = account.OpenPostgres(dsn, cfg.Repository.MaxOpenConns); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.health.Register("ledger", db.PingContext)
		pl := ledger.NewPostgresLedger(db, cfg.Repository.QueryTimeout)
		if err = pl.Migrate(ctx); err != nil {
			return nil, err
		}
		a.ledger = pl
	default:
		a.ledger = ledger.NewMemoryLedger()
	}

	return a, nil
}

func (a *app) submitter() *submit.Submitter {
	return submit.New(submit.Options{
		Queue:          a.queue,
		Ledger:         a.ledger,
		Metrics:        a.metrics,
		Logger:         a.logger,
		PublishTimeout: a.cfg.Queue.PublishTimeout,
	})
}

func (a *app) pool() *worker.Pool {
	opts := worker.OptionsFrom(a.cfg.Queue, a.cfg.Worker)
	opts.Queue = a.queue
	opts.DeadLetters = a.deadLetters
	opts.Ledger = a.ledger
	opts.Metrics = a.metrics
	opts.Health = a.health
	opts.Logger = a.logger

	client := bridge.NewClient(bridge.OptionsFrom(a.cfg.Bridge, a.logger))
	a.health.Register("bridge", func(context.Context) error { return client.Breakers().HealthCheck() })

	p := worker.NewPool(opts)
	p.Register(task.TypeSnapshot, snapshot.NewHandler(a.cache, client, a.logger))
	p.Register(task.TypeDuplication, duplication.NewHandler(a.cache, a.logger))
	return p
}

// Close releases components in reverse order of creation.
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
