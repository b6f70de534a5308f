package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/pkg/errors"
)

// Collector records resolution, task and provider metrics on a private
// registry. A nil or disabled Collector is a no-op, so components may
// treat it as optional.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	cacheRequests   *prometheus.CounterVec
	cacheEntries    prometheus.Gauge
	builds          *prometheus.CounterVec
	buildDuration   prometheus.Histogram
	tasksEnqueued   *prometheus.CounterVec
	tasksProcessed  *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	providerOps     *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	errorCounter    *prometheus.CounterVec

	health http.Handler
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns the collector settings used when none are given.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9102,
		Path:      "/metrics",
		Namespace: "storeroute",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
		logger:   logging.Named("metrics"),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled && c.registry != nil
}

// Registry exposes the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns the HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.enabled() {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	if c.health != nil {
		mux.Handle("/health", c.health)
		return mux
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"storeroute"}`))
	})
	return mux
}

// HandleHealth replaces the static /health response. Call before Start.
func (c *Collector) HandleHealth(h http.Handler) {
	c.health = h
}

// Start starts the metrics server in the background.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c != nil && c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordCacheHit records a resolution cache hit.
func (c *Collector) RecordCacheHit() {
	if !c.enabled() {
		return
	}
	c.cacheRequests.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a resolution cache miss.
func (c *Collector) RecordCacheMiss() {
	if !c.enabled() {
		return
	}
	c.cacheRequests.WithLabelValues("miss").Inc()
}

// SetCacheEntries records the number of cached factories.
func (c *Collector) SetCacheEntries(n int) {
	if !c.enabled() {
		return
	}
	c.cacheEntries.Set(float64(n))
}

// RecordBuild records one descriptor build and factory construction.
func (c *Collector) RecordBuild(duration time.Duration, err error) {
	if !c.enabled() {
		return
	}
	c.builds.WithLabelValues(status(err)).Inc()
	c.buildDuration.Observe(duration.Seconds())
	if err != nil {
		c.RecordError("resolver", err)
	}
}

// RecordEnqueue records a task handed to the queue transport.
func (c *Collector) RecordEnqueue(taskType string, err error) {
	if !c.enabled() {
		return
	}
	c.tasksEnqueued.WithLabelValues(taskType, status(err)).Inc()
	if err != nil {
		c.RecordError("queue", err)
	}
}

// RecordTask records the outcome of one delivery.
func (c *Collector) RecordTask(taskType, outcome string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.tasksProcessed.WithLabelValues(taskType, outcome).Inc()
	c.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordProviderOperation records a call against a storage provider.
func (c *Collector) RecordProviderOperation(providerType, operation string, duration time.Duration, err error) {
	if !c.enabled() {
		return
	}
	c.providerOps.WithLabelValues(providerType, operation, status(err)).Inc()
	c.providerLatency.WithLabelValues(providerType, operation).Observe(duration.Seconds())
	if err != nil {
		c.RecordError("provider", err)
	}
}

// RecordError records an error by component and classified kind.
func (c *Collector) RecordError(component string, err error) {
	if !c.enabled() || err == nil {
		return
	}
	c.errorCounter.WithLabelValues(component, string(errors.KindOf(err))).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "resolution_cache_requests_total",
			Help:        "Resolution cache lookups by result",
			ConstLabels: labels,
		},
		[]string{"result"},
	)

	c.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "resolution_cache_entries",
			Help:        "Number of cached provider factories",
			ConstLabels: labels,
		},
	)

	c.builds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "resolution_builds_total",
			Help:        "Descriptor builds by status",
			ConstLabels: labels,
		},
		[]string{"status"},
	)

	c.buildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "resolution_build_duration_seconds",
			Help:        "Duration of descriptor builds in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			ConstLabels: labels,
		},
	)

	c.tasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "tasks_enqueued_total",
			Help:        "Tasks handed to the queue transport",
			ConstLabels: labels,
		},
		[]string{"type", "status"},
	)

	c.tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "tasks_processed_total",
			Help:        "Task deliveries by outcome",
			ConstLabels: labels,
		},
		[]string{"type", "outcome"},
	)

	c.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "task_duration_seconds",
			Help:        "Duration of task executions in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5m
			ConstLabels: labels,
		},
		[]string{"type"},
	)

	c.providerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "provider_operations_total",
			Help:        "Storage provider operations",
			ConstLabels: labels,
		},
		[]string{"provider_type", "operation", "status"},
	)

	c.providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "provider_operation_duration_seconds",
			Help:        "Duration of storage provider operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15),
			ConstLabels: labels,
		},
		[]string{"provider_type", "operation"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "errors_total",
			Help:        "Errors by component and kind",
			ConstLabels: labels,
		},
		[]string{"component", "kind"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.cacheRequests,
		c.cacheEntries,
		c.builds,
		c.buildDuration,
		c.tasksEnqueued,
		c.tasksProcessed,
		c.taskDuration,
		c.providerOps,
		c.providerLatency,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}
