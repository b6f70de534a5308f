package resolver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/metrics"
	"github.com/storeroute/storeroute/internal/provider"
	"github.com/storeroute/storeroute/pkg/errors"
)

// FactoryBuilder builds a fresh factory for a tenant.
type FactoryBuilder interface {
	Build(ctx context.Context, tenantID string) (*provider.Factory, error)
}

// Cache holds at most one factory per tenant id. Misses for the same id
// share one build and at most one build per id runs at a time; different
// ids build in parallel. Failed builds are not stored.
type Cache struct {
	builder FactoryBuilder
	metrics *metrics.Collector
	logger  *zap.Logger

	mu       sync.RWMutex
	entries  map[string]*provider.Factory
	inflight map[string]*flight
	group    singleflight.Group
}

// flight is a build in progress. superseded is set when the tenant is
// invalidated before the build finishes.
type flight struct {
	superseded bool
}

// errSuperseded is returned by a build whose result was discarded. Waiters
// retry and join the build that replaces it.
var errSuperseded = errors.NewError(errors.ErrCodeOperationCanceled, "resolution superseded by invalidation").
	WithComponent("resolver")

// NewCache creates an empty cache.
func NewCache(builder FactoryBuilder, collector *metrics.Collector, logger *zap.Logger) *Cache {
	return &Cache{
		builder:  builder,
		metrics:  collector,
		logger:   logging.OrNamed(logger, "resolver"),
		entries:  make(map[string]*provider.Factory),
		inflight: make(map[string]*flight),
	}
}

// Get returns the cached factory for tenantID, building it on a miss.
// Repeated calls return the identical factory until it is invalidated.
func (c *Cache) Get(ctx context.Context, tenantID string) (*provider.Factory, error) {
	c.mu.RLock()
	f, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if ok {
		c.metrics.RecordCacheHit()
		return f, nil
	}
	c.metrics.RecordCacheMiss()

	// The build outlives any single waiter; the repository timeout bounds it.
	buildCtx := context.WithoutCancel(ctx)
	for {
		ch := c.group.DoChan(tenantID, func() (interface{}, error) {
			return c.build(buildCtx, tenantID)
		})

		select {
		case res := <-ch:
			if res.Err == errSuperseded {
				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(*provider.Factory), nil
		case <-ctx.Done():
			return nil, errors.FromContext(ctx.Err(), "resolve tenant").
				WithComponent("resolver").
				WithContext("tenant", tenantID)
		}
	}
}

// build runs inside the singleflight call for tenantID, so at most one is
// active per id.
func (c *Cache) build(ctx context.Context, tenantID string) (*provider.Factory, error) {
	c.mu.Lock()
	if f, ok := c.entries[tenantID]; ok {
		c.mu.Unlock()
		return f, nil
	}
	fl := &flight{}
	c.inflight[tenantID] = fl
	c.mu.Unlock()

	start := time.Now()
	f, err := c.builder.Build(ctx, tenantID)
	c.metrics.RecordBuild(time.Since(start), err)

	c.mu.Lock()
	delete(c.inflight, tenantID)
	superseded := fl.superseded
	if err == nil && !superseded {
		c.entries[tenantID] = f
		c.metrics.SetCacheEntries(len(c.entries))
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("tenant resolution failed",
			append([]zap.Field{logging.Tenant(tenantID)}, logging.ErrorFields(err)...)...)
		return nil, err
	}
	if superseded {
		c.logger.Debug("discarding resolution started before invalidation", logging.Tenant(tenantID))
		c.closeFactory(tenantID, f)
		return nil, errSuperseded
	}
	c.logger.Debug("tenant resolved",
		logging.Tenant(tenantID),
		zap.Duration("duration", time.Since(start)))
	return f, nil
}

// Invalidate drops tenantID. The next Get rebuilds; a build already in
// flight is discarded and its waiters rebuild after it.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	if fl, ok := c.inflight[tenantID]; ok {
		fl.superseded = true
	}
	f := c.entries[tenantID]
	delete(c.entries, tenantID)
	c.metrics.SetCacheEntries(len(c.entries))
	c.mu.Unlock()

	c.closeFactory(tenantID, f)
}

// InvalidateAll drops every tenant.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	dropped := c.entries
	c.entries = make(map[string]*provider.Factory)
	for _, fl := range c.inflight {
		fl.superseded = true
	}
	c.metrics.SetCacheEntries(0)
	c.mu.Unlock()

	for id, f := range dropped {
		c.closeFactory(id, f)
	}
}

// Len returns the number of cached factories.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close releases every cached factory.
func (c *Cache) Close() {
	c.InvalidateAll()
}

func (c *Cache) closeFactory(tenantID string, f *provider.Factory) {
	if f == nil {
		return
	}
	if err := f.Close(); err != nil {
		c.logger.Warn("closing provider factory failed", logging.Tenant(tenantID), logging.Err(err))
	}
}
