// Package providers wires every known provider type to its constructor.
package providers

import (
	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/circuit"
	"github.com/storeroute/storeroute/internal/config"
	"github.com/storeroute/storeroute/internal/metrics"
	"github.com/storeroute/storeroute/internal/provider"
	"github.com/storeroute/storeroute/internal/provider/s3"
	"github.com/storeroute/storeroute/internal/provider/swift"
	"github.com/storeroute/storeroute/internal/storage"
)

// Builtin returns a registry covering storage.ProviderTypes().
func Builtin(cfg config.ProvidersConfig, logger *zap.Logger) *provider.Registry {
	registry := provider.NewRegistry()

	s3Ctor := s3.Constructor(s3.OptionsFrom(cfg, logger))
	registry.Register(storage.ProviderAmazonS3, s3Ctor)
	registry.Register(storage.ProviderAmazonGlacier, s3Ctor)
	registry.Register(storage.ProviderChronStage, s3Ctor)
	registry.Register(storage.ProviderRackspace, swift.Constructor(swift.OptionsFrom(cfg, logger)))

	return registry
}

// InMemory returns a registry whose every type is served from store.
// Local runs use it in place of real backends.
func InMemory(store *provider.MemoryStore) *provider.Registry {
	registry := provider.NewRegistry()
	for _, t := range storage.ProviderTypes() {
		registry.Register(t, store.Constructor())
	}
	return registry
}

// Stateless returns the shared operation path configured from cfg: the
// provider request timeout and, when enabled, one breaker per store.
func Stateless(cfg config.ProvidersConfig, collector *metrics.Collector, logger *zap.Logger) *provider.Stateless {
	opts := provider.StatelessOptions{
		Timeout: cfg.RequestTimeout,
		Metrics: collector,
		Logger:  logger,
	}
	if cfg.CircuitBreaker.Enabled {
		cb := circuit.DefaultConfig()
		if cfg.CircuitBreaker.FailureThreshold > 0 {
			cb.FailureThreshold = uint32(cfg.CircuitBreaker.FailureThreshold)
		}
		if cfg.CircuitBreaker.Timeout > 0 {
			cb.Timeout = cfg.CircuitBreaker.Timeout
		}
		opts.Breakers = circuit.NewManager(cb)
	}
	return provider.NewStateless(opts)
}
