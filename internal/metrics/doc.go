/*
Package metrics provides Prometheus metrics for storeroute.

The Collector owns a private registry (nothing is registered on the default
one) and serves it over HTTP together with a /health endpoint.

	┌─────────────┐
	│  Collector  │
	└──────┬──────┘
	       │
	┌──────▼───────┐        ┌─────────────────┐
	│  Registry    │ ─────► │  /metrics       │
	│ - Counters   │        │  /health        │
	│ - Histograms │        └─────────────────┘
	│ - Gauges     │
	└──────────────┘

Exported series (namespace "storeroute" by default):

	resolution_cache_requests_total{result}
	resolution_cache_entries
	resolution_builds_total{status}
	resolution_build_duration_seconds
	tasks_enqueued_total{type,status}
	tasks_processed_total{type,outcome}
	task_duration_seconds{type}
	provider_operations_total{provider_type,operation,status}
	provider_operation_duration_seconds{provider_type,operation}
	errors_total{component,kind}

Every Record method is safe on a nil or disabled Collector:

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())
*/
package metrics
