/*
Package metrics exports durastore metrics to Prometheus.

# Overview

A Collector owns a private Prometheus registry. It counts operations,
errors and events, and reads cache and queue figures at scrape time
through WatchCache and WatchGauge. Nothing is registered globally, so
several layers can run in one process.

	┌─────────────┐
	│  Collector  │  ← types.EventRecorder in the event fan-out
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌──────────▼────────┐
	│  Registry    │         │  HTTP endpoints   │
	│ - Counters   │         │  /metrics         │
	│ - Histograms │         │  /health          │
	│ - GaugeFuncs │         │  /debug/operations│
	└──────────────┘         └───────────────────┘

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Address:   ":9090",
		Path:      "/metrics",
		Namespace: "durastore",
		Labels:    map[string]string{"client_id": "device-1"},
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.WatchCache(store); err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

Operations carry a duration, an optional byte size and an outcome:

	start := time.Now()
	err := check(ctx)
	collector.RecordOperation("health_check_storage", time.Since(start), 0, err == nil)
	collector.RecordError("health_check_storage", err)

Errors are labelled with their DurableError code, "OPERATION_TIMEOUT" for
deadline errors, and "other" for everything else.

# Exported series

With the durastore namespace:

  - durastore_operations_total{operation,status}
  - durastore_operation_duration_seconds{operation}
  - durastore_operation_size_bytes{operation}
  - durastore_errors_total{operation,code}
  - durastore_events_total{event}
  - durastore_cache_hits_total, durastore_cache_misses_total and the other
    cache counters registered by WatchCache
  - durastore_cache_pool_utilization and the other pool gauges
  - any gauge added with WatchGauge, such as durastore_outbox_pending

# Disabled collectors

A collector built with Enabled false is a no-op: Record, RecordOperation,
WatchCache and Start return immediately, so callers never need to check.
*/
package metrics
