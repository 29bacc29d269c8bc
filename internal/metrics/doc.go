/*
Package metrics provides Prometheus-based metrics collection for the
two-tier cache engine: operation counters and latency histograms, per-tier
hit/miss counters, and allocator health gauges (fragmentation, free ratio).

# Core Components

Collector aggregates both Prometheus metrics (for scraping) and an
in-process rollup per operation name (for the /debug/operations endpoint):

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9400,
		Path:      "/metrics",
		Namespace: "pingora_slice_cache",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

# Recording Operations

	start := time.Now()
	err := engine.Store(key, data)
	collector.RecordOperation("store", time.Since(start), int64(len(data)), err == nil)

# Tier Metrics

	collector.RecordTierHit("l1")
	collector.RecordTierMiss("l2")
	collector.UpdateTierSize("l1", l1Bytes)
	collector.UpdateTierSize("l2", l2Bytes)
	collector.UpdateFragmentation(allocator.Fragmentation())
	collector.UpdateFreeRatio(allocator.FreeRatio())

# Prometheus Metrics

Counters:
  - pingora_slice_cache_operations_total{operation,status}
  - pingora_slice_cache_tier_requests_total{result,tier}
  - pingora_slice_cache_errors_total{operation,type}

Histograms:
  - pingora_slice_cache_operation_duration_seconds{operation}
  - pingora_slice_cache_operation_size_bytes{operation}

Gauges:
  - pingora_slice_cache_tier_size_bytes{tier}
  - pingora_slice_cache_fragmentation_ratio
  - pingora_slice_cache_free_ratio

# HTTP Endpoints

/metrics serves the Prometheus exposition format. /health returns a
one-line liveness response. /debug/operations renders a plain-text table
of the in-process rollups, for troubleshooting without a Prometheus stack.
*/
package metrics
