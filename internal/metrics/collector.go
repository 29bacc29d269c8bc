// Package metrics implements the Prometheus metrics surface for the cache
// engine: per-operation counters/histograms keyed by operation name
// (store/lookup/remove/purge, defragment, run_smart_gc, verify), per-tier
// hit/miss counters, error counters, and size/fragmentation/free-ratio gauges.
// Adapted from the teacher's internal/metrics/collector.go: the Prometheus
// registry, HTTP exposition server, and debug endpoints carry over; the
// vector label sets are re-keyed from S3/FUSE operation names to the
// blob-API operations this module actually exposes (store, lookup,
// lookup_zero_copy, remove, purge_by_prefix, purge_all, defragment,
// run_smart_gc, verify).
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus registry and exposition server for one
// engine instance.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	tierRequestCounter *prometheus.CounterVec
	tierSizeGauge     *prometheus.GaugeVec
	fragmentationGauge prometheus.Gauge
	freeRatioGauge    prometheus.Gauge
	errorCounter      *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config controls exposition and label defaults.
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Port           int               `yaml:"port"`
	Path           string            `yaml:"path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
}

// DefaultConfig returns sane exposition defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Port:           9400,
		Path:           "/metrics",
		Namespace:      "pingora_slice_cache",
		UpdateInterval: 30 * time.Second,
		Labels:         make(map[string]string),
	}
}

// OperationMetrics tracks in-process rollups for one operation name,
// mirrored into Prometheus vectors and also exposed via debug endpoints.
type OperationMetrics struct {
	Count         int64
	TotalDuration time.Duration
	TotalSize     int64
	Errors        int64
	LastOperation time.Time
	AvgDuration   time.Duration
	AvgSize       float64
}

// NewCollector builds a Collector. A nil config is replaced by
// DefaultConfig(); a disabled config returns a no-op collector so callers
// never need to nil-check before recording.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	c := &Collector{
		config:     config,
		registry:   registry,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

// Start serves Config.Path plus /health and /debug/operations over HTTP.
// Returns immediately; the server runs in a background goroutine until
// Stop is called. ctx is not used, and no periodic update loop is started
// (Config.UpdateInterval is not read).
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts down the exposition server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordOperation records one blob-API call: store, lookup,
// lookup_zero_copy, remove, purge_by_prefix, purge_all, defragment, or
// run_smart_gc.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	if m, ok := c.operations[operation]; ok {
		m.Count++
		m.TotalDuration += duration
		m.TotalSize += size
		if !success {
			m.Errors++
		}
		m.LastOperation = time.Now()
		m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
		m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	} else {
		errs := int64(0)
		if !success {
			errs = 1
		}
		c.operations[operation] = &OperationMetrics{
			Count: 1, TotalDuration: duration, TotalSize: size, Errors: errs,
			LastOperation: time.Now(), AvgDuration: duration, AvgSize: float64(size),
		}
	}
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
	if !success {
		c.errorCounter.With(prometheus.Labels{"operation": operation, "type": "failure"}).Inc()
	}
}

// RecordTierHit records a cache hit at tier "l1" or "l2".
func (c *Collector) RecordTierHit(tier string) {
	if !c.config.Enabled {
		return
	}
	c.tierRequestCounter.With(prometheus.Labels{"result": "hit", "tier": tier}).Inc()
}

// RecordTierMiss records a cache miss at tier "l1" or "l2".
func (c *Collector) RecordTierMiss(tier string) {
	if !c.config.Enabled {
		return
	}
	c.tierRequestCounter.With(prometheus.Labels{"result": "miss", "tier": tier}).Inc()
}

// RecordError attributes an error to operation, classified by error text.
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled {
		return
	}
	c.errorCounter.With(prometheus.Labels{"operation": operation, "type": classifyError(err)}).Inc()
}

// UpdateTierSize reports the current byte total held by tier "l1" or "l2".
func (c *Collector) UpdateTierSize(tier string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.tierSizeGauge.With(prometheus.Labels{"tier": tier}).Set(float64(size))
}

// UpdateFragmentation reports the L2 allocator's current fragmentation
// ratio, per spec.md's `(total_gap - largest_gap) / used_size` metric.
func (c *Collector) UpdateFragmentation(ratio float64) {
	if !c.config.Enabled {
		return
	}
	c.fragmentationGauge.Set(ratio)
}

// UpdateFreeRatio reports the L2 allocator's current free-block ratio.
func (c *Collector) UpdateFreeRatio(ratio float64) {
	if !c.config.Enabled {
		return
	}
	c.freeRatioGauge.Set(ratio)
}

// GetMetrics returns a snapshot of in-process operation rollups.
func (c *Collector) GetMetrics() map[string]*OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		out[k] = &cp
	}
	return out
}

// ResetMetrics clears in-process operation rollups (Prometheus counters
// are cumulative by design and are not reset).
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "operations_total", Help: "Total blob-API operations.",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, Name: "operation_duration_seconds",
		Help: "Blob-API operation latency.", Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
	}, []string{"operation"})

	c.operationSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, Name: "operation_size_bytes",
		Help: "Entry payload size touched by an operation.", Buckets: prometheus.ExponentialBuckets(64, 2, 24),
	}, []string{"operation"})

	c.tierRequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "tier_requests_total", Help: "Lookup requests per cache tier.",
	}, []string{"result", "tier"})

	c.tierSizeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "tier_size_bytes", Help: "Current bytes held per cache tier.",
	}, []string{"tier"})

	c.fragmentationGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "fragmentation_ratio", Help: "L2 data-region fragmentation ratio.",
	})

	c.freeRatioGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "free_ratio", Help: "L2 allocator free-block ratio.",
	})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "errors_total", Help: "Total operation errors by classification.",
	}, []string{"operation", "type"})
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.operationCounter, c.operationDuration, c.operationSize,
		c.tierRequestCounter, c.tierSizeGauge, c.fragmentationGauge, c.freeRatioGauge,
		c.errorCounter,
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func classifyError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "checksum"):
		return "checksum_mismatch"
	case strings.Contains(s, "space"):
		return "no_space"
	case strings.Contains(s, "compress"):
		return "compression"
	case strings.Contains(s, "timeout"):
		return "timeout"
	case strings.Contains(s, "not found"):
		return "not_found"
	default:
		return "other"
	}
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"pingora-slice-cache-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("cache operations summary\n")
	writef("uptime: %v\n\n", time.Since(c.lastReset))
	if len(c.operations) == 0 {
		writef("no operations recorded.\n")
		return
	}
	writef("%-20s %10s %10s %14s %12s\n", "operation", "count", "errors", "avg_duration", "avg_size")
	for name, op := range c.operations {
		writef("%-20s %10d %10d %14v %12.0f\n", name, op.Count, op.Errors, op.AvgDuration, op.AvgSize)
	}
}
