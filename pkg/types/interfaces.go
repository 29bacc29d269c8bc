// Package types defines the narrow cross-package interfaces other
// packages can depend on instead of a concrete type: the L2 storage-tier
// contract both cache backends satisfy, and the metrics/health collector
// contracts internal/metrics and internal/health satisfy.
// Adapted from the teacher's pkg/types/interfaces.go: trimmed from eight
// interfaces spanning the FUSE/S3/predictive-prefetch/connection-pool
// surface down to the three with a real implementation left in this
// module. Backend, WriteBuffer, ConfigManager, AccessPredictor, and
// ConnectionManager described components (S3 backend, generic connection
// pool, ML access predictor) this module dropped entirely.
package types

import (
	"context"
	"time"

	"github.com/yingcaihuang/pingora-slice-sub000/internal/health"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/metrics"
)

// Cache is the L2 storage-tier contract: both internal/rawdisk.Engine and
// internal/fileentry.Store satisfy it, and it matches
// internal/coordinator.L2 exactly (declared independently so this package
// has no dependency on internal/coordinator).
type Cache interface {
	Store(key string, data []byte) error
	Lookup(key string) ([]byte, bool)
	Remove(key string) bool
	PurgeByPrefix(prefix string) int
	PurgeAll() int
}

// MetricsCollector is the contract *metrics.Collector satisfies.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordTierHit(tier string)
	RecordTierMiss(tier string)
	RecordError(operation string, err error)
	GetMetrics() map[string]*metrics.OperationMetrics
}

// HealthChecker is the contract *health.Checker satisfies.
type HealthChecker interface {
	RunCheck(ctx context.Context, name string) (*health.Result, error)
	RunAllChecks(ctx context.Context) (map[string]*health.Result, error)
	IsHealthy() bool
}
