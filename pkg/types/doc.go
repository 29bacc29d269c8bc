/*
Package types defines the narrow interfaces other packages can depend on
instead of a concrete cache/metrics/health type, so a caller holding a
types.Cache does not need to know whether it is talking to the raw-disk
engine or the file-per-entry backend.

# Cache

Cache is the L2 storage-tier contract: Store, Lookup, Remove,
PurgeByPrefix, PurgeAll. Both internal/rawdisk.Engine and
internal/fileentry.Store satisfy it.

# MetricsCollector and HealthChecker

These mirror the public methods of internal/metrics.Collector and
internal/health.Checker, letting a component accept "a metrics collector"
or "a health checker" as a dependency without importing the concrete
package directly.
*/
package types
