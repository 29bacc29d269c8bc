// Package gc implements Smart GC (spec.md §4.7): TTL-expired-first victim
// selection, then LRU/LFU/FIFO strategy order, incremental batching with
// explicit yields, and adaptive min_free_ratio tuning fed by the
// allocator's allocation-pressure counters. Loop shape lifted from
// internal/cache/lru.go's cleanupExpired and internal/cache/persistent.go's
// cleanupExpired/syncIndex pair: a key snapshot taken before iterating and
// an explicit yield between batches. This package starts no goroutine of
// its own; each run is driven by the caller.
package gc

import (
	"time"

	"go.uber.org/multierr"

	"github.com/yingcaihuang/pingora-slice-sub000/internal/allocator"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/directory"
)

// Config controls trigger thresholds and batching.
type Config struct {
	MinFreeRatio    float64       // GC triggers when free ratio drops below this
	TargetFreeRatio float64       // GC runs until free ratio reaches this
	MinInterval     time.Duration // minimum time between runs
	BatchSize       int           // victims evicted per batch before yielding
	TTL             time.Duration // 0 disables TTL-based expiry
	MinFreeRatioCap float64       // ceiling for adaptive tuning
	MinFreeRatioFloor float64     // floor for adaptive tuning
}

// DefaultConfig returns the spec's suggested thresholds.
func DefaultConfig() Config {
	return Config{
		MinFreeRatio:      0.2,
		TargetFreeRatio:   0.3,
		MinInterval:       time.Minute,
		BatchSize:         64,
		MinFreeRatioCap:   0.6,
		MinFreeRatioFloor: 0.05,
	}
}

// Remover frees one key's backing storage. A returned error is counted and
// recorded in Stats; the batch goes on with the next key.
type Remover func(key string) error

// Stats reports the outcome of a GC run.
type Stats struct {
	Evicted      int
	ExpiredHit   int
	Errors       int
	Err          error // combined per-victim Remover errors, via multierr
	Ran          bool
	ReachedTarget bool
}

// GC drives eviction over a directory down to TargetFreeRatio using the
// configured strategy, backed by an allocator for free-ratio and pressure
// feedback.
type GC struct {
	cfg      Config
	dir      *directory.Directory
	alloc    *allocator.Allocator
	policy   directory.EvictionPolicy
	remove   Remover
	lastRun  time.Time
	sampleN  uint64
	sampled  uint64
}

// New binds a GC run to dir/alloc, evicting via remove using policy for
// non-expired victims.
func New(cfg Config, dir *directory.Directory, alloc *allocator.Allocator, policy directory.EvictionPolicy, remove Remover) *GC {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MinFreeRatioCap <= 0 {
		cfg.MinFreeRatioCap = DefaultConfig().MinFreeRatioCap
	}
	if cfg.MinFreeRatioFloor <= 0 {
		cfg.MinFreeRatioFloor = DefaultConfig().MinFreeRatioFloor
	}
	return &GC{cfg: cfg, dir: dir, alloc: alloc, policy: policy, remove: remove}
}

// ShouldRun reports whether the adaptive trigger conditions currently hold.
func (g *GC) ShouldRun(now time.Time) bool {
	if !g.lastRun.IsZero() && now.Sub(g.lastRun) < g.cfg.MinInterval {
		return false
	}
	return g.alloc.FreeRatio() < g.cfg.MinFreeRatio
}

// Run evicts victims until free ratio reaches TargetFreeRatio or no more
// evictable entries remain, yielding between batches of BatchSize.
func (g *GC) Run(now time.Time) Stats {
	stats := Stats{Ran: true}
	g.lastRun = now

	if g.cfg.TTL > 0 {
		expired := g.dir.ExpiredKeys(now, g.cfg.TTL)
		stats.Evicted += g.evictBatches(expired, &stats.Errors, &stats.Err)
		stats.ExpiredHit = stats.Evicted
	}

	for g.alloc.FreeRatio() < g.cfg.TargetFreeRatio {
		victims := g.dir.Victims(g.policy)
		if len(victims) == 0 {
			break
		}
		n := g.evictBatches(victims, &stats.Errors, &stats.Err)
		stats.Evicted += n
		if n == 0 {
			break
		}
	}

	stats.ReachedTarget = g.alloc.FreeRatio() >= g.cfg.TargetFreeRatio
	return stats
}

// evictBatches removes keys in BatchSize-sized batches, yielding the
// goroutine scheduler between batches, stopping once the target free ratio
// is reached. Per-key Remover errors are combined into *errs via multierr
// rather than discarded, so a caller can inspect every failure from a run.
func (g *GC) evictBatches(keys []string, errCount *int, errs *error) int {
	evicted := 0
	for i := 0; i < len(keys); i += g.cfg.BatchSize {
		if g.alloc.FreeRatio() >= g.cfg.TargetFreeRatio {
			break
		}
		end := i + g.cfg.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, key := range keys[i:end] {
			if err := g.remove(key); err != nil {
				*errCount++
				*errs = multierr.Append(*errs, err)
				continue
			}
			evicted++
		}
		time.Sleep(0) // explicit yield between batches
	}
	return evicted
}

// SamplePressure adjusts MinFreeRatio from the allocator's success/failure
// counts since the previous sample: failure rate > 10% multiplies MinFreeRatio by
// 1.2 (capped); failure rate < 1% multiplies by 0.9 (floored).
func (g *GC) SamplePressure() {
	successes, failures := g.alloc.Pressure()
	total := successes + failures
	if total == 0 {
		return
	}

	failureRate := float64(failures) / float64(total)
	switch {
	case failureRate > 0.10:
		g.cfg.MinFreeRatio *= 1.2
		if g.cfg.MinFreeRatio > g.cfg.MinFreeRatioCap {
			g.cfg.MinFreeRatio = g.cfg.MinFreeRatioCap
		}
	case failureRate < 0.01:
		g.cfg.MinFreeRatio *= 0.9
		if g.cfg.MinFreeRatio < g.cfg.MinFreeRatioFloor {
			g.cfg.MinFreeRatio = g.cfg.MinFreeRatioFloor
		}
	}
}

// MinFreeRatio reports the current (possibly adaptively-tuned) threshold.
func (g *GC) MinFreeRatio() float64 { return g.cfg.MinFreeRatio }
