// Package verifier implements the background verifier (spec.md §4.9):
// periodically re-reads a bounded number of entries, recomputes checksums,
// and either repairs from a small recent-writes backup ring or marks the
// entry suspect and removes it. Shape follows internal/cache/lru.go's
// cleanupExpired background-ticker pattern.
package verifier

import (
	"sync"
	"time"
)

// Config controls verification cadence and repair policy.
type Config struct {
	Interval         time.Duration
	MaxEntriesPerRun int
	AutoRepair       bool
	RingCapacity     int
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Minute,
		MaxEntriesPerRun: 256,
		AutoRepair:       true,
		RingCapacity:     128,
	}
}

// backupEntry is one recently-written entry's bytes, kept only long enough
// to serve a repair; eviction is pure FIFO over RingCapacity slots.
type backupEntry struct {
	key  string
	data []byte
}

// Ring is a small fixed-capacity recent-writes backup, populated by the
// engine's store path and consulted by the verifier's repair attempt.
type Ring struct {
	mu     sync.Mutex
	cap    int
	items  []backupEntry
	cursor int
}

// NewRing creates a ring of the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultConfig().RingCapacity
	}
	return &Ring{cap: capacity}
}

// Record stores key/data, overwriting the oldest slot once full.
func (r *Ring) Record(key string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := backupEntry{key: key, data: append([]byte(nil), data...)}
	if len(r.items) < r.cap {
		r.items = append(r.items, entry)
		return
	}
	r.items[r.cursor] = entry
	r.cursor = (r.cursor + 1) % r.cap
}

// Lookup returns the most recently recorded bytes for key, if still in the
// ring.
func (r *Ring) Lookup(key string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Walk from the newest slot backwards: before the ring fills that is the
	// last element; afterwards it is the slot just before cursor.
	n := len(r.items)
	for i := 0; i < n; i++ {
		idx := (r.cursor - 1 - i + n) % n
		if r.items[idx].key == key {
			return append([]byte(nil), r.items[idx].data...), true
		}
	}
	return nil, false
}

// Reader re-reads and verifies one entry's checksum, returning (ok, err).
// err is reserved for I/O failures distinct from checksum mismatches.
type Reader func(key string) (ok bool, err error)

// Rewriter rewrites an entry from backup bytes during repair.
type Rewriter func(key string, data []byte) error

// Remover deletes a suspect entry that could not be repaired.
type Remover func(key string) error

// KeyLister enumerates the keys currently eligible for verification.
type KeyLister func() []string

// Stats reports one verification run's outcome.
type Stats struct {
	Checked  int
	Mismatch int
	Repaired int
	Removed  int
}

// Verifier periodically walks a bounded number of entries per run,
// re-verifying checksums and repairing or removing suspect entries.
type Verifier struct {
	cfg     Config
	ring    *Ring
	keys    KeyLister
	read    Reader
	rewrite Rewriter
	remove  Remover
	cursor  int
	stopCh  chan struct{}
	stopped chan struct{}
}

// New binds a verifier to its dependencies. Start begins the background
// loop; RunOnce can be called directly for tests or explicit triggers.
func New(cfg Config, ring *Ring, keys KeyLister, read Reader, rewrite Rewriter, remove Remover) *Verifier {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxEntriesPerRun <= 0 {
		cfg.MaxEntriesPerRun = DefaultConfig().MaxEntriesPerRun
	}
	return &Verifier{cfg: cfg, ring: ring, keys: keys, read: read, rewrite: rewrite, remove: remove}
}

// RunOnce walks up to MaxEntriesPerRun entries (resuming from where the
// previous run left off) and verifies each.
func (v *Verifier) RunOnce() Stats {
	var stats Stats

	all := v.keys()
	if len(all) == 0 {
		return stats
	}

	n := v.cfg.MaxEntriesPerRun
	if n > len(all) {
		n = len(all)
	}

	for i := 0; i < n; i++ {
		idx := (v.cursor + i) % len(all)
		key := all[idx]
		stats.Checked++

		ok, err := v.read(key)
		if err != nil || ok {
			continue
		}

		stats.Mismatch++
		if v.cfg.AutoRepair {
			if data, found := v.ring.Lookup(key); found {
				if rerr := v.rewrite(key, data); rerr == nil {
					stats.Repaired++
					continue
				}
			}
		}

		if rerr := v.remove(key); rerr == nil {
			stats.Removed++
		}
	}

	v.cursor = (v.cursor + n) % len(all)
	return stats
}

// Start runs RunOnce every Interval until Stop is called.
func (v *Verifier) Start() {
	v.stopCh = make(chan struct{})
	v.stopped = make(chan struct{})

	go func() {
		defer close(v.stopped)
		ticker := time.NewTicker(v.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-v.stopCh:
				return
			case <-ticker.C:
				v.RunOnce()
			}
		}
	}()
}

// Stop halts the background loop, if running.
func (v *Verifier) Stop() {
	if v.stopCh == nil {
		return
	}
	close(v.stopCh)
	<-v.stopped
}
