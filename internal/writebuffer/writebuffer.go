// Package writebuffer queues pending aligned L2 writes and merges adjacent
// ones at flush time, per spec.md §4.5. Shape adapted from
// internal/buffer/writebuffer.go: a list of pending writes, a stop channel
// plus ticker-driven background loop, and a flush callback invoked once per
// merged run.
package writebuffer

import (
	"sort"
	"sync"
	"time"

	"github.com/yingcaihuang/pingora-slice-sub000/pkg/ferrors"
)

// MaxMergeGap is the largest offset gap between two pending writes that
// still get coalesced into a single flush write.
const MaxMergeGap = 64 * 1024

// Config controls flush triggers.
type Config struct {
	MaxBatch     int           // flush when pending count reaches this
	MaxBuffer    int64         // flush when pending bytes reach this
	FlushEvery   time.Duration // periodic flush of stale pending writes
}

// DefaultConfig returns the spec's suggested flush thresholds.
func DefaultConfig() Config {
	return Config{
		MaxBatch:   256,
		MaxBuffer:  16 * 1024 * 1024,
		FlushEvery: 5 * time.Second,
	}
}

// pending is one queued (offset, bytes) write.
type pending struct {
	offset int64
	data   []byte
	queued time.Time
}

// FlushFunc performs the actual aligned write for one merged run.
type FlushFunc func(offset int64, data []byte) error

// Stats reports aggregate write-buffer counters.
type Stats struct {
	PendingCount int
	PendingBytes int64
	TotalFlushes uint64
	TotalMerges  uint64
	Errors       uint64
}

// Buffer queues pending writes for one engine's device and merges adjacent
// runs at flush time.
type Buffer struct {
	mu      sync.Mutex
	cfg     Config
	items   []pending
	flush   FlushFunc
	stats   Stats
	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates a write buffer that calls flush for each merged run produced
// by Flush/FlushAll. A background goroutine periodically flushes stale
// pending writes every cfg.FlushEvery.
func New(cfg Config, flush FlushFunc) *Buffer {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultConfig().MaxBatch
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = DefaultConfig().MaxBuffer
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = DefaultConfig().FlushEvery
	}

	b := &Buffer{
		cfg:     cfg,
		flush:   flush,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go b.loop()
	return b
}

// Queue adds a pending write. It does not flush immediately unless the
// configured thresholds are crossed.
func (b *Buffer) Queue(offset int64, data []byte) error {
	b.mu.Lock()
	b.items = append(b.items, pending{offset: offset, data: append([]byte(nil), data...), queued: time.Now()})
	count := len(b.items)
	var bytes int64
	for _, it := range b.items {
		bytes += int64(len(it.data))
	}
	b.mu.Unlock()

	if count >= b.cfg.MaxBatch || bytes >= b.cfg.MaxBuffer {
		return b.FlushAll()
	}
	return nil
}

// Peek returns the bytes covering [offset, offset+length) if a single
// still-pending write fully contains that range, so a reader can see bytes
// that are visible-but-not-yet-durable in this process, per spec.md §4.5's
// durability contract.
func (b *Buffer) Peek(offset int64, length int) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.items) - 1; i >= 0; i-- {
		it := b.items[i]
		itEnd := it.offset + int64(len(it.data))
		if it.offset <= offset && offset+int64(length) <= itEnd {
			start := offset - it.offset
			out := make([]byte, length)
			copy(out, it.data[start:start+int64(length)])
			return out, true
		}
	}
	return nil, false
}

// FlushAll merges and writes every pending write, smallest offset first.
func (b *Buffer) FlushAll() error {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	sort.Slice(items, func(i, j int) bool { return items[i].offset < items[j].offset })

	runs := mergeRuns(items)

	b.mu.Lock()
	b.stats.TotalMerges += uint64(len(items) - len(runs))
	b.mu.Unlock()

	for _, r := range runs {
		if err := b.flush(r.offset, r.data); err != nil {
			b.mu.Lock()
			b.stats.Errors++
			b.mu.Unlock()
			return ferrors.New(ferrors.ErrCodeIO, "write buffer flush failed").
				WithComponent("writebuffer").WithOperation("flush").WithCause(err).
				WithDetail("offset", r.offset)
		}
		b.mu.Lock()
		b.stats.TotalFlushes++
		b.mu.Unlock()
	}
	return nil
}

// mergeRuns coalesces offset-sorted pending writes whose gap is <= MaxMergeGap
// into single contiguous byte slices, zero-filling any gap bytes.
func mergeRuns(sorted []pending) []pending {
	if len(sorted) == 0 {
		return nil
	}

	var runs []pending
	cur := pending{offset: sorted[0].offset, data: append([]byte(nil), sorted[0].data...)}

	for _, it := range sorted[1:] {
		curEnd := cur.offset + int64(len(cur.data))
		gap := it.offset - curEnd
		if gap >= 0 && gap <= MaxMergeGap {
			if gap > 0 {
				cur.data = append(cur.data, make([]byte, gap)...)
			}
			overlap := curEnd + gap - it.offset
			if overlap < 0 {
				overlap = 0
			}
			if int64(len(it.data)) > overlap {
				cur.data = append(cur.data, it.data[overlap:]...)
			}
			continue
		}
		runs = append(runs, cur)
		cur = pending{offset: it.offset, data: append([]byte(nil), it.data...)}
	}
	runs = append(runs, cur)
	return runs
}

// Stats returns a snapshot of current buffer statistics.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.PendingCount = len(b.items)
	for _, it := range b.items {
		s.PendingBytes += int64(len(it.data))
	}
	return s
}

func (b *Buffer) loop() {
	defer close(b.stopped)

	ticker := time.NewTicker(b.cfg.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			_ = b.FlushAll()
			return
		case <-ticker.C:
			b.mu.Lock()
			stale := false
			for _, it := range b.items {
				if time.Since(it.queued) > b.cfg.FlushEvery {
					stale = true
					break
				}
			}
			b.mu.Unlock()
			if stale {
				_ = b.FlushAll()
			}
		}
	}
}

// Close flushes any remaining pending writes and stops the background loop.
func (b *Buffer) Close() error {
	close(b.stopCh)
	<-b.stopped
	return nil
}
