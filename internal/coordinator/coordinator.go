// Package coordinator implements the two-tier coordinator (spec.md §4.12):
// one L1 in front of one L2 backend (raw-disk engine or file-per-entry),
// with L1 writes synchronous and L2 writes applied by a single background
// writer task draining a bounded, non-blocking channel. Shape adapted from
// internal/cache/multilevel.go's MultiLevelCache, narrowed from N
// configurable levels down to exactly L1 + one L2, and from its
// inclusive/exclusive/hybrid write-policy switch to the spec's fixed
// write-through-on-write / inclusive-on-read-promotion policy. The writer
// task's lifetime is supervised by a sourcegraph/conc conc.WaitGroup rather
// than a plain sync.WaitGroup, so a panic inside writerLoop propagates out
// of Close() instead of crashing the process silently.
package coordinator

import (
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/yingcaihuang/pingora-slice-sub000/internal/l1"
)

// L2 is the contract both L2 backends satisfy (internal/rawdisk.Engine and
// internal/fileentry.Store), kept narrow so the coordinator never imports
// either backend package directly.
type L2 interface {
	Store(key string, data []byte) error
	Lookup(key string) ([]byte, bool)
	Remove(key string) bool
	PurgeByPrefix(prefix string) int
	PurgeAll() int
}

// Config controls the coordinator's L1 sizing and writer backpressure.
type Config struct {
	L1               l1.Config
	WriterQueueDepth int
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{
		L1:               l1.DefaultConfig(),
		WriterQueueDepth: 1024,
	}
}

type opKind int

const (
	opStore opKind = iota
	opDelete
	opPurgePrefix
	opPurgeAll
	opBarrier
)

// l2Msg is one queued mutation for the background writer task. expiresAt is
// carried for parity with spec.md §4.12's Write(key, bytes, expires_at)
// message shape; both L2 backends currently apply one engine-wide TTL
// (checked at lookup time, per spec.md §4.2/§4.3) rather than a per-entry
// override, so it is not consumed downstream yet. done is set only on a
// barrier message (see Flush) and closed once the writer reaches it.
type l2Msg struct {
	kind      opKind
	key       string
	data      []byte
	expiresAt time.Time
	done      chan struct{}
}

// Stats aggregates counters across L1, the L2 writer, and lookups.
type Stats struct {
	L1 l1.Stats

	L2Writes        uint64
	L2Deletes       uint64
	L2Errors        uint64
	BackpressureDrops uint64

	PromotedFromL2 uint64
}

// Coordinator owns one L1 cache and one L2 backend, applying L2 mutations
// asynchronously through a single writer goroutine.
type Coordinator struct {
	cfg Config
	l1  *l1.Cache
	l2  L2

	queue chan l2Msg
	wg    conc.WaitGroup

	l2Writes, l2Deletes, l2Errors, drops, promoted uint64
}

// New binds a coordinator to l2 and starts its background writer task.
func New(cfg Config, l2 L2) *Coordinator {
	if cfg.WriterQueueDepth <= 0 {
		cfg.WriterQueueDepth = DefaultConfig().WriterQueueDepth
	}

	c := &Coordinator{
		cfg:   cfg,
		l1:    l1.New(cfg.L1),
		l2:    l2,
		queue: make(chan l2Msg, cfg.WriterQueueDepth),
	}

	c.wg.Go(c.writerLoop)

	return c
}

// Lookup checks L1 first; on miss it reads L2 and, on an L2 hit, promotes
// the value into L1 before returning it. An L2 error or miss is reported as
// a plain miss to the caller, per spec.md §4.12's failure semantics.
func (c *Coordinator) Lookup(key string) ([]byte, bool) {
	if data, ok := c.l1.Get(key); ok {
		return data, true
	}

	data, ok := c.l2.Lookup(key)
	if !ok {
		return nil, false
	}

	c.l1.Put(key, data)
	atomic.AddUint64(&c.promoted, 1)
	return data, true
}

// Store writes through to L1 synchronously and enqueues the L2 write.
// Under writer backpressure the L2 write is dropped (logged via the
// BackpressureDrops counter) and the store still reports success, matching
// spec.md §7's BackpressureDrop contract.
func (c *Coordinator) Store(key string, data []byte) error {
	c.l1.Put(key, data)

	msg := l2Msg{kind: opStore, key: key, data: append([]byte(nil), data...)}
	select {
	case c.queue <- msg:
	default:
		atomic.AddUint64(&c.drops, 1)
	}
	return nil
}

// Remove deletes key from L1 synchronously and enqueues an L2 deletion. It
// reports whether the key was present in L1.
func (c *Coordinator) Remove(key string) bool {
	existed := c.l1.Delete(key)

	msg := l2Msg{kind: opDelete, key: key}
	select {
	case c.queue <- msg:
	default:
		atomic.AddUint64(&c.drops, 1)
	}
	return existed
}

// PurgeByPrefix removes every key under prefix from L1 synchronously and
// enqueues the same purge against L2.
func (c *Coordinator) PurgeByPrefix(prefix string) int {
	keys := c.l1.KeysWithPrefix(prefix)
	for _, k := range keys {
		c.l1.Delete(k)
	}

	msg := l2Msg{kind: opPurgePrefix, key: prefix}
	select {
	case c.queue <- msg:
	default:
		atomic.AddUint64(&c.drops, 1)
	}
	return len(keys)
}

// PurgeAll clears L1 synchronously and enqueues a full L2 purge.
func (c *Coordinator) PurgeAll() int {
	n := c.l1.Clear()

	msg := l2Msg{kind: opPurgeAll}
	select {
	case c.queue <- msg:
	default:
		atomic.AddUint64(&c.drops, 1)
	}
	return n
}

// Stats returns a snapshot of coordinator and L1 counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		L1:                c.l1.Stats(),
		L2Writes:          atomic.LoadUint64(&c.l2Writes),
		L2Deletes:         atomic.LoadUint64(&c.l2Deletes),
		L2Errors:          atomic.LoadUint64(&c.l2Errors),
		BackpressureDrops: atomic.LoadUint64(&c.drops),
		PromotedFromL2:    atomic.LoadUint64(&c.promoted),
	}
}

// Flush blocks until every L2 mutation queued before this call has been
// applied, by enqueueing a barrier message and waiting for the writer to
// reach it. Used by tests and graceful shutdown, since the channel alone
// gives no way to observe drain completion.
func (c *Coordinator) Flush() {
	done := make(chan struct{})
	c.queue <- l2Msg{kind: opBarrier, done: done}
	<-done
}

// Close stops the background writer after draining its queue.
func (c *Coordinator) Close() {
	close(c.queue)
	c.wg.Wait()
}

func (c *Coordinator) writerLoop() {
	for msg := range c.queue {
		switch msg.kind {
		case opStore:
			if err := c.l2.Store(msg.key, msg.data); err != nil {
				atomic.AddUint64(&c.l2Errors, 1)
				continue
			}
			atomic.AddUint64(&c.l2Writes, 1)
		case opDelete:
			c.l2.Remove(msg.key)
			atomic.AddUint64(&c.l2Deletes, 1)
		case opPurgePrefix:
			c.l2.PurgeByPrefix(msg.key)
		case opPurgeAll:
			c.l2.PurgeAll()
		case opBarrier:
			close(msg.done)
		}
	}
}
