// Package rawdisk implements the raw-disk engine (spec.md §4.10): the
// public blob API binding the allocator, directory, codec, write buffer,
// read path, GC, defragmenter, and verifier into one engine over a single
// device or backing file.
//
// Directory-lock discipline: Engine.mu guards only the dir/alloc pointers
// themselves, never I/O or the directory/allocator's own internal state —
// Directory and Allocator each hold their own mutex protecting their
// contents, so an Engine method holds Engine.mu only long enough to read
// the current *Directory/*Allocator before calling into it. Concurrent
// Lookups, and Lookups racing a Store's allocation phase, take Engine.mu's
// read-lock and run unserialized with respect to each other; only PurgeAll
// and LoadMetadata — which replace the pointers wholesale — take the write
// lock. This is the one place the teacher's own locking idiom (one RWMutex
// held across a whole Get/Put, fine for in-process map or local-file
// access) is generalized rather than copied verbatim, since device-level
// I/O here can block for the duration of a syscall.
package rawdisk

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/yingcaihuang/pingora-slice-sub000/internal/allocator"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/codec"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/defrag"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/directory"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/diskio"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/gc"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/readpath"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/verifier"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/writebuffer"
	"github.com/yingcaihuang/pingora-slice-sub000/pkg/ferrors"
	"github.com/yingcaihuang/pingora-slice-sub000/pkg/utils"
)

// Config configures a new Engine. DevicePath/DeviceSize/BlockSize/
// MetadataRegionSize affect the persisted layout: changing them on an
// existing device without migration reformats the cache (spec.md §6).
// Everything else may change at runtime without data loss.
type Config struct {
	DevicePath         string
	DeviceSize         uint64
	BlockSize          uint32
	MetadataRegionSize uint64
	DirectIO           bool

	TTL              time.Duration
	EvictionPolicy   directory.EvictionPolicy
	AllocStrategy    allocator.Strategy
	Codec            codec.Config
	MmapThreshold    int64
	GC               gc.Config
	Defrag           defrag.Config
	Verifier         verifier.Config

	// Logger receives lifecycle events (store/evict/gc/defrag/verify runs).
	// A nil Logger defaults to an INFO-level logger writing to stderr.
	Logger *utils.Logger
}

// DefaultConfig fills in the spec's suggested defaults for every field
// except DevicePath and DeviceSize, which must be supplied explicitly.
func DefaultConfig() Config {
	return Config{
		BlockSize:          4096,
		MetadataRegionSize: 4 * 1024 * 1024,
		EvictionPolicy:     directory.PolicyLRU,
		AllocStrategy:      allocator.NextFit,
		Codec:              codec.DefaultConfig(),
		MmapThreshold:      readpath.MmapThreshold,
		GC:                 gc.DefaultConfig(),
		Defrag:             defrag.DefaultConfig(),
		Verifier:           verifier.DefaultConfig(),
	}
}

// Stats is a point-in-time snapshot of engine counters, returned by
// Snapshot().
type Stats struct {
	Stores       uint64
	Lookups      uint64
	Hits         uint64
	Misses       uint64
	ChecksumFail uint64
	Removes      uint64
	Evictions    uint64
	Entries      int
	FreeRatio    float64
	Fragmentation float64
}

// Engine is the public blob API over one raw-disk (or file-backed) device.
type Engine struct {
	cfg  Config
	file *diskio.AlignedFile

	mu    sync.RWMutex // guards the dir/alloc pointers; Directory and Allocator each synchronize their own contents internally
	dir   *directory.Directory
	alloc *allocator.Allocator

	reader *readpath.Reader
	wb     *writebuffer.Buffer
	ring   *verifier.Ring
	log    *utils.Logger

	dataRegionStart uint64

	stores, lookups, hits, misses, checksumFail, removes, evictions uint64
	lastVerify atomic.Int64 // unix nano, zero until the first VerifyOnce completes
}

// New opens or initializes a device at cfg.DevicePath. If the device
// already has a valid superblock, it is reopened and its metadata region
// loaded; otherwise it is initialized fresh at cfg.DeviceSize.
func New(cfg Config) (*Engine, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultConfig().BlockSize
	}
	if cfg.MetadataRegionSize == 0 {
		cfg.MetadataRegionSize = DefaultConfig().MetadataRegionSize
	}
	if cfg.DeviceSize == 0 {
		return nil, ferrors.New(ferrors.ErrCodeInvalidConfig, "device_size must be > 0").
			WithComponent("rawdisk").WithOperation("new")
	}

	file, err := diskio.Open(cfg.DevicePath, int(cfg.BlockSize), cfg.DirectIO)
	if err != nil {
		return nil, err
	}

	dataRegionStart := align(SuperblockSize+cfg.MetadataRegionSize, uint64(cfg.BlockSize))
	totalBlocks := (cfg.DeviceSize - dataRegionStart) / uint64(cfg.BlockSize)

	log := cfg.Logger
	if log == nil {
		log = utils.NewLogger(utils.INFO, os.Stderr)
	}

	e := &Engine{
		cfg:             cfg,
		file:            file,
		dataRegionStart: dataRegionStart,
		ring:            verifier.NewRing(cfg.Verifier.RingCapacity),
		log:             log,
	}

	// A superblock carrying this engine's magic but another major format
	// version aborts initialization instead of cold-starting over its data.
	if raw, rerr := file.ReadAligned(0, SuperblockSize); rerr == nil && len(raw) >= 12 &&
		binary.BigEndian.Uint64(raw[0:8]) == SuperblockMagic &&
		binary.BigEndian.Uint32(raw[8:12]) != FormatVersion {
		file.Close()
		return nil, ferrors.New(ferrors.ErrCodeLayoutMismatch, "unsupported superblock format version").
			WithComponent("rawdisk").WithOperation("new")
	}

	sb, loadErr := e.readSuperblock()
	if loadErr == nil {
		e.dir, e.alloc, loadErr = e.loadFromSuperblock(sb)
	}
	if loadErr != nil {
		// Cold start: fresh device, wrong magic, or a metadata checksum
		// mismatch. Per spec.md §6 this never auto-reformats an
		// unrecognized existing device's data silently — it starts the
		// in-memory state empty and leaves the data region untouched
		// until the next explicit save_metadata.
		e.dir = directory.New()
		e.alloc = allocator.New(totalBlocks, cfg.AllocStrategy)
		if err := file.Truncate(int64(cfg.DeviceSize)); err != nil {
			return nil, err
		}
	}

	e.reader = readpath.NewReader(file, cfg.MmapThreshold, nil, nil)
	e.wb = writebuffer.New(writebuffer.DefaultConfig(), func(offset int64, data []byte) error {
		return file.WriteAligned(offset, data)
	})

	e.log.Info("engine opened: device=%s entries=%d free_ratio=%.4f", cfg.DevicePath, e.dir.Len(), e.alloc.FreeRatio())
	return e, nil
}

func align(n, to uint64) uint64 {
	if to == 0 {
		return n
	}
	rem := n % to
	if rem == 0 {
		return n
	}
	return n + (to - rem)
}

func (e *Engine) readSuperblock() (Superblock, error) {
	buf, err := e.file.ReadAligned(0, SuperblockSize)
	if err != nil {
		return Superblock{}, err
	}
	return DecodeSuperblock(buf)
}

func (e *Engine) loadFromSuperblock(sb Superblock) (*directory.Directory, *allocator.Allocator, error) {
	metaBuf, err := e.file.ReadAligned(
		int64(align(sb.MetadataOffset, uint64(e.cfg.BlockSize))),
		int(align(sb.MetadataLength, uint64(e.cfg.BlockSize))),
	)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(metaBuf)) > sb.MetadataLength {
		metaBuf = metaBuf[:sb.MetadataLength]
	}

	dir, bits, err := directory.Load(&byteReader{b: metaBuf})
	if err != nil {
		return nil, nil, err
	}

	totalBlocks := (sb.DeviceSize - e.dataRegionStart) / uint64(sb.BlockSize)
	alloc := allocator.LoadBitmap(bits, totalBlocks, e.cfg.AllocStrategy)
	return dir, alloc, nil
}

// byteReader adapts a []byte to io.Reader with correct io.EOF semantics for
// repeated reads (as io.ReadAll performs internally).
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

func (e *Engine) entryBlocks(storedSize uint64) uint64 {
	total := readpath.HeaderSize + storedSize
	blockSize := uint64(e.cfg.BlockSize)
	return (total + blockSize - 1) / blockSize
}

// Store compresses (maybe), checksums, allocates, writes, and installs a
// directory entry for key. On replace, old blocks are freed only after the
// new entry is durable in the directory.
func (e *Engine) Store(key string, data []byte) error {
	return e.StoreContext(context.Background(), key, data)
}

// StoreContext is Store with a caller-supplied cancellation deadline. A
// context canceled after blocks are allocated but before the directory
// entry is committed frees those blocks before returning, so a canceled
// store never leaks bitmap space (spec.md §5).
func (e *Engine) StoreContext(ctx context.Context, key string, data []byte) error {
	enc, err := codec.Encode(e.cfg.Codec, data)
	if err != nil {
		return err
	}

	blocks := e.entryBlocks(enc.StoredSize)

	e.mu.RLock()
	run, allocErr := e.alloc.Allocate(blocks)
	e.mu.RUnlock()

	if allocErr != nil {
		// One GC attempt before giving up, per spec.md §4.10.
		g := gc.New(e.cfg.GC, e.dir, e.alloc, e.cfg.EvictionPolicy, e.removeNoLock)
		g.Run(time.Now())

		e.mu.RLock()
		run, allocErr = e.alloc.Allocate(blocks)
		e.mu.RUnlock()
		if allocErr != nil {
			return ferrors.New(ferrors.ErrCodeNoSpace, "no space available after gc").
				WithComponent("rawdisk").WithOperation("store").WithCause(allocErr)
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		e.mu.RLock()
		e.alloc.Free(run)
		e.mu.RUnlock()
		return ctxErr
	}

	blockSize := uint64(e.cfg.BlockSize)
	offset := e.dataRegionStart + run.Start*blockSize
	payloadOffset := offset + readpath.HeaderSize

	hdr := readpath.Header{
		Magic:         readpath.HeaderMagic,
		KeyHash:       hashKey(key),
		StoredSize:    uint32(enc.StoredSize),
		OriginalSize:  uint32(enc.OriginalSize),
		Checksum:      enc.Checksum,
		ChecksumAlg:   uint8(enc.ChecksumAlg),
		CompressAlg:   uint8(enc.Algorithm),
		CreatedAtUnix: time.Now().Unix(),
	}
	hdrBytes := hdr.Encode()

	buf := make([]byte, blocks*blockSize)
	copy(buf, hdrBytes[:])
	copy(buf[readpath.HeaderSize:], enc.Stored)

	if werr := e.wb.Queue(int64(offset), buf); werr != nil {
		e.mu.RLock()
		e.alloc.Free(run)
		e.mu.RUnlock()
		return werr
	}

	e.ring.Record(key, data)

	now := time.Now()
	loc := directory.Location{
		Offset:       payloadOffset,
		StoredSize:   enc.StoredSize,
		OriginalSize: enc.OriginalSize,
		Checksum:     enc.Checksum,
		ChecksumAlg:  enc.ChecksumAlg,
		Compressed:   enc.Compressed,
		CompressAlg:  enc.Algorithm,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  0,
	}

	e.mu.RLock()
	old, hadOld := e.dir.Put(key, loc)
	e.mu.RUnlock()

	if hadOld {
		e.mu.RLock()
		e.alloc.Free(allocator.Run{Start: (old.Offset - readpath.HeaderSize - e.dataRegionStart) / blockSize, Length: e.entryBlocks(old.StoredSize)})
		e.mu.RUnlock()
	}

	atomic.AddUint64(&e.stores, 1)
	e.log.Debug("store key=%s stored_size=%d blocks=%d", key, enc.StoredSize, blocks)
	return nil
}

// Lookup returns an entry's bytes, or (nil, false) on miss, expiry, or
// checksum failure (all of which look like misses to the caller).
func (e *Engine) Lookup(key string) ([]byte, bool) {
	atomic.AddUint64(&e.lookups, 1)

	e.mu.RLock()
	loc, ok := e.dir.Get(key)
	e.mu.RUnlock()
	if !ok {
		atomic.AddUint64(&e.misses, 1)
		return nil, false
	}

	if e.cfg.TTL > 0 && time.Since(loc.CreatedAt) >= e.cfg.TTL {
		e.mu.RLock()
		e.dir.Delete(key)
		e.mu.RUnlock()
		atomic.AddUint64(&e.misses, 1)
		return nil, false
	}

	ref := readpath.EntryRef{
		Offset:       int64(loc.Offset),
		StoredSize:   int64(loc.StoredSize),
		OriginalSize: int64(loc.OriginalSize),
		Compressed:   loc.Compressed,
		Algorithm:    loc.CompressAlg,
		Checksum:     loc.Checksum,
		ChecksumAlg:  loc.ChecksumAlg,
	}

	data, err := e.readEntry(ref)
	if err != nil {
		atomic.AddUint64(&e.checksumFail, 1)
		e.mu.RLock()
		e.dir.Delete(key)
		e.mu.RUnlock()
		atomic.AddUint64(&e.misses, 1)
		return nil, false
	}

	atomic.AddUint64(&e.hits, 1)
	return data, true
}

// readEntry serves ref's payload from the write buffer's pending-write
// overlay when still unflushed (so a store is visible to a same-process
// lookup before the next flush), falling back to the durable copying read
// path otherwise.
func (e *Engine) readEntry(ref readpath.EntryRef) ([]byte, error) {
	blockSize := int64(e.cfg.BlockSize)
	winStart := (ref.Offset / blockSize) * blockSize
	winEnd := ((ref.Offset + ref.StoredSize + blockSize - 1) / blockSize) * blockSize

	if window, found := e.wb.Peek(winStart, int(winEnd-winStart)); found {
		innerOffset := ref.Offset - winStart
		stored := window[innerOffset : innerOffset+ref.StoredSize]

		if err := codec.Verify(ref.ChecksumAlg, stored, uint64(ref.Checksum)); err != nil {
			return nil, err
		}
		if !ref.Compressed {
			return append([]byte(nil), stored...), nil
		}
		return codec.Decode(stored, ref.Algorithm, ref.ChecksumAlg, uint64(ref.Checksum), uint64(ref.OriginalSize))
	}

	return e.reader.CopyingRead(ref)
}

// Remove frees key's blocks and deletes its directory entry, reporting
// whether it existed.
func (e *Engine) Remove(key string) bool {
	e.mu.RLock()
	loc, ok := e.dir.Delete(key)
	e.mu.RUnlock()
	if !ok {
		return false
	}

	blockSize := uint64(e.cfg.BlockSize)
	blockStart := (loc.Offset - readpath.HeaderSize - e.dataRegionStart) / blockSize
	e.mu.RLock()
	e.alloc.Free(allocator.Run{Start: blockStart, Length: e.entryBlocks(loc.StoredSize)})
	e.mu.RUnlock()

	atomic.AddUint64(&e.removes, 1)
	e.log.Debug("remove key=%s", key)
	return true
}

// removeNoLock matches gc.Remover's signature for the GC's internal use;
// Remove already manages its own locking so this is a thin adapter.
func (e *Engine) removeNoLock(key string) error {
	e.Remove(key)
	return nil
}

// PurgeByPrefix deletes every entry whose key starts with prefix and
// returns how many were removed.
func (e *Engine) PurgeByPrefix(prefix string) int {
	e.mu.RLock()
	keys := e.dir.KeysWithPrefix(prefix)
	e.mu.RUnlock()

	n := 0
	for _, k := range keys {
		if e.Remove(k) {
			n++
		}
	}
	e.log.Info("purge_by_prefix prefix=%q removed=%d", prefix, n)
	return n
}

// PurgeAll clears the directory and resets the bitmap to empty. The data
// region is left unreferenced, not zeroed.
func (e *Engine) PurgeAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.dir.Clear()
	e.alloc = allocator.New(e.alloc.TotalBlocks(), e.cfg.AllocStrategy)
	e.log.Info("purge_all removed=%d", n)
	return n
}

// VerifyOnce runs one background-verifier pass (spec.md §4.9) over a bounded
// number of entries, repairing from the recent-writes ring or removing
// suspect entries whose checksum no longer matches.
func (e *Engine) VerifyOnce() verifier.Stats {
	v := verifier.New(e.cfg.Verifier, e.ring,
		func() []string {
			e.mu.RLock()
			defer e.mu.RUnlock()
			return e.dir.KeysWithPrefix("")
		},
		func(key string) (bool, error) {
			e.mu.RLock()
			loc, ok := e.dir.Peek(key)
			e.mu.RUnlock()
			if !ok {
				return true, nil
			}
			ref := readpath.EntryRef{
				Offset: int64(loc.Offset), StoredSize: int64(loc.StoredSize), OriginalSize: int64(loc.OriginalSize),
				Compressed: loc.Compressed, Algorithm: loc.CompressAlg, Checksum: loc.Checksum, ChecksumAlg: loc.ChecksumAlg,
			}
			_, err := e.reader.CopyingRead(ref)
			return err == nil, nil
		},
		func(key string, data []byte) error {
			return e.Store(key, data)
		},
		e.removeNoLock,
	)
	stats := v.RunOnce()
	e.lastVerify.Store(time.Now().UnixNano())
	e.log.Debug("verify_once checked=%d repaired=%d removed=%d", stats.Checked, stats.Repaired, stats.Removed)
	return stats
}

// LastVerify returns the completion time of the most recent VerifyOnce
// pass, or the zero time if none has run yet.
func (e *Engine) LastVerify() time.Time {
	nano := e.lastVerify.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// Fragmentation reports the allocator's current fragmentation ratio.
func (e *Engine) Fragmentation() float64 {
	return e.alloc.Fragmentation()
}

// RunSmartGC runs one Smart GC pass and returns the number of entries
// evicted.
func (e *Engine) RunSmartGC() int {
	g := gc.New(e.cfg.GC, e.dir, e.alloc, e.cfg.EvictionPolicy, e.removeNoLock)
	g.SamplePressure()
	if !g.ShouldRun(time.Now()) {
		return 0
	}
	evicted := g.Run(time.Now()).Evicted
	if evicted > 0 {
		e.log.Info("smart_gc evicted=%d", evicted)
	}
	return evicted
}

// Defragment runs one defragmentation pass, moving tail entries into head
// gaps, and returns the number moved.
func (e *Engine) Defragment() int {
	blockSize := uint64(e.cfg.BlockSize)
	d := defrag.New(defrag.Config{BatchSize: e.cfg.Defrag.BatchSize, Incremental: e.cfg.Defrag.Incremental, BlockSize: blockSize},
		e.dir, e.alloc, func(key string, old directory.Location, newRun allocator.Run) (directory.Location, error) {
			ref := readpath.EntryRef{
				Offset: int64(old.Offset), StoredSize: int64(old.StoredSize), OriginalSize: int64(old.OriginalSize),
				Compressed: old.Compressed, Algorithm: old.CompressAlg, Checksum: old.Checksum, ChecksumAlg: old.ChecksumAlg,
			}
			data, err := e.readEntry(ref)
			if err != nil {
				return directory.Location{}, err
			}

			newOffset := e.dataRegionStart + newRun.Start*blockSize
			payloadOffset := newOffset + readpath.HeaderSize

			hdr := readpath.Header{
				Magic: readpath.HeaderMagic, KeyHash: hashKey(key),
				StoredSize: uint32(old.StoredSize), OriginalSize: uint32(old.OriginalSize),
				Checksum: old.Checksum, ChecksumAlg: uint8(old.ChecksumAlg), CompressAlg: uint8(old.CompressAlg),
				CreatedAtUnix: old.CreatedAt.Unix(),
			}
			hdrBytes := hdr.Encode()
			buf := make([]byte, newRun.Length*blockSize)
			copy(buf, hdrBytes[:])
			copy(buf[readpath.HeaderSize:], data)

			if werr := e.file.WriteAligned(int64(newOffset), buf); werr != nil {
				return directory.Location{}, werr
			}

			newRef := ref
			newRef.Offset = int64(payloadOffset)
			if _, verr := e.reader.CopyingRead(newRef); verr != nil {
				return directory.Location{}, verr
			}

			newLoc := old
			newLoc.Offset = payloadOffset
			return newLoc, nil
		})

	stats := d.Run()
	if stats.Moved > 0 || stats.FailedMoves > 0 {
		e.log.Info("defragment moved=%d failed=%d", stats.Moved, stats.FailedMoves)
	}
	return stats.Moved
}

// Flush forces every pending write-buffered write to disk, promising
// crash-durability for entries stored since the last flush (spec.md §4.5).
func (e *Engine) Flush() error {
	if err := e.wb.FlushAll(); err != nil {
		return err
	}
	return e.file.Sync()
}

// SaveMetadata flushes pending writes, then persists the directory and
// bitmap into the metadata region and rewrites the superblock to point at
// it — the crash-durability promise from spec.md §4.5 only holds once both
// have completed.
func (e *Engine) SaveMetadata() error {
	if err := e.Flush(); err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var buf writerBuf
	if err := e.dir.Save(&buf, e.alloc.Bitmap()); err != nil {
		return err
	}

	metaOffset := align(SuperblockSize, uint64(e.cfg.BlockSize))
	metaLen := align(uint64(len(buf.data)), uint64(e.cfg.BlockSize))

	padded := make([]byte, metaLen)
	copy(padded, buf.data)
	if err := e.file.WriteAligned(int64(metaOffset), padded); err != nil {
		return err
	}

	sb := Superblock{
		Magic:          SuperblockMagic,
		FormatVersion:  FormatVersion,
		BlockSize:      e.cfg.BlockSize,
		DeviceSize:     e.cfg.DeviceSize,
		MetadataOffset: metaOffset,
		MetadataLength: uint64(len(buf.data)),
	}
	sbBuf := sb.Encode()
	return e.file.WriteAligned(0, sbBuf)
}

// LoadMetadata reloads the directory and bitmap from the persisted
// superblock, discarding in-memory state. On any integrity failure it
// leaves the engine's existing in-memory state untouched and returns an
// error (cold start is the caller's decision at New time, not here).
func (e *Engine) LoadMetadata() error {
	sb, err := e.readSuperblock()
	if err != nil {
		return err
	}
	dir, alloc, err := e.loadFromSuperblock(sb)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.dir = dir
	e.alloc = alloc
	e.mu.Unlock()
	return nil
}

// Snapshot returns a point-in-time view of engine counters.
func (e *Engine) Snapshot() Stats {
	return Stats{
		Stores:        atomic.LoadUint64(&e.stores),
		Lookups:       atomic.LoadUint64(&e.lookups),
		Hits:          atomic.LoadUint64(&e.hits),
		Misses:        atomic.LoadUint64(&e.misses),
		ChecksumFail:  atomic.LoadUint64(&e.checksumFail),
		Removes:       atomic.LoadUint64(&e.removes),
		Evictions:     atomic.LoadUint64(&e.evictions),
		Entries:       e.dir.Len(),
		FreeRatio:     e.alloc.FreeRatio(),
		Fragmentation: e.alloc.Fragmentation(),
	}
}

// HealthCheck reports whether the allocator's free ratio is above 1%. It
// does not probe the device itself.
func (e *Engine) HealthCheck() bool {
	return e.alloc.FreeRatio() > 0.01
}

// Close flushes pending writes and closes the underlying device.
func (e *Engine) Close() error {
	if err := e.wb.Close(); err != nil {
		return err
	}
	return e.file.Close()
}

// writerBuf is a tiny io.Writer over an in-memory byte slice, avoiding a
// bytes.Buffer import purely for Save's sink.
type writerBuf struct{ data []byte }

func (w *writerBuf) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}
