// Package diskio implements aligned direct I/O over the L2 device/file:
// read_aligned/write_aligned/write_unaligned/sync, with a capability flag
// reported when the host can't do O_DIRECT-class I/O, per spec.md §4.1.
package diskio

import (
	"os"
	"runtime"
	"sync"

	"github.com/yingcaihuang/pingora-slice-sub000/pkg/ferrors"
)

// Capabilities describes what this build/host combination actually
// supports; AlignedFile.Capabilities reports it so callers (and tests on
// darwin/CI) can exercise the same interface either way.
type Capabilities struct {
	DirectIO bool
}

// AlignedFile wraps an *os.File opened for aligned block I/O against the
// L2 device or backing file.
type AlignedFile struct {
	mu        sync.Mutex
	f         *os.File
	alignment int
	caps      Capabilities
	pool      *AlignedPool
}

// Open opens path for read-write aligned I/O. If direct is true and the
// platform supports O_DIRECT, the file is opened with it; otherwise
// AlignedFile transparently falls back to buffered I/O and reports
// Capabilities.DirectIO == false. alignment must be >= 512 and a power of
// two (conservatively 4096, the default sector size).
func Open(path string, alignment int, direct bool) (*AlignedFile, error) {
	if alignment <= 0 {
		alignment = 4096
	}

	flags := os.O_RDWR | os.O_CREATE
	useDirect := direct && platformSupportsDirectIO && runtime.GOOS == "linux"
	if useDirect {
		flags |= directIOFlag
	}

	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil && useDirect {
		// Some filesystems (tmpfs, overlayfs) reject O_DIRECT with
		// EINVAL; retry buffered rather than fail initialization.
		useDirect = false
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	}
	if err != nil {
		return nil, ferrors.New(ferrors.ErrCodeIO, "failed to open device file").
			WithComponent("diskio").WithOperation("open").WithCause(err).
			WithDetail("path", path)
	}

	return &AlignedFile{
		f:         f,
		alignment: alignment,
		caps:      Capabilities{DirectIO: useDirect},
		pool:      NewAlignedPool(alignment),
	}, nil
}

// Capabilities reports what this open file actually supports.
func (af *AlignedFile) Capabilities() Capabilities { return af.caps }

// Alignment returns the configured sector alignment.
func (af *AlignedFile) Alignment() int { return af.alignment }

// Pool exposes the aligned buffer pool so higher layers (readpath) can
// borrow from the same allocation-free rotation.
func (af *AlignedFile) Pool() *AlignedPool { return af.pool }

func (af *AlignedFile) isAligned(offset int64, length int) bool {
	a := int64(af.alignment)
	return offset%a == 0 && int64(length)%a == 0
}

// ReadAligned reads length bytes at offset, both of which must be multiples
// of Alignment(); violations fail with ErrCodeAlignment rather than being
// silently rounded.
func (af *AlignedFile) ReadAligned(offset int64, length int) ([]byte, error) {
	if !af.isAligned(offset, length) {
		return nil, ferrors.New(ferrors.ErrCodeAlignment, "read offset/length not aligned").
			WithComponent("diskio").WithOperation("read_aligned").
			WithDetail("offset", offset).WithDetail("length", length).
			WithDetail("alignment", af.alignment)
	}

	buf := af.pool.Get(length)
	af.mu.Lock()
	n, err := af.f.ReadAt(buf, offset)
	af.mu.Unlock()
	if err != nil && n == 0 {
		af.pool.Put(buf)
		return nil, ferrors.New(ferrors.ErrCodeIO, "aligned read failed").
			WithComponent("diskio").WithOperation("read_aligned").WithCause(err)
	}
	return buf[:n], nil
}

// WriteAligned writes data at offset; both must be multiples of
// Alignment().
func (af *AlignedFile) WriteAligned(offset int64, data []byte) error {
	if !af.isAligned(offset, len(data)) {
		return ferrors.New(ferrors.ErrCodeAlignment, "write offset/length not aligned").
			WithComponent("diskio").WithOperation("write_aligned").
			WithDetail("offset", offset).WithDetail("length", len(data)).
			WithDetail("alignment", af.alignment)
	}

	af.mu.Lock()
	_, err := af.f.WriteAt(data, offset)
	af.mu.Unlock()
	if err != nil {
		return ferrors.New(ferrors.ErrCodeIO, "aligned write failed").
			WithComponent("diskio").WithOperation("write_aligned").WithCause(err)
	}
	return nil
}

// WriteUnaligned performs a read-modify-write across the covering aligned
// window for writes that cannot avoid sub-sector offsets/lengths —
// internal layers only; the public write_aligned contract never needs it.
func (af *AlignedFile) WriteUnaligned(offset int64, data []byte) error {
	a := int64(af.alignment)
	winStart := (offset / a) * a
	winEnd := ((offset + int64(len(data)) + a - 1) / a) * a
	winLen := int(winEnd - winStart)

	window, err := af.ReadAligned(winStart, winLen)
	if err != nil {
		// Window may be entirely unwritten on a fresh device; treat
		// read failure as a zero-filled window rather than aborting.
		window = af.pool.Get(winLen)
	}
	defer af.pool.Put(window)

	copyStart := int(offset - winStart)
	copy(window[copyStart:copyStart+len(data)], data)

	return af.WriteAligned(winStart, window)
}

// Sync issues a durable barrier over the whole file.
func (af *AlignedFile) Sync() error {
	af.mu.Lock()
	err := af.f.Sync()
	af.mu.Unlock()
	if err != nil {
		return ferrors.New(ferrors.ErrCodeIO, "sync failed").
			WithComponent("diskio").WithOperation("sync").WithCause(err)
	}
	return nil
}

// Truncate grows or shrinks the underlying file to size bytes; used once
// at initialization to pre-size a file-backed device.
func (af *AlignedFile) Truncate(size int64) error {
	af.mu.Lock()
	err := af.f.Truncate(size)
	af.mu.Unlock()
	if err != nil {
		return ferrors.New(ferrors.ErrCodeIO, "truncate failed").
			WithComponent("diskio").WithOperation("truncate").WithCause(err)
	}
	return nil
}

// Fd exposes the raw file descriptor for mmap/sendfile use by readpath.
func (af *AlignedFile) Fd() uintptr { return af.f.Fd() }

// File exposes the underlying *os.File for readpath's mmap/sendfile calls.
func (af *AlignedFile) File() *os.File { return af.f }

// Close closes the underlying file.
func (af *AlignedFile) Close() error {
	af.mu.Lock()
	defer af.mu.Unlock()
	return af.f.Close()
}
