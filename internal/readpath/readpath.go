package readpath

import (
	"sync"
	"sync/atomic"

	"github.com/yingcaihuang/pingora-slice-sub000/internal/codec"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/diskio"
	"github.com/yingcaihuang/pingora-slice-sub000/pkg/ferrors"
)

// MmapThreshold is the default threshold NewReader records for a Reader.
// Reader does not choose a read path by entry size itself: the caller
// picks CopyingRead or MappedRead.
const MmapThreshold = 64 * 1024

// Reader binds the copying/mmap/sendfile read paths to one L2 device.
type Reader struct {
	file          *diskio.AlignedFile
	mmapThreshold int64
	mmapper       Mmapper
	sender        Sender
}

// Mmapper abstracts unix.Mmap/unix.Munmap so tests can run without a real
// mmap-capable file descriptor.
type Mmapper interface {
	Map(fd uintptr, offset int64, length int) ([]byte, error)
	Unmap(b []byte) error
}

// Sender abstracts unix.Sendfile for the kernel file->socket path.
type Sender interface {
	Supported() bool
	SendFile(dstFD int, srcFD uintptr, offset int64, count int) (int, error)
}

// NewReader binds a reader to file, using mmapper/sender for the
// platform-specific syscalls. Either may be nil to disable that path
// (CopyingRead still works).
func NewReader(file *diskio.AlignedFile, mmapThreshold int64, mmapper Mmapper, sender Sender) *Reader {
	if mmapThreshold <= 0 {
		mmapThreshold = MmapThreshold
	}
	return &Reader{file: file, mmapThreshold: mmapThreshold, mmapper: mmapper, sender: sender}
}

// EntryRef names one on-disk entry's location, independent of the
// directory/location types so this package stays decoupled from it.
type EntryRef struct {
	Offset       int64
	StoredSize   int64
	OriginalSize int64
	Compressed   bool
	Algorithm    codec.CompressionAlgorithm
	Checksum     uint64
	ChecksumAlg  codec.ChecksumAlgorithm
	Alignment    int
}

func (e EntryRef) alignedWindow(alignment int64) (winStart, winLen int64) {
	winStart = (e.Offset / alignment) * alignment
	winEnd := ((e.Offset + e.StoredSize + alignment - 1) / alignment) * alignment
	return winStart, winEnd - winStart
}

// CopyingRead reads ref's bytes through aligned disk I/O, verifies the
// checksum, decompresses if needed, and returns an owned buffer.
func (r *Reader) CopyingRead(ref EntryRef) ([]byte, error) {
	alignment := int64(r.file.Alignment())
	winStart, winLen := ref.alignedWindow(alignment)

	window, err := r.file.ReadAligned(winStart, int(winLen))
	if err != nil {
		return nil, err
	}

	innerOffset := ref.Offset - winStart
	stored := make([]byte, ref.StoredSize)
	copy(stored, window[innerOffset:innerOffset+ref.StoredSize])

	if err := codec.Verify(ref.ChecksumAlg, stored, ref.Checksum); err != nil {
		return nil, ferrors.New(ferrors.ErrCodeChecksumMismatch, "entry checksum mismatch").
			WithComponent("readpath").WithOperation("copying_read").WithCause(err)
	}

	if !ref.Compressed {
		return stored, nil
	}
	return codec.Decode(stored, ref.Algorithm, ref.ChecksumAlg, ref.Checksum, uint64(ref.OriginalSize))
}

// mappedView is a refcounted view over an mmap'd aligned window; release
// unmaps only once the last reader has dropped it.
type mappedView struct {
	mu       sync.Mutex
	data     []byte
	refs     int32
	unmap    func([]byte) error
	released bool
}

func (v *mappedView) acquire() {
	atomic.AddInt32(&v.refs, 1)
}

// Release drops one reference; the last release unmaps the view.
func (v *mappedView) Release() error {
	if atomic.AddInt32(&v.refs, -1) > 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.released {
		return nil
	}
	v.released = true
	return v.unmap(v.data)
}

// Bytes returns the view's backing slice. Valid until Release is called by
// every acquirer.
func (v *mappedView) Bytes() []byte { return v.data }

// MappedRead maps the aligned window containing ref and returns a
// refcounted view over the entry's payload bytes. Not valid for compressed
// entries; callers must fall back to CopyingRead for those.
func (r *Reader) MappedRead(ref EntryRef) (*mappedView, error) {
	if ref.Compressed {
		return nil, ferrors.New(ferrors.ErrCodeUnsupported, "mapped read unsupported for compressed entries").
			WithComponent("readpath").WithOperation("mapped_read")
	}
	if r.mmapper == nil {
		return nil, ferrors.New(ferrors.ErrCodeUnsupported, "mmap not available on this platform").
			WithComponent("readpath").WithOperation("mapped_read")
	}

	alignment := int64(r.file.Alignment())
	winStart, winLen := ref.alignedWindow(alignment)

	mapped, err := r.mmapper.Map(r.file.Fd(), winStart, int(winLen))
	if err != nil {
		return nil, ferrors.New(ferrors.ErrCodeIO, "mmap failed").
			WithComponent("readpath").WithOperation("mapped_read").WithCause(err)
	}

	innerOffset := ref.Offset - winStart
	payload := mapped[innerOffset : innerOffset+ref.StoredSize]

	if err := codec.Verify(ref.ChecksumAlg, payload, ref.Checksum); err != nil {
		_ = r.mmapper.Unmap(mapped)
		return nil, ferrors.New(ferrors.ErrCodeChecksumMismatch, "entry checksum mismatch").
			WithComponent("readpath").WithOperation("mapped_read").WithCause(err)
	}

	view := &mappedView{data: payload, refs: 1, unmap: func([]byte) error { return r.mmapper.Unmap(mapped) }}
	return view, nil
}

// SendFileTo serves ref's bytes directly to dstFD via the kernel
// file->socket path, falling back to CopyingRead+manual write when
// unsupported. Only valid for uncompressed entries.
func (r *Reader) SendFileTo(ref EntryRef, writeFallback func([]byte) (int, error), dstFD int) (int, error) {
	if ref.Compressed || r.sender == nil || !r.sender.Supported() {
		data, err := r.CopyingRead(ref)
		if err != nil {
			return 0, err
		}
		return writeFallback(data)
	}

	n, err := r.sender.SendFile(dstFD, r.file.Fd(), ref.Offset, int(ref.StoredSize))
	if err != nil {
		return 0, ferrors.New(ferrors.ErrCodeIO, "sendfile failed").
			WithComponent("readpath").WithOperation("sendfile_to").WithCause(err)
	}
	return n, nil
}
