package readpath

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/yingcaihuang/pingora-slice-sub000/internal/codec"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/diskio"
)

func openTestReader(t *testing.T, mmapper Mmapper, sender Sender) (*Reader, *diskio.AlignedFile) {
	t.Helper()
	dir := t.TempDir()
	af, err := diskio.Open(filepath.Join(dir, "dev.img"), 4096, false)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := af.Truncate(1 << 20); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	return NewReader(af, MmapThreshold, mmapper, sender), af
}

func writeEntry(t *testing.T, af *diskio.AlignedFile, offset int64, payload []byte) EntryRef {
	t.Helper()

	alignment := int64(af.Alignment())
	winStart := (offset / alignment) * alignment
	winEnd := ((offset + int64(len(payload)) + alignment - 1) / alignment) * alignment
	winLen := winEnd - winStart

	buf := make([]byte, winLen)
	copy(buf[offset-winStart:], payload)
	if err := af.WriteAligned(winStart, buf); err != nil {
		t.Fatalf("WriteAligned() error = %v", err)
	}

	sum, err := codec.Checksum(codec.ChecksumXXH3, payload)
	if err != nil {
		t.Fatalf("codec.Checksum() error = %v", err)
	}
	return EntryRef{
		Offset:       offset,
		StoredSize:   int64(len(payload)),
		OriginalSize: int64(len(payload)),
		Compressed:   false,
		ChecksumAlg:  codec.ChecksumXXH3,
		Checksum:     sum,
	}
}

func TestCopyingReadRoundTrip(t *testing.T) {
	t.Parallel()

	r, af := openTestReader(t, nil, nil)
	defer af.Close()

	payload := []byte("the quick brown fox")
	ref := writeEntry(t, af, 4096, payload)

	got, err := r.CopyingRead(ref)
	if err != nil {
		t.Fatalf("CopyingRead() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("CopyingRead() = %q, want %q", got, payload)
	}
}

func TestCopyingReadDetectsCorruption(t *testing.T) {
	t.Parallel()

	r, af := openTestReader(t, nil, nil)
	defer af.Close()

	payload := []byte("payload data")
	ref := writeEntry(t, af, 4096, payload)
	ref.Checksum ^= 0xFFFFFFFF // corrupt the expected checksum

	if _, err := r.CopyingRead(ref); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

type fakeMmapper struct {
	backing []byte
}

func (f *fakeMmapper) Map(fd uintptr, offset int64, length int) ([]byte, error) {
	end := offset + int64(length)
	if end > int64(len(f.backing)) {
		end = int64(len(f.backing))
	}
	return f.backing[offset:end], nil
}

func (f *fakeMmapper) Unmap(b []byte) error { return nil }

func TestMappedReadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	af, err := diskio.Open(filepath.Join(dir, "dev.img"), 4096, false)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer af.Close()
	if err := af.Truncate(1 << 20); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}

	payload := []byte("mapped payload bytes")
	ref := writeEntry(t, af, 4096, payload)

	fullWindow, err := af.ReadAligned(0, 1<<20)
	if err != nil {
		t.Fatalf("ReadAligned() error = %v", err)
	}

	r := NewReader(af, MmapThreshold, &fakeMmapper{backing: fullWindow}, nil)

	view, err := r.MappedRead(ref)
	if err != nil {
		t.Fatalf("MappedRead() error = %v", err)
	}
	defer view.Release()

	if !bytes.Equal(view.Bytes(), payload) {
		t.Errorf("MappedRead() = %q, want %q", view.Bytes(), payload)
	}
}

func TestMappedReadRejectsCompressed(t *testing.T) {
	t.Parallel()

	r, af := openTestReader(t, &fakeMmapper{backing: make([]byte, 1<<20)}, nil)
	defer af.Close()

	ref := EntryRef{Offset: 4096, StoredSize: 100, Compressed: true}
	if _, err := r.MappedRead(ref); err == nil {
		t.Fatal("expected error for compressed entry")
	}
}

type fakeSender struct {
	supported bool
	sent      []byte
}

func (f *fakeSender) Supported() bool { return f.supported }

func (f *fakeSender) SendFile(dstFD int, srcFD uintptr, offset int64, count int) (int, error) {
	f.sent = make([]byte, count)
	return count, nil
}

func TestSendFileToUsesSenderWhenSupported(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{supported: true}
	r, af := openTestReader(t, nil, sender)
	defer af.Close()

	payload := []byte("sendfile payload")
	ref := writeEntry(t, af, 4096, payload)

	n, err := r.SendFileTo(ref, nil, 99)
	if err != nil {
		t.Fatalf("SendFileTo() error = %v", err)
	}
	if n != len(payload) {
		t.Errorf("SendFileTo() n = %d, want %d", n, len(payload))
	}
}

func TestSendFileToFallsBackWhenUnsupported(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{supported: false}
	r, af := openTestReader(t, nil, sender)
	defer af.Close()

	payload := []byte("fallback payload")
	ref := writeEntry(t, af, 4096, payload)

	var written []byte
	n, err := r.SendFileTo(ref, func(b []byte) (int, error) {
		written = b
		return len(b), nil
	}, 99)
	if err != nil {
		t.Fatalf("SendFileTo() error = %v", err)
	}
	if n != len(payload) || !bytes.Equal(written, payload) {
		t.Errorf("fallback wrote %q (n=%d), want %q", written, n, payload)
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	h := Header{
		Magic:         HeaderMagic,
		KeyHash:       0xdeadbeef,
		StoredSize:    1234,
		OriginalSize:  5678,
		Checksum:      0xabad1dea,
		ChecksumAlg:   uint8(codec.ChecksumXXH3),
		CompressAlg:   uint8(codec.CompressionZstd),
		CreatedAtUnix: 1700000000,
	}

	enc := h.Encode()
	got, err := DecodeHeader(enc[:])
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if got != h {
		t.Errorf("DecodeHeader() = %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	t.Parallel()

	buf := make([]byte, HeaderSize)
	if _, err := DecodeHeader(buf); err == nil {
		t.Fatal("expected magic mismatch error")
	}
}
