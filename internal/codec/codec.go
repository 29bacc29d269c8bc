// Package codec implements compression and checksumming for entries stored
// in either L2 backend. Compression and checksum algorithm tags travel with
// each entry's location record so mixed-algorithm directories decode
// correctly regardless of which algorithm was current when an entry was
// written.
package codec

import (
	"bytes"
	"hash/crc32"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/xxh3"

	"github.com/yingcaihuang/pingora-slice-sub000/pkg/ferrors"
)

// CompressionAlgorithm identifies the algorithm used to compress an entry.
type CompressionAlgorithm uint8

const (
	CompressionNone CompressionAlgorithm = iota
	CompressionZstd
	CompressionLZ4
)

// String implements fmt.Stringer.
func (c CompressionAlgorithm) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// ParseCompressionAlgorithm maps a config string to a CompressionAlgorithm.
func ParseCompressionAlgorithm(s string) (CompressionAlgorithm, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, ferrors.New(ferrors.ErrCodeInvalidConfig, "unknown compression algorithm: "+s).
			WithComponent("codec")
	}
}

// ChecksumAlgorithm identifies the algorithm used to checksum an entry's
// on-disk bytes (post-compression).
type ChecksumAlgorithm uint8

const (
	ChecksumCRC32 ChecksumAlgorithm = iota
	ChecksumXXH64
	ChecksumXXH3
)

// String implements fmt.Stringer.
func (c ChecksumAlgorithm) String() string {
	switch c {
	case ChecksumCRC32:
		return "crc32"
	case ChecksumXXH64:
		return "xxh64"
	case ChecksumXXH3:
		return "xxh3"
	default:
		return "unknown"
	}
}

// ParseChecksumAlgorithm maps a config string to a ChecksumAlgorithm.
func ParseChecksumAlgorithm(s string) (ChecksumAlgorithm, error) {
	switch s {
	case "crc32":
		return ChecksumCRC32, nil
	case "xxh64":
		return ChecksumXXH64, nil
	case "", "xxh3":
		return ChecksumXXH3, nil
	default:
		return 0, ferrors.New(ferrors.ErrCodeInvalidConfig, "unknown checksum algorithm: "+s).
			WithComponent("codec")
	}
}

// Checksum computes the configured checksum over b.
func Checksum(algo ChecksumAlgorithm, b []byte) (uint64, error) {
	switch algo {
	case ChecksumCRC32:
		return uint64(crc32.ChecksumIEEE(b)), nil
	case ChecksumXXH64:
		return xxhash.Sum64(b), nil
	case ChecksumXXH3:
		return xxh3.Hash(b), nil
	default:
		return 0, ferrors.New(ferrors.ErrCodeUnknownAlgorithm, "unknown checksum algorithm tag").
			WithComponent("codec")
	}
}

// Verify recomputes the checksum over b and compares it to want.
func Verify(algo ChecksumAlgorithm, b []byte, want uint64) error {
	got, err := Checksum(algo, b)
	if err != nil {
		return err
	}
	if got != want {
		return ferrors.New(ferrors.ErrCodeChecksumMismatch, "checksum mismatch").
			WithComponent("codec").
			WithDetail("want", want).
			WithDetail("got", got)
	}
	return nil
}

// Config controls how Encode picks a compression algorithm.
type Config struct {
	// Compression is the algorithm tried on store.
	Compression CompressionAlgorithm
	// MinSize is the smallest payload that is even attempted for
	// compression; smaller payloads are always stored as CompressionNone.
	MinSize int
	// Checksum is the algorithm used for all new writes.
	Checksum ChecksumAlgorithm
	// ZstdLevel controls zstd's speed/ratio trade-off.
	ZstdLevel int
}

// DefaultConfig returns the spec's defaults: no compression threshold
// surprises, xxh3 checksums.
func DefaultConfig() Config {
	return Config{
		Compression: CompressionNone,
		MinSize:     1024,
		Checksum:    ChecksumXXH3,
		ZstdLevel:   int(zstd.SpeedDefault),
	}
}

// EncodeResult describes what Encode actually did, which may differ from
// the configured algorithm when the expansion guard fires.
type EncodeResult struct {
	Stored      []byte
	StoredSize  uint64
	OriginalSize uint64
	Compressed  bool
	Algorithm   CompressionAlgorithm
	Checksum    uint64
	ChecksumAlg ChecksumAlgorithm
}

// Encode compresses data per cfg (subject to the expansion guard: if the
// compressed payload is not smaller than the original, it is discarded and
// the entry is stored raw with algorithm=none) and checksums the bytes that
// will actually be written to disk.
func Encode(cfg Config, data []byte) (EncodeResult, error) {
	original := uint64(len(data))

	algo := CompressionNone
	stored := data

	if cfg.Compression != CompressionNone && len(data) >= cfg.MinSize {
		compressed, err := compress(cfg.Compression, cfg.ZstdLevel, data)
		if err != nil {
			return EncodeResult{}, ferrors.New(ferrors.ErrCodeCompression, "compression failed").
				WithComponent("codec").WithCause(err)
		}
		if len(compressed) < len(data) {
			stored = compressed
			algo = cfg.Compression
		}
		// expansion guard: compressed >= original, fall through with
		// stored==data, algo==CompressionNone.
	}

	sum, err := Checksum(cfg.Checksum, stored)
	if err != nil {
		return EncodeResult{}, err
	}

	return EncodeResult{
		Stored:       stored,
		StoredSize:   uint64(len(stored)),
		OriginalSize: original,
		Compressed:   algo != CompressionNone,
		Algorithm:    algo,
		Checksum:     sum,
		ChecksumAlg:  cfg.Checksum,
	}, nil
}

// Decode verifies stored against checksumAlg/checksum and decompresses it
// per algo, returning the original bytes. originalSize is used to
// preallocate the decompression buffer and as a sanity bound.
func Decode(stored []byte, algo CompressionAlgorithm, checksumAlg ChecksumAlgorithm, checksum uint64, originalSize uint64) ([]byte, error) {
	if err := Verify(checksumAlg, stored, checksum); err != nil {
		return nil, err
	}
	if algo == CompressionNone {
		out := make([]byte, len(stored))
		copy(out, stored)
		return out, nil
	}
	out, err := decompress(algo, stored, int(originalSize))
	if err != nil {
		return nil, ferrors.New(ferrors.ErrCodeCompression, "decompression failed").
			WithComponent("codec").WithCause(err)
	}
	return out, nil
}

func compress(algo CompressionAlgorithm, level int, data []byte) ([]byte, error) {
	switch algo {
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, ferrors.New(ferrors.ErrCodeUnknownAlgorithm, "unknown compression algorithm tag").
			WithComponent("codec")
	}
}

func decompress(algo CompressionAlgorithm, data []byte, sizeHint int) ([]byte, error) {
	switch algo {
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		dst := make([]byte, 0, sizeHint)
		return dec.DecodeAll(data, dst)
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		out := make([]byte, 0, sizeHint)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, ferrors.New(ferrors.ErrCodeUnknownAlgorithm, "unknown compression algorithm tag").
			WithComponent("codec")
	}
}
