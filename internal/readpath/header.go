// Package readpath implements the copying read, memory-mapped read, and
// kernel file->socket paths over L2 entries (spec.md §4.6), plus the
// in-band 64-byte per-entry header (spec.md §6) that precedes each entry's
// payload in the data region.
package readpath

import (
	"encoding/binary"

	"github.com/yingcaihuang/pingora-slice-sub000/pkg/ferrors"
)

// HeaderSize is the fixed on-disk size of an entry header, in bytes.
const HeaderSize = 64

// HeaderMagic identifies a valid in-band entry header.
const HeaderMagic uint32 = 0x53434845 // "SCHE"

// Header is the in-band record written immediately before an entry's
// payload bytes, used for crash recovery and defrag verification
// independent of the out-of-band directory.
type Header struct {
	Magic         uint32
	KeyHash       uint64
	StoredSize    uint32
	OriginalSize  uint32
	Checksum      uint64
	ChecksumAlg   uint8
	CompressAlg   uint8
	CreatedAtUnix int64
}

// Encode serializes h into a HeaderSize-byte big-endian record, following
// the byte-order convention used for this codebase's other on-disk binary
// records.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint64(buf[4:12], h.KeyHash)
	binary.BigEndian.PutUint32(buf[12:16], h.StoredSize)
	binary.BigEndian.PutUint32(buf[16:20], h.OriginalSize)
	binary.BigEndian.PutUint64(buf[20:28], h.Checksum)
	buf[28] = h.ChecksumAlg
	buf[29] = h.CompressAlg
	binary.BigEndian.PutUint64(buf[30:38], uint64(h.CreatedAtUnix))
	// bytes 38..64 reserved/padding
	return buf
}

// DecodeHeader parses a HeaderSize-byte record produced by Header.Encode.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ferrors.New(ferrors.ErrCodeMetadataCorrupt, "entry header buffer too short").
			WithComponent("readpath").WithOperation("decode_header")
	}

	h := Header{
		Magic:         binary.BigEndian.Uint32(buf[0:4]),
		KeyHash:       binary.BigEndian.Uint64(buf[4:12]),
		StoredSize:    binary.BigEndian.Uint32(buf[12:16]),
		OriginalSize:  binary.BigEndian.Uint32(buf[16:20]),
		Checksum:      binary.BigEndian.Uint64(buf[20:28]),
		ChecksumAlg:   buf[28],
		CompressAlg:   buf[29],
		CreatedAtUnix: int64(binary.BigEndian.Uint64(buf[30:38])),
	}
	if h.Magic != HeaderMagic {
		return Header{}, ferrors.New(ferrors.ErrCodeMetadataCorrupt, "entry header magic mismatch").
			WithComponent("readpath").WithOperation("decode_header")
	}
	return h, nil
}
