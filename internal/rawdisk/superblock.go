package rawdisk

import (
	"encoding/binary"

	"github.com/yingcaihuang/pingora-slice-sub000/pkg/ferrors"
)

// SuperblockSize is the fixed on-disk size of the superblock record, per
// spec.md §6's persisted L2 layout table.
const SuperblockSize = 4096

// SuperblockMagic identifies a device initialized by this engine.
const SuperblockMagic uint64 = 0x50494e47534c4943 // "PINGSLIC"

// FormatVersion is the major on-disk format version this engine writes and
// expects. A superblock with a different major version aborts
// initialization rather than silently reformatting.
const FormatVersion uint32 = 1

// Superblock is the fixed 4 KiB record at offset 0.
type Superblock struct {
	Magic          uint64
	FormatVersion  uint32
	BlockSize      uint32
	DeviceSize     uint64
	MetadataOffset uint64
	MetadataLength uint64
}

// Encode serializes sb into a SuperblockSize-byte big-endian record,
// zero-padded to fill the reserved region.
func (sb Superblock) Encode() []byte {
	buf := make([]byte, SuperblockSize)
	binary.BigEndian.PutUint64(buf[0:8], sb.Magic)
	binary.BigEndian.PutUint32(buf[8:12], sb.FormatVersion)
	binary.BigEndian.PutUint32(buf[12:16], sb.BlockSize)
	binary.BigEndian.PutUint64(buf[16:24], sb.DeviceSize)
	binary.BigEndian.PutUint64(buf[24:32], sb.MetadataOffset)
	binary.BigEndian.PutUint64(buf[32:40], sb.MetadataLength)
	return buf
}

// DecodeSuperblock parses a superblock record, rejecting a wrong magic or
// unknown major format version: per spec.md §6, an existing cache must
// never be silently reformatted.
func DecodeSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < SuperblockSize {
		return Superblock{}, ferrors.New(ferrors.ErrCodeLayoutMismatch, "superblock buffer too short").
			WithComponent("rawdisk").WithOperation("decode_superblock")
	}

	sb := Superblock{
		Magic:          binary.BigEndian.Uint64(buf[0:8]),
		FormatVersion:  binary.BigEndian.Uint32(buf[8:12]),
		BlockSize:      binary.BigEndian.Uint32(buf[12:16]),
		DeviceSize:     binary.BigEndian.Uint64(buf[16:24]),
		MetadataOffset: binary.BigEndian.Uint64(buf[24:32]),
		MetadataLength: binary.BigEndian.Uint64(buf[32:40]),
	}

	if sb.Magic != SuperblockMagic {
		return Superblock{}, ferrors.New(ferrors.ErrCodeLayoutMismatch, "superblock magic mismatch").
			WithComponent("rawdisk").WithOperation("decode_superblock")
	}
	if sb.FormatVersion != FormatVersion {
		return Superblock{}, ferrors.New(ferrors.ErrCodeLayoutMismatch, "unsupported superblock format version").
			WithComponent("rawdisk").WithOperation("decode_superblock").
			WithDetail("found", sb.FormatVersion).WithDetail("expected", FormatVersion)
	}
	return sb, nil
}
