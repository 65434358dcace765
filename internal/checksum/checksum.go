// Package checksum computes the per-value integrity trailers used by the
// framing layer.
//
// CRC32C values are masked before being stored so a value that embeds its
// own checksum does not produce degenerate CRCs. XXH3 uses
// github.com/zeebo/xxh3.
package checksum

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/zeebo/xxh3"
)

// Type represents the type of checksum algorithm. The numeric values are persisted.
type Type uint8

const (
	// TypeNoChecksum means no trailer is written.
	TypeNoChecksum Type = 0
	// TypeCRC32C is a masked CRC32C (Castagnoli), 4 byte trailer.
	TypeCRC32C Type = 1
	// TypeXXH3 is the 64-bit XXH3 hash, 8 byte trailer.
	TypeXXH3 Type = 4
)

// String returns a human-readable name for the checksum type.
func (t Type) String() string {
	switch t {
	case TypeNoChecksum:
		return "NoChecksum"
	case TypeCRC32C:
		return "CRC32C"
	case TypeXXH3:
		return "XXH3"
	default:
		return "Unknown"
	}
}

// ParseType is the inverse of String.
func ParseType(s string) (Type, error) {
	for _, t := range []Type{TypeNoChecksum, TypeCRC32C, TypeXXH3} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown checksum type %q", s)
}

// Size returns the trailer length in bytes.
func (t Type) Size() int {
	switch t {
	case TypeCRC32C:
		return 4
	case TypeXXH3:
		return 8
	default:
		return 0
	}
}

// IsSupported reports whether t can be computed.
func (t Type) IsSupported() bool {
	return t == TypeNoChecksum || t == TypeCRC32C || t == TypeXXH3
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// maskDelta is added during masking.
const maskDelta = 0xa282ead8

// Value computes the CRC32C checksum of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Mask rotates crc right by 15 bits and adds a constant.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask returns the crc whose masked representation is masked.
func Unmask(masked uint32) uint32 {
	rot := masked - maskDelta
	return (rot >> 17) | (rot << 15)
}

// XXH3 returns the 64-bit XXH3 hash of data.
func XXH3(data []byte) uint64 {
	return xxh3.Hash(data)
}

// Append appends the trailer of type t computed over data to dst.
func Append(t Type, dst, data []byte) []byte {
	switch t {
	case TypeCRC32C:
		return binary.LittleEndian.AppendUint32(dst, Mask(Value(data)))
	case TypeXXH3:
		return binary.LittleEndian.AppendUint64(dst, XXH3(data))
	default:
		return dst
	}
}

// Verify reports whether trailer is the checksum of type t over data.
func Verify(t Type, data, trailer []byte) bool {
	if len(trailer) != t.Size() {
		return false
	}
	switch t {
	case TypeCRC32C:
		return binary.LittleEndian.Uint32(trailer) == Mask(Value(data))
	case TypeXXH3:
		return binary.LittleEndian.Uint64(trailer) == XXH3(data)
	default:
		return true
	}
}
