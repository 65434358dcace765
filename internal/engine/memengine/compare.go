package memengine

import (
	"bytes"
	"encoding/binary"

	"github.com/aalhour/tablekv/internal/engine"
)

// maxKeySize matches LMDB's default compile-time limit.
const maxKeySize = 511

// compareFunc orders keys the way LMDB orders them for a table's flags.
type compareFunc func(a, b []byte) int

func comparatorFor(flags engine.Flags) compareFunc {
	switch {
	case flags.Has(engine.IntegerKey):
		return compareInteger
	case flags.Has(engine.ReverseKey):
		return compareReverse
	default:
		return bytes.Compare
	}
}

// compareReverse compares from the last byte backward. When one key is a
// suffix of the other, the shorter sorts first.
func compareReverse(a, b []byte) int {
	i, j := len(a), len(b)
	for i > 0 && j > 0 {
		i--
		j--
		if a[i] != b[j] {
			if a[i] < b[j] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func compareInteger(a, b []byte) int {
	x, y := integerValue(a), integerValue(b)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func integerValue(b []byte) uint64 {
	switch len(b) {
	case 4:
		return uint64(binary.NativeEndian.Uint32(b))
	case 8:
		return binary.NativeEndian.Uint64(b)
	}
	return 0
}

// validKey reports whether key is acceptable for a table with flags.
func validKey(flags engine.Flags, key []byte) bool {
	if len(key) == 0 || len(key) > maxKeySize {
		return false
	}
	if flags.Has(engine.IntegerKey) {
		return len(key) == 4 || len(key) == 8
	}
	return true
}
