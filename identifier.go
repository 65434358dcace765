package tablekv

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// ID is a surrogate key for records of kind T. The type parameter exists
// only at compile time: an ID[User] cannot be passed where an ID[Post] is
// expected, yet both are plain uint64 values. Zero is the first identifier
// handed out by PutLast and also the zero value.
type ID[T any] uint64

// idSize is the stored width of an ID key.
const idSize = 8

// Uint64 returns the raw value.
func (id ID[T]) Uint64() uint64 { return uint64(id) }

// Next returns id+1.
func (id ID[T]) Next() ID[T] { return id + 1 }

func (id ID[T]) String() string { return strconv.FormatUint(uint64(id), 10) }

// MarshalText implements encoding.TextMarshaler.
func (id ID[T]) MarshalText() ([]byte, error) {
	return strconv.AppendUint(nil, uint64(id), 10), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID[T]) UnmarshalText(b []byte) error {
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return err
	}
	*id = ID[T](n)
	return nil
}

// MarshalBinary returns the engine key form of id: eight bytes in native
// byte order. It is only meaningful on the machine that wrote the store.
func (id ID[T]) MarshalBinary() ([]byte, error) {
	return appendID(nil, uint64(id)), nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (id *ID[T]) UnmarshalBinary(b []byte) error {
	n, ok := decodeID(b)
	if !ok {
		return fmt.Errorf("tablekv: identifier key of %d bytes, want %d", len(b), idSize)
	}
	*id = ID[T](n)
	return nil
}

// Cast converts an identifier to another record kind. Use it only where two
// kinds deliberately share an identifier space, such as a polymorphic table.
func Cast[U, T any](id ID[T]) ID[U] { return ID[U](id) }

// appendID appends the engine key for id: native-endian so that integer-key
// tables order it numerically.
func appendID(dst []byte, id uint64) []byte {
	return binary.NativeEndian.AppendUint64(dst, id)
}

func decodeID(b []byte) (uint64, bool) {
	if len(b) != idSize {
		return 0, false
	}
	return binary.NativeEndian.Uint64(b), true
}
