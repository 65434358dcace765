package tablekv

import (
	"errors"
	"fmt"
	"reflect"
	"unsafe"

	"google.golang.org/protobuf/proto"
)

// Codec translates values of T to and from their stored bytes.
//
// Access may return a pointer into b without copying. Such a pointer is
// only valid while b is, which for stored records means while the
// transaction that read them is open; View enforces that. Access must not
// modify b.
type Codec[T any] interface {
	// Append appends the encoding of *v to dst.
	Append(dst []byte, v *T) ([]byte, error)
	// Access interprets b as a T.
	Access(b []byte) (*T, error)
}

// Raw stores byte slices as-is. Access aliases the stored bytes.
var Raw Codec[[]byte] = rawCodec{}

type rawCodec struct{}

func (rawCodec) Append(dst []byte, v *[]byte) ([]byte, error) { return append(dst, *v...), nil }

func (rawCodec) Access(b []byte) (*[]byte, error) {
	b = b[:len(b):len(b)]
	return &b, nil
}

// String stores strings as their bytes. Access aliases the stored bytes.
var String Codec[string] = stringCodec{}

type stringCodec struct{}

func (stringCodec) Append(dst []byte, v *string) ([]byte, error) { return append(dst, *v...), nil }

func (stringCodec) Access(b []byte) (*string, error) {
	var s string
	if len(b) > 0 {
		s = unsafe.String(unsafe.SliceData(b), len(b))
	}
	return &s, nil
}

// errNotFixed reports a type that cannot be reinterpreted in place.
var errNotFixed = errors.New("tablekv: type contains pointers or variable-size fields")

// FixedCodec stores a pointer-free type in its in-memory layout, so a read
// reinterprets the stored bytes without decoding. The layout is the host's:
// native byte order and Go struct padding. A store written by one
// architecture is not readable by another with a different layout.
type FixedCodec[T any] struct {
	size  int
	align uintptr
}

// Fixed returns the in-place codec for T. It panics if T holds pointers,
// slices, strings, maps, interfaces, channels or functions.
func Fixed[T any]() FixedCodec[T] {
	var zero T
	if err := checkFixed(reflect.TypeFor[T]()); err != nil {
		panic(fmt.Sprintf("tablekv: Fixed[%T]: %v", zero, err))
	}
	return FixedCodec[T]{size: int(unsafe.Sizeof(zero)), align: unsafe.Alignof(zero)}
}

// Size returns the stored size of every value.
func (c FixedCodec[T]) Size() int { return c.size }

func (c FixedCodec[T]) Append(dst []byte, v *T) ([]byte, error) {
	if c.size == 0 {
		return dst, nil
	}
	return append(dst, unsafe.Slice((*byte)(unsafe.Pointer(v)), c.size)...), nil
}

// Access reinterprets b in place when it is suitably aligned and copies it
// otherwise.
func (c FixedCodec[T]) Access(b []byte) (*T, error) {
	if len(b) != c.size {
		return nil, fmt.Errorf("fixed: stored size %d, want %d", len(b), c.size)
	}
	if c.size == 0 {
		return new(T), nil
	}
	p := unsafe.Pointer(unsafe.SliceData(b))
	if uintptr(p)%c.align == 0 {
		return (*T)(p), nil
	}
	v := new(T)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(v)), c.size), b)
	return v, nil
}

// FixedSliceCodec stores a slice of pointer-free elements contiguously.
type FixedSliceCodec[E any] struct {
	elem FixedCodec[E]
}

// FixedSlice returns the in-place codec for []E. It panics under the same
// conditions as Fixed.
func FixedSlice[E any]() FixedSliceCodec[E] {
	return FixedSliceCodec[E]{elem: Fixed[E]()}
}

func (c FixedSliceCodec[E]) Append(dst []byte, v *[]E) ([]byte, error) {
	s := *v
	if len(s) == 0 || c.elem.size == 0 {
		return dst, nil
	}
	return append(dst, unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*c.elem.size)...), nil
}

func (c FixedSliceCodec[E]) Access(b []byte) (*[]E, error) {
	var out []E
	if c.elem.size == 0 || len(b) == 0 {
		return &out, nil
	}
	if len(b)%c.elem.size != 0 {
		return nil, fmt.Errorf("fixed slice: stored size %d is not a multiple of %d", len(b), c.elem.size)
	}
	n := len(b) / c.elem.size
	p := unsafe.Pointer(unsafe.SliceData(b))
	if uintptr(p)%c.elem.align == 0 {
		out = unsafe.Slice((*E)(p), n)
		return &out, nil
	}
	out = make([]E, n)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(out))), len(b)), b)
	return &out, nil
}

func checkFixed(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkFixed(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			f := t.Field(i)
			if err := checkFixed(f.Type); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%s: %w", t.Kind(), errNotFixed)
	}
}

// ProtoCodec stores protocol buffer messages. Reads decode into a fresh
// message, so values are copies rather than views of the stored bytes.
type ProtoCodec[T any, PT interface {
	*T
	proto.Message
}] struct {
	marshal   proto.MarshalOptions
	unmarshal proto.UnmarshalOptions
}

// Proto returns a codec for message type T, used as Proto[pb.User]().
// Marshaling is deterministic so equal messages store equal bytes.
func Proto[T any, PT interface {
	*T
	proto.Message
}]() ProtoCodec[T, PT] {
	return ProtoCodec[T, PT]{marshal: proto.MarshalOptions{Deterministic: true}}
}

func (c ProtoCodec[T, PT]) Append(dst []byte, v *T) ([]byte, error) {
	return c.marshal.MarshalAppend(dst, PT(v))
}

func (c ProtoCodec[T, PT]) Access(b []byte) (*T, error) {
	v := PT(new(T))
	if err := c.unmarshal.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return (*T)(v), nil
}
