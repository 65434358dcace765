package tablekv

// View is a read-only record returned by a table read. It may point
// directly into the engine's memory map, so it is valid only while the
// transaction that produced it is open and, in a write transaction, until
// the next write. Value and Bytes panic once that no longer holds; use Own
// to keep a record beyond it.
//
// The zero View is empty: Valid reports false and Value panics.
type View[T any] struct {
	ptr   *T
	raw   []byte
	owner Txn
	gen   uint64
	codec Codec[T]
}

func newView[T any](owner Txn, codec Codec[T], raw []byte, ptr *T) View[T] {
	return View[T]{ptr: ptr, raw: raw, owner: owner, gen: owner.base().writes, codec: codec}
}

// Valid reports whether the view holds a record that may still be used.
func (v View[T]) Valid() bool {
	if v.owner == nil {
		return false
	}
	b := v.owner.base()
	return b.isOpen() && b.writes == v.gen
}

func (v View[T]) check() {
	if v.owner == nil {
		panic("tablekv: use of empty View")
	}
	b := v.owner.base()
	b.mustBeOpen()
	if b.writes != v.gen {
		panic("tablekv: View used after a write in the same transaction")
	}
}

// Value returns the record. The pointee must not be modified.
func (v View[T]) Value() *T {
	v.check()
	return v.ptr
}

// Bytes returns the stored encoding after value framing was removed.
func (v View[T]) Bytes() []byte {
	v.check()
	return v.raw
}

// Own decodes an independent copy of the record that stays valid after the
// transaction ends.
func (v View[T]) Own() (*T, error) {
	v.check()
	buf := make([]byte, len(v.raw))
	copy(buf, v.raw)
	out, err := v.codec.Access(buf)
	if err != nil {
		return nil, decodeErr("own", err)
	}
	return out, nil
}
