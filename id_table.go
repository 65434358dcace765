package tablekv

import (
	"fmt"
	"iter"
	"math"
)

// IDTableDef defines a table of T records keyed by ID[T]. The table is
// always an integer-key table, so identifiers iterate in numeric order.
type IDTableDef[T any] struct {
	decl   TableDecl
	values Codec[T]
}

// DefineIDTable defines an identifier-keyed table. IntegerKey is added to
// decl's flags.
func DefineIDTable[T any](decl TableDecl, values Codec[T]) IDTableDef[T] {
	decl.Flags |= IntegerKey
	return IDTableDef[T]{decl: decl, values: values}
}

// Decl implements Declarer.
func (d IDTableDef[T]) Decl() TableDecl { return d.decl }

// Read binds the table to a transaction of either kind.
func (d IDTableDef[T]) Read(tx Txn) IDTable[T] {
	return IDTable[T]{ref: bind(tx, d.decl.Name), values: d.values}
}

// Write binds the table to a write transaction.
func (d IDTableDef[T]) Write(tx *RwTxn) IDTableWriter[T] {
	return IDTableWriter[T]{d.Read(tx)}
}

// IDTable reads an identifier-keyed table within one transaction.
type IDTable[T any] struct {
	ref    tableRef
	values Codec[T]
}

func idKey(r tableRef, id uint64) []byte {
	buf := appendID(r.keyBuf(), id)
	r.setKeyBuf(buf)
	return buf
}

func idOf[T any](b []byte) (ID[T], error) {
	n, ok := decodeID(b)
	if !ok {
		return 0, fmt.Errorf("identifier key of %d bytes, want %d", len(b), idSize)
	}
	return ID[T](n), nil
}

// lastID returns the greatest identifier in the table.
func lastID(r tableRef) (uint64, bool, error) {
	k, _, ok, err := r.last()
	if err != nil || !ok {
		return 0, false, err
	}
	n, valid := decodeID(k)
	if !valid {
		return 0, false, decodeErr(r.name(), fmt.Errorf("identifier key of %d bytes", len(k)))
	}
	return n, true, nil
}

// nextID returns max(existing)+1, or zero for an empty table.
func nextID(r tableRef) (uint64, error) {
	n, ok, err := lastID(r)
	switch {
	case err != nil:
		return 0, err
	case !ok:
		return 0, nil
	case n == math.MaxUint64:
		return 0, fmt.Errorf("%w: table %q", ErrIDSpaceExhausted, r.name())
	}
	return n + 1, nil
}

// Get returns the record stored under id.
func (t IDTable[T]) Get(id ID[T]) (View[T], bool, error) {
	payload, ok, err := t.ref.get(idKey(t.ref, uint64(id)))
	if err != nil || !ok {
		return View[T]{}, false, err
	}
	v, err := view(t.ref, t.values, payload)
	if err != nil {
		return View[T]{}, false, err
	}
	return v, true, nil
}

// Iter walks the table in ascending identifier order.
func (t IDTable[T]) Iter() (iter.Seq2[ID[T], View[T]], error) {
	return scan(t.ref, scanFirst, nil, idOf[T], t.values)
}

// IterRev walks the table in descending identifier order.
func (t IDTable[T]) IterRev() (iter.Seq2[ID[T], View[T]], error) {
	return scan(t.ref, scanLast, nil, idOf[T], t.values)
}

// IterFrom walks upward from the first identifier >= id.
func (t IDTable[T]) IterFrom(id ID[T]) (iter.Seq2[ID[T], View[T]], error) {
	return scan(t.ref, scanFrom, idKey(t.ref, uint64(id)), idOf[T], t.values)
}

// IterRevFrom walks downward from id when present, otherwise from the
// greatest identifier below it.
func (t IDTable[T]) IterRevFrom(id ID[T]) (iter.Seq2[ID[T], View[T]], error) {
	return scan(t.ref, scanRevFrom, idKey(t.ref, uint64(id)), idOf[T], t.values)
}

// Last returns the record with the greatest identifier.
func (t IDTable[T]) Last() (ID[T], View[T], bool, error) {
	k, payload, ok, err := t.ref.last()
	if err != nil || !ok {
		return 0, View[T]{}, false, err
	}
	id, err := idOf[T](k)
	if err != nil {
		return 0, View[T]{}, false, decodeErr(t.ref.name(), err)
	}
	v, err := view(t.ref, t.values, payload)
	if err != nil {
		return 0, View[T]{}, false, err
	}
	return id, v, true, nil
}

// Len returns the number of records.
func (t IDTable[T]) Len() (uint64, error) { return t.ref.len() }

// IDTableWriter reads and writes an identifier-keyed table within a write
// transaction.
type IDTableWriter[T any] struct {
	IDTable[T]
}

// Put stores v under id, replacing any previous record.
func (t IDTableWriter[T]) Put(id ID[T], v *T) error {
	return t.ref.put(idKey(t.ref, uint64(id)), func(dst []byte) ([]byte, error) { return t.values.Append(dst, v) })
}

// PutLast stores v under one more than the greatest identifier in the
// table, or zero when it is empty, and returns that identifier. The
// identifier is computed inside the transaction, so concurrent writers
// never observe the same one.
func (t IDTableWriter[T]) PutLast(v *T) (ID[T], error) {
	id, err := nextID(t.ref)
	if err != nil {
		return 0, err
	}
	if err := t.Put(ID[T](id), v); err != nil {
		return 0, err
	}
	return ID[T](id), nil
}

// DeleteID removes id. It reports whether it existed.
func (t IDTableWriter[T]) DeleteID(id ID[T]) (bool, error) {
	return t.ref.del(idKey(t.ref, uint64(id)))
}

// Clear removes every record. The table stays declared.
func (t IDTableWriter[T]) Clear() error { return t.ref.clear() }
