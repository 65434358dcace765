package tablekv

// Polymorphic tables store records of different types side by side. The
// table does not remember which type a record has: the caller names the
// codec on every access, usually from a discriminator kept elsewhere.

// PolyIDTableDef defines an identifier-keyed table whose records have no
// fixed type.
type PolyIDTableDef struct {
	decl TableDecl
}

// DefinePolyIDTable defines a polymorphic identifier table. IntegerKey is
// added to decl's flags.
func DefinePolyIDTable(decl TableDecl) PolyIDTableDef {
	decl.Flags |= IntegerKey
	return PolyIDTableDef{decl: decl}
}

// Decl implements Declarer.
func (d PolyIDTableDef) Decl() TableDecl { return d.decl }

// Read binds the table to a transaction of either kind.
func (d PolyIDTableDef) Read(tx Txn) PolyIDTable {
	return PolyIDTable{ref: bind(tx, d.decl.Name)}
}

// Write binds the table to a write transaction.
func (d PolyIDTableDef) Write(tx *RwTxn) PolyIDTableWriter {
	return PolyIDTableWriter{d.Read(tx)}
}

// PolyIDTable reads a polymorphic identifier table. It cannot be iterated:
// without a record type there is nothing to decode into.
type PolyIDTable struct {
	ref tableRef
}

// Len returns the number of records.
func (t PolyIDTable) Len() (uint64, error) { return t.ref.len() }

// PolyIDTableWriter reads and writes a polymorphic identifier table.
type PolyIDTableWriter struct {
	PolyIDTable
}

// Clear removes every record.
func (t PolyIDTableWriter) Clear() error { return t.ref.clear() }

// GetPolyID reads the record under id as a T.
func GetPolyID[T any](t PolyIDTable, codec Codec[T], id ID[T]) (View[T], bool, error) {
	payload, ok, err := t.ref.get(idKey(t.ref, uint64(id)))
	if err != nil || !ok {
		return View[T]{}, false, err
	}
	v, err := view(t.ref, codec, payload)
	if err != nil {
		return View[T]{}, false, err
	}
	return v, true, nil
}

// PutPolyID stores v under id.
func PutPolyID[T any](t PolyIDTableWriter, codec Codec[T], id ID[T], v *T) error {
	return t.ref.put(idKey(t.ref, uint64(id)), func(dst []byte) ([]byte, error) { return codec.Append(dst, v) })
}

// PutLastPolyID stores v under one more than the greatest identifier of
// any type in the table and returns it.
func PutLastPolyID[T any](t PolyIDTableWriter, codec Codec[T], v *T) (ID[T], error) {
	id, err := nextID(t.ref)
	if err != nil {
		return 0, err
	}
	if err := PutPolyID(t, codec, ID[T](id), v); err != nil {
		return 0, err
	}
	return ID[T](id), nil
}

// DeletePolyID removes id. It reports whether it existed.
func DeletePolyID[T any](t PolyIDTableWriter, id ID[T]) (bool, error) {
	return t.ref.del(idKey(t.ref, uint64(id)))
}

// PolyKeyTableDef defines a table keyed by K whose records have no fixed
// type.
type PolyKeyTableDef[K any] struct {
	decl TableDecl
	keys Codec[K]
}

// DefinePolyKeyTable defines a polymorphic keyed table.
func DefinePolyKeyTable[K any](decl TableDecl, keys Codec[K]) PolyKeyTableDef[K] {
	return PolyKeyTableDef[K]{decl: decl, keys: keys}
}

// Decl implements Declarer.
func (d PolyKeyTableDef[K]) Decl() TableDecl { return d.decl }

// Read binds the table to a transaction of either kind.
func (d PolyKeyTableDef[K]) Read(tx Txn) PolyKeyTable[K] {
	return PolyKeyTable[K]{ref: bind(tx, d.decl.Name), keys: d.keys}
}

// Write binds the table to a write transaction.
func (d PolyKeyTableDef[K]) Write(tx *RwTxn) PolyKeyTableWriter[K] {
	return PolyKeyTableWriter[K]{d.Read(tx)}
}

// PolyKeyTable reads a polymorphic keyed table.
type PolyKeyTable[K any] struct {
	ref  tableRef
	keys Codec[K]
}

func (t PolyKeyTable[K]) encodeKey(k K) ([]byte, error) {
	buf, err := t.keys.Append(t.ref.keyBuf(), &k)
	if err != nil {
		return nil, encodeErr(t.ref.name(), err)
	}
	t.ref.setKeyBuf(buf)
	return buf, nil
}

// Len returns the number of records.
func (t PolyKeyTable[K]) Len() (uint64, error) { return t.ref.len() }

// PolyKeyTableWriter reads and writes a polymorphic keyed table.
type PolyKeyTableWriter[K any] struct {
	PolyKeyTable[K]
}

// Delete removes k. It reports whether it existed.
func (t PolyKeyTableWriter[K]) Delete(k K) (bool, error) {
	key, err := t.encodeKey(k)
	if err != nil {
		return false, err
	}
	return t.ref.del(key)
}

// Clear removes every record.
func (t PolyKeyTableWriter[K]) Clear() error { return t.ref.clear() }

// GetPolyKey reads the record under k as a V.
func GetPolyKey[K, V any](t PolyKeyTable[K], values Codec[V], k K) (View[V], bool, error) {
	key, err := t.encodeKey(k)
	if err != nil {
		return View[V]{}, false, err
	}
	payload, ok, err := t.ref.get(key)
	if err != nil || !ok {
		return View[V]{}, false, err
	}
	v, err := view(t.ref, values, payload)
	if err != nil {
		return View[V]{}, false, err
	}
	return v, true, nil
}

// PutPolyKey stores v under k.
func PutPolyKey[K, V any](t PolyKeyTableWriter[K], values Codec[V], k K, v *V) error {
	key, err := t.encodeKey(k)
	if err != nil {
		return err
	}
	return t.ref.put(key, func(dst []byte) ([]byte, error) { return values.Append(dst, v) })
}
