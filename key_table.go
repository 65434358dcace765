package tablekv

import "iter"

// KeyTableDef defines a table of V values keyed by K. Keys are stored as
// encoded by the key codec and ordered by the engine on those bytes, so
// the key codec decides iteration order.
type KeyTableDef[K, V any] struct {
	decl   TableDecl
	keys   Codec[K]
	values Codec[V]
}

// DefineKeyTable defines a keyed table. Pass the result to Builder.With.
func DefineKeyTable[K, V any](decl TableDecl, keys Codec[K], values Codec[V]) KeyTableDef[K, V] {
	return KeyTableDef[K, V]{decl: decl, keys: keys, values: values}
}

// Decl implements Declarer.
func (d KeyTableDef[K, V]) Decl() TableDecl { return d.decl }

// Read binds the table to a transaction of either kind.
func (d KeyTableDef[K, V]) Read(tx Txn) KeyTable[K, V] {
	return KeyTable[K, V]{ref: bind(tx, d.decl.Name), keys: d.keys, values: d.values}
}

// Write binds the table to a write transaction.
func (d KeyTableDef[K, V]) Write(tx *RwTxn) KeyTableWriter[K, V] {
	return KeyTableWriter[K, V]{d.Read(tx)}
}

// KeyTable reads a keyed table within one transaction.
type KeyTable[K, V any] struct {
	ref    tableRef
	keys   Codec[K]
	values Codec[V]
}

func (t KeyTable[K, V]) encodeKey(k K) ([]byte, error) {
	buf, err := t.keys.Append(t.ref.keyBuf(), &k)
	if err != nil {
		return nil, encodeErr(t.ref.name(), err)
	}
	t.ref.setKeyBuf(buf)
	return buf, nil
}

func (t KeyTable[K, V]) keyView(b []byte) (View[K], error) {
	ptr, err := t.keys.Access(b)
	if err != nil {
		return View[K]{}, err
	}
	return newView(t.ref.tx, t.keys, b, ptr), nil
}

// Get returns the value stored under k. With DupSort it returns the first
// value in value order.
func (t KeyTable[K, V]) Get(k K) (View[V], bool, error) {
	key, err := t.encodeKey(k)
	if err != nil {
		return View[V]{}, false, err
	}
	payload, ok, err := t.ref.get(key)
	if err != nil || !ok {
		return View[V]{}, false, err
	}
	v, err := view(t.ref, t.values, payload)
	if err != nil {
		return View[V]{}, false, err
	}
	return v, true, nil
}

// Iter walks the table in key order.
func (t KeyTable[K, V]) Iter() (iter.Seq2[View[K], View[V]], error) {
	return scan(t.ref, scanFirst, nil, t.keyView, t.values)
}

// IterRev walks the table in reverse key order.
func (t KeyTable[K, V]) IterRev() (iter.Seq2[View[K], View[V]], error) {
	return scan(t.ref, scanLast, nil, t.keyView, t.values)
}

// IterFrom walks forward from the first key >= k.
func (t KeyTable[K, V]) IterFrom(k K) (iter.Seq2[View[K], View[V]], error) {
	key, err := t.encodeKey(k)
	if err != nil {
		return nil, err
	}
	return scan(t.ref, scanFrom, key, t.keyView, t.values)
}

// IterRevFrom walks backward from k when it is present, otherwise from the
// greatest key below k.
func (t KeyTable[K, V]) IterRevFrom(k K) (iter.Seq2[View[K], View[V]], error) {
	key, err := t.encodeKey(k)
	if err != nil {
		return nil, err
	}
	return scan(t.ref, scanRevFrom, key, t.keyView, t.values)
}

// Last returns the entry with the greatest key.
func (t KeyTable[K, V]) Last() (View[K], View[V], bool, error) {
	k, payload, ok, err := t.ref.last()
	if err != nil || !ok {
		return View[K]{}, View[V]{}, false, err
	}
	kv, err := t.keyView(k)
	if err != nil {
		return View[K]{}, View[V]{}, false, decodeErr(t.ref.name(), err)
	}
	v, err := view(t.ref, t.values, payload)
	if err != nil {
		return View[K]{}, View[V]{}, false, err
	}
	return kv, v, true, nil
}

// Len returns the number of entries.
func (t KeyTable[K, V]) Len() (uint64, error) { return t.ref.len() }

// KeyTableWriter reads and writes a keyed table within a write transaction.
type KeyTableWriter[K, V any] struct {
	KeyTable[K, V]
}

// Put stores v under k, replacing any previous value. With DupSort it adds
// v to the values of k.
func (t KeyTableWriter[K, V]) Put(k K, v *V) error {
	key, err := t.encodeKey(k)
	if err != nil {
		return err
	}
	return t.ref.put(key, func(dst []byte) ([]byte, error) { return t.values.Append(dst, v) })
}

// Delete removes k and every value stored under it. It reports whether k
// existed.
func (t KeyTableWriter[K, V]) Delete(k K) (bool, error) {
	key, err := t.encodeKey(k)
	if err != nil {
		return false, err
	}
	return t.ref.del(key)
}

// Clear removes every entry. The table stays declared.
func (t KeyTableWriter[K, V]) Clear() error { return t.ref.clear() }
