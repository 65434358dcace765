package tablekv

// table.go implements the untyped core shared by every table variant:
// value framing, engine calls, statistics and iteration.

import (
	"bytes"
	"fmt"
	"iter"

	"github.com/aalhour/tablekv/internal/logging"
)

func decodeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDecode, op, err)
}

func encodeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrEncode, op, err)
}

// tableRef binds a declared table to a transaction. It holds no other
// state, so copies are free.
type tableRef struct {
	tx    Txn
	entry *tableEntry
}

func bind(tx Txn, name string) tableRef {
	b := tx.base()
	b.mustBeOpen()
	return tableRef{tx: tx, entry: b.env.entry(name)}
}

func (r tableRef) base() *txnBase { return r.tx.base() }

func (r tableRef) name() string { return r.entry.decl.Name }

// get returns the unframed payload stored under key.
func (r tableRef) get(key []byte) ([]byte, bool, error) {
	b := r.base()
	b.mustBeOpen()
	stored, ok, err := b.raw.Get(r.entry.handle, key)
	if err != nil {
		return nil, false, b.env.checkEngine(err)
	}
	if !ok {
		b.env.stats.RecordTick(TickerKeysNotFound, 1)
		return nil, false, nil
	}
	b.env.stats.RecordTick(TickerKeysRead, 1)
	b.env.stats.RecordTick(TickerBytesRead, uint64(len(stored)))
	payload, _, err := r.entry.frame.Decode(stored)
	if err != nil {
		b.env.stats.RecordTick(TickerDecodeErrors, 1)
		return nil, false, decodeErr(r.name(), err)
	}
	return payload, true, nil
}

// put frames the value produced by encode and stores it under key.
func (r tableRef) put(key []byte, encode func(dst []byte) ([]byte, error)) error {
	b := r.base()
	b.mustBeOpen()
	payload, err := encode(b.valBuf[:0])
	if err != nil {
		return encodeErr(r.name(), err)
	}
	b.valBuf = payload
	stored := payload
	if !r.entry.frame.Plain() {
		stored, err = r.entry.frame.Encode(b.frameBuf[:0], payload)
		if err != nil {
			return encodeErr(r.name(), err)
		}
		b.frameBuf = stored
	}
	b.writes++
	if err := b.raw.Put(r.entry.handle, key, stored); err != nil {
		return b.env.checkEngine(err)
	}
	b.env.stats.RecordTick(TickerKeysWritten, 1)
	b.env.stats.RecordTick(TickerBytesWritten, uint64(len(stored)))
	b.env.stats.MeasureTime(HistogramBytesPerWrite, uint64(len(stored)))
	return nil
}

func (r tableRef) del(key []byte) (bool, error) {
	b := r.base()
	b.mustBeOpen()
	b.writes++
	existed, err := b.raw.Del(r.entry.handle, key)
	if err != nil {
		return false, b.env.checkEngine(err)
	}
	if existed {
		b.env.stats.RecordTick(TickerKeysDeleted, 1)
	}
	return existed, nil
}

func (r tableRef) clear() error {
	b := r.base()
	b.mustBeOpen()
	b.writes++
	if err := b.raw.Drop(r.entry.handle); err != nil {
		return b.env.checkEngine(err)
	}
	b.env.logger.Debugf(logging.NSTxn+"cleared table %q", r.name())
	return nil
}

func (r tableRef) len() (uint64, error) {
	b := r.base()
	b.mustBeOpen()
	n, err := b.raw.Entries(r.entry.handle)
	if err != nil {
		return 0, b.env.checkEngine(err)
	}
	return n, nil
}

// Entries returns the number of records in the named table. Tools that
// do not know a table's types use it in place of Len.
func Entries(tx Txn, table string) (uint64, error) {
	return bind(tx, table).len()
}

// keyBuf returns the transaction's scratch buffer for encoding keys. The
// engine copies keys it keeps, so the buffer is reused by every call.
func (r tableRef) keyBuf() []byte { return r.base().keyBuf[:0] }

func (r tableRef) setKeyBuf(b []byte) { r.base().keyBuf = b }

// view decodes payload into a View of the calling transaction.
func view[T any](r tableRef, codec Codec[T], payload []byte) (View[T], error) {
	ptr, err := codec.Access(payload)
	if err != nil {
		r.base().env.stats.RecordTick(TickerDecodeErrors, 1)
		return View[T]{}, decodeErr(r.name(), err)
	}
	return newView(r.tx, codec, payload, ptr), nil
}

// scanStart selects where an iteration begins and which way it moves.
type scanStart int

const (
	scanFirst scanStart = iota
	scanLast
	// scanFrom starts at the first key >= from and moves forward.
	scanFrom
	// scanRevFrom starts at from when present, otherwise at the greatest
	// key < from, and moves backward.
	scanRevFrom
)

func (s scanStart) reverse() bool { return s == scanLast || s == scanRevFrom }

// scan returns a single-pass sequence over the table. The cursor is opened
// immediately so that engine failures surface as an error here; iteration
// itself never fails. A record that cannot be decoded is logged, counted,
// reported to listeners and ends the sequence.
func scan[KO, V any](r tableRef, start scanStart, from []byte, keyOf func([]byte) (KO, error), values Codec[V]) (iter.Seq2[KO, View[V]], error) {
	cur, err := openCursor(r.tx, r.entry)
	if err != nil {
		return nil, err
	}
	from = bytes.Clone(from)
	used := false

	return func(yield func(KO, View[V]) bool) {
		if used {
			panic("tablekv: table iterator reused; call Iter again")
		}
		used = true
		defer cur.Close()

		var k, v []byte
		var ok bool
		switch start {
		case scanFirst:
			k, v, ok = cur.First()
		case scanLast:
			k, v, ok = cur.Last()
		case scanFrom:
			k, v, ok = cur.Seek(from)
		case scanRevFrom:
			k, v, ok = cur.Seek(from)
			switch {
			case !ok:
				k, v, ok = cur.Last()
			case !bytes.Equal(k, from):
				k, v, ok = cur.Prev()
			}
		}

		stats := r.base().env.stats
		for ok {
			key, err := keyOf(k)
			if err != nil {
				r.truncated(k, err)
				return
			}
			payload, _, err := r.entry.frame.Decode(v)
			if err != nil {
				r.truncated(k, err)
				return
			}
			ptr, err := values.Access(payload)
			if err != nil {
				r.truncated(k, err)
				return
			}
			stats.RecordTick(TickerIterRecords, 1)
			if !yield(key, newView(r.tx, values, payload, ptr)) {
				return
			}
			if start.reverse() {
				k, v, ok = cur.Prev()
			} else {
				k, v, ok = cur.Next()
			}
		}
	}, nil
}

func (r tableRef) truncated(key []byte, err error) {
	env := r.base().env
	err = decodeErr(r.name(), err)
	env.stats.RecordTick(TickerIterTruncated, 1)
	env.stats.RecordTick(TickerDecodeErrors, 1)
	env.logger.Errorf(logging.NSIter+"table %q: iteration stopped at key %x: %v", r.name(), key, err)
	info := &IterationTruncatedInfo{Table: r.name(), Key: bytes.Clone(key), Status: err}
	for _, l := range env.listeners {
		l.OnIterationTruncated(info)
	}
}

// last returns the final entry of the table in key order.
func (r tableRef) last() (key, payload []byte, ok bool, err error) {
	cur, err := openCursor(r.tx, r.entry)
	if err != nil {
		return nil, nil, false, err
	}
	defer cur.Close()
	k, v, ok := cur.Last()
	if !ok {
		return nil, nil, false, nil
	}
	payload, _, err = r.entry.frame.Decode(v)
	if err != nil {
		r.base().env.stats.RecordTick(TickerDecodeErrors, 1)
		return nil, nil, false, decodeErr(r.name(), err)
	}
	return k, payload, true, nil
}
