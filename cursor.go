package tablekv

import (
	"fmt"

	"github.com/aalhour/tablekv/internal/engine"
)

// Cursor is a positional handle over one table within one transaction.
// It returns keys and values exactly as stored, which includes any value
// framing the table declares; Payload removes it.
//
// Returned slices are valid while the transaction is open. Next on an
// unpositioned cursor behaves as First and Prev as Last. A move that finds
// nothing reports ok=false and leaves the position unchanged.
//
// Using a cursor after Close or after its transaction ended panics.
type Cursor struct {
	// b is the transaction state rather than the Txn, so an open cursor
	// does not keep a dropped RoTxn reachable.
	b      *txnBase
	entry  *tableEntry
	raw    engine.Cursor
	closed bool
}

func openCursor(tx Txn, entry *tableEntry) (*Cursor, error) {
	b := tx.base()
	b.mustBeOpen()
	raw, err := b.raw.OpenCursor(entry.handle)
	if err != nil {
		return nil, b.env.checkEngine(err)
	}
	c := &Cursor{b: b, entry: entry, raw: raw}
	if b.cursors == nil {
		b.cursors = make(map[*Cursor]struct{})
	}
	b.cursors[c] = struct{}{}
	return c, nil
}

// Table returns the name of the table the cursor walks.
func (c *Cursor) Table() string { return c.entry.decl.Name }

func (c *Cursor) get(key []byte, op engine.CursorOp) ([]byte, []byte, bool) {
	if c.closed {
		panic("tablekv: use of closed Cursor")
	}
	c.b.mustBeOpen()
	k, v, ok, err := c.raw.Get(key, op)
	if err != nil {
		panic(fmt.Sprintf("tablekv: cursor %s on %q: %v", op, c.entry.decl.Name, err))
	}
	return k, v, ok
}

// First moves to the first entry.
func (c *Cursor) First() (key, value []byte, ok bool) { return c.get(nil, engine.OpFirst) }

// Last moves to the last entry.
func (c *Cursor) Last() (key, value []byte, ok bool) { return c.get(nil, engine.OpLast) }

// Next moves to the following entry.
func (c *Cursor) Next() (key, value []byte, ok bool) { return c.get(nil, engine.OpNext) }

// Prev moves to the preceding entry.
func (c *Cursor) Prev() (key, value []byte, ok bool) { return c.get(nil, engine.OpPrev) }

// Seek moves to the first entry whose key is >= key in table order.
func (c *Cursor) Seek(key []byte) (k, value []byte, ok bool) { return c.get(key, engine.OpSetRange) }

// SeekExact moves to key if it exists.
func (c *Cursor) SeekExact(key []byte) (k, value []byte, ok bool) { return c.get(key, engine.OpSet) }

// Current returns the entry at the current position.
func (c *Cursor) Current() (key, value []byte, ok bool) { return c.get(nil, engine.OpGetCurrent) }

// Payload removes the table's value framing from a stored value, verifying
// its checksum. The result aliases value unless the table compresses.
func (c *Cursor) Payload(value []byte) ([]byte, error) {
	payload, _, err := c.entry.frame.Decode(value)
	if err != nil {
		return nil, decodeErr(c.entry.decl.Name, err)
	}
	return payload, nil
}

// Close releases the cursor. It is safe to call more than once.
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	delete(c.b.cursors, c)
	c.release()
}

func (c *Cursor) release() {
	if c.closed {
		return
	}
	c.closed = true
	c.raw.Close()
}
