package tablekv

// transaction.go implements read and write transactions over the engine.

import (
	"runtime"
	"sync/atomic"

	"github.com/aalhour/tablekv/internal/engine"
	"github.com/aalhour/tablekv/internal/logging"
)

const (
	txnOpen int32 = iota
	txnCommitted
	txnAborted
)

// Txn is a transaction of either kind. Read operations accept any Txn;
// write operations need a *RwTxn.
//
// A transaction must not be used from several goroutines at once.
type Txn interface {
	// Cursor opens a raw cursor over a declared table.
	Cursor(table string) (*Cursor, error)
	// Env returns the environment that began the transaction.
	Env() *Env
	// ReadOnly reports whether the transaction is a *RoTxn.
	ReadOnly() bool

	base() *txnBase
}

// txnBase is the state shared by both transaction kinds.
type txnBase struct {
	env      *Env
	raw      engine.Txn
	readOnly bool
	state    atomic.Int32

	// gated is set when ending the transaction releases the admission
	// gate; scheduled is set for transactions owned by the write scheduler.
	gated     bool
	scheduled bool

	cursors map[*Cursor]struct{}

	// writes counts mutations; a View taken before a write in the same
	// transaction is stale once it changes.
	writes uint64

	keyBuf   []byte
	valBuf   []byte
	frameBuf []byte
}

func (t *txnBase) isOpen() bool { return t.state.Load() == txnOpen }

func (t *txnBase) mustBeOpen() {
	if !t.isOpen() {
		panic(ErrTxnClosed)
	}
}

func (t *txnBase) kind() string {
	if t.readOnly {
		return "read"
	}
	return "write"
}

func (t *txnBase) closeCursors() {
	for c := range t.cursors {
		c.release()
	}
	t.cursors = nil
}

// finish releases what the engine transaction held on the Env side.
func (t *txnBase) finish() {
	t.env.untrack(t)
	if t.gated {
		t.env.gate.Release(1)
	}
}

func (t *txnBase) commit() error {
	t.env.endMu.RLock()
	defer t.env.endMu.RUnlock()
	if !t.state.CompareAndSwap(txnOpen, txnCommitted) {
		return ErrTxnClosed
	}
	t.closeCursors()
	err := t.raw.Commit()
	t.finish()
	if err != nil {
		t.state.Store(txnAborted)
		recordTick(t.env.stats, TickerTxnAbort, 1)
		t.env.logger.Warnf(logging.NSTxn+"%s transaction commit failed: %v", t.kind(), err)
		return t.env.checkEngine(err)
	}
	recordTick(t.env.stats, TickerTxnCommit, 1)
	t.env.logger.Debugf(logging.NSTxn+"%s transaction committed", t.kind())
	return nil
}

func (t *txnBase) abort() bool {
	t.env.endMu.RLock()
	defer t.env.endMu.RUnlock()
	return t.abortLocked()
}

// abortLocked ends the transaction. The caller holds env.endMu.
func (t *txnBase) abortLocked() bool {
	if !t.state.CompareAndSwap(txnOpen, txnAborted) {
		return false
	}
	t.closeCursors()
	t.raw.Abort()
	t.finish()
	recordTick(t.env.stats, TickerTxnAbort, 1)
	t.env.logger.Debugf(logging.NSTxn+"%s transaction aborted", t.kind())
	return true
}

// RoTxn is a read-only transaction. It sees the store as of its beginning
// and holds one reader slot until it ends. A RoTxn that is dropped without
// Abort is aborted once the garbage collector finds it, but reader slots are
// scarce: always Abort.
type RoTxn struct {
	b *txnBase
}

var _ Txn = (*RoTxn)(nil)

func newRoTxn(b *txnBase) *RoTxn {
	tx := &RoTxn{b: b}
	runtime.AddCleanup(tx, func(b *txnBase) {
		// A no-op once Close has aborted the transaction.
		if b.abort() {
			recordTick(b.env.stats, TickerTxnLeaked, 1)
			b.env.logger.Warnf(logging.NSTxn + "read transaction dropped without Abort")
		}
	}, b)
	return tx
}

func (tx *RoTxn) base() *txnBase { return tx.b }

// Env returns the environment that began the transaction.
func (tx *RoTxn) Env() *Env { return tx.b.env }

// ReadOnly returns true.
func (tx *RoTxn) ReadOnly() bool { return true }

// Cursor opens a raw cursor over a declared table. It panics if the table
// was not declared.
func (tx *RoTxn) Cursor(table string) (*Cursor, error) { return openCursor(tx, tx.b.env.entry(table)) }

// Commit ends the transaction. For a read transaction it is equivalent to
// Abort except that it reports ErrTxnClosed when already ended.
func (tx *RoTxn) Commit() error { return tx.b.commit() }

// Abort ends the transaction. It is a no-op once the transaction ended.
func (tx *RoTxn) Abort() { tx.b.abort() }

// RwTxn is a write transaction. Only one exists at a time per Env and it
// is bound to the goroutine and OS thread that began it. Views read through
// a RwTxn are invalidated by any later write in the same transaction.
type RwTxn struct {
	b *txnBase
}

var _ Txn = (*RwTxn)(nil)

// newRwTxn wraps b. A write transaction cannot be aborted from the cleanup
// goroutine: the engine ties it to the thread that began it. A dropped one
// is only reported, and writes stay blocked until the process exits.
func newRwTxn(b *txnBase) *RwTxn {
	tx := &RwTxn{b: b}
	runtime.AddCleanup(tx, func(b *txnBase) {
		if b.isOpen() {
			recordTick(b.env.stats, TickerTxnLeaked, 1)
			b.env.logger.Errorf(logging.NSTxn + "write transaction dropped without Commit or Abort; later writes will block")
		}
	}, b)
	return tx
}

func (tx *RwTxn) base() *txnBase { return tx.b }

// Env returns the environment that began the transaction.
func (tx *RwTxn) Env() *Env { return tx.b.env }

// ReadOnly returns false.
func (tx *RwTxn) ReadOnly() bool { return false }

// Cursor opens a raw cursor over a declared table. It panics if the table
// was not declared.
func (tx *RwTxn) Cursor(table string) (*Cursor, error) { return openCursor(tx, tx.b.env.entry(table)) }

// Commit makes the transaction's writes durable and visible to later
// readers. It returns ErrTxnClosed when the transaction already ended.
// A failed commit leaves the transaction aborted.
func (tx *RwTxn) Commit() error { return tx.b.commit() }

// Abort discards the transaction's writes. It is a no-op once the
// transaction ended, so it is safe to defer right after WriteTx.
func (tx *RwTxn) Abort() { tx.b.abort() }
