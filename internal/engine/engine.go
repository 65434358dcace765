// Package engine defines the contract tablekv consumes from an embedded,
// single-writer/multi-reader, ordered key-value store.
//
// Two implementations exist:
//   - lmdbengine: LMDB through github.com/bmatsuo/lmdb-go (persistent)
//   - memengine:  copy-on-write B-trees through github.com/google/btree
//
// Contract: byte slices returned by Get and Cursor.Get are valid only until
// the transaction ends or the next write in the same transaction. Callers
// must not modify them.
//
// Contract: a write transaction must be used, committed and aborted from the
// goroutine that began it, with that goroutine locked to its OS thread.
package engine

import "os"

// Flags configure a table when it is opened.
type Flags uint

const (
	// Create the table if it does not exist.
	Create Flags = 1 << iota
	// IntegerKey keys are native-endian 4 or 8 byte unsigned integers
	// compared numerically.
	IntegerKey
	// ReverseKey keys are compared byte-wise from the end.
	ReverseKey
	// DupSort allows several sorted values per key.
	DupSort
)

// Has reports whether all bits of o are set.
func (f Flags) Has(o Flags) bool { return f&o == o }

// Persistent returns the flags that define a table's on-disk layout.
// Create is an open-time instruction and is not part of the layout.
func (f Flags) Persistent() Flags { return f &^ Create }

// Table is an opaque handle to a named table. Handles remain valid for
// the lifetime of the Env once the transaction that opened them commits.
type Table uint32

// CursorOp positions a cursor.
type CursorOp int

const (
	OpFirst CursorOp = iota
	OpLast
	OpNext
	OpPrev
	// OpSet positions at key exactly.
	OpSet
	// OpSetRange positions at the first key >= key.
	OpSetRange
	OpGetCurrent
)

// String returns the name of the op.
func (op CursorOp) String() string {
	switch op {
	case OpFirst:
		return "first"
	case OpLast:
		return "last"
	case OpNext:
		return "next"
	case OpPrev:
		return "prev"
	case OpSet:
		return "set"
	case OpSetRange:
		return "set-range"
	case OpGetCurrent:
		return "get-current"
	default:
		return "unknown"
	}
}

// Config holds everything needed to open an environment.
type Config struct {
	Path       string
	MapSize    int64
	MaxTables  int
	MaxReaders int
	FileMode   os.FileMode

	NoSubdir    bool
	NoSync      bool
	NoMetaSync  bool
	NoReadahead bool
	ReadOnly    bool
}

// Env is an open store.
type Env interface {
	// Begin starts a transaction.
	Begin(readOnly bool) (Txn, error)
	// Sync flushes buffers to disk. force syncs even when the environment
	// was opened with NoSync or NoMetaSync.
	Sync(force bool) error
	// Close releases the environment. All transactions must have ended.
	Close() error
}

// Txn is one engine transaction.
type Txn interface {
	ReadOnly() bool

	// OpenTable resolves name to a handle, creating it when flags has Create
	// and the transaction is writable.
	OpenTable(name string, flags Flags) (Table, error)

	// Get returns the value stored under key.
	Get(t Table, key []byte) (val []byte, ok bool, err error)
	// Put upserts key.
	Put(t Table, key, val []byte) error
	// Del removes key and reports whether it existed.
	Del(t Table, key []byte) (existed bool, err error)
	// Drop removes every row of t. The table itself survives.
	Drop(t Table) error
	// Entries returns the number of rows in t.
	Entries(t Table) (uint64, error)

	OpenCursor(t Table) (Cursor, error)

	Commit() error
	// Abort discards the transaction. It is safe to call more than once and
	// after Commit.
	Abort()
}

// Cursor is a positional handle over one table.
type Cursor interface {
	// Get moves the cursor by op. key is used by OpSet and OpSetRange.
	// ok is false when there is no entry at the new position.
	Get(key []byte, op CursorOp) (k, v []byte, ok bool, err error)
	Close()
}

// Opener opens an environment from a Config.
type Opener func(cfg Config) (Env, error)
