// Package memengine implements engine.Env in memory.
//
// Each table is a github.com/google/btree tree. A write transaction works on
// lazy clones of the committed trees and publishes them on Commit; readers
// hold the snapshot that was current when they began. Key ordering, key size
// limits, reader slots, the single-writer rule and the map size limit follow
// LMDB so the two engines are interchangeable in tests.
package memengine

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/aalhour/tablekv/internal/engine"
)

const (
	btreeDegree       = 32
	defaultMaxReaders = 126
	// itemOverhead approximates per-entry page bookkeeping when charging
	// entries against the map size.
	itemOverhead = 16
)

type item struct {
	key []byte
	val []byte
}

type table struct {
	name  string
	flags engine.Flags
	less  btree.LessFunc[item]
	tree  *btree.BTreeG[item]
}

func newTable(name string, flags engine.Flags) *table {
	cmp := comparatorFor(flags)
	var less btree.LessFunc[item]
	if flags.Has(engine.DupSort) {
		less = func(a, b item) bool {
			if c := cmp(a.key, b.key); c != 0 {
				return c < 0
			}
			return bytes.Compare(a.val, b.val) < 0
		}
	} else {
		less = func(a, b item) bool { return cmp(a.key, b.key) < 0 }
	}
	return &table{name: name, flags: flags.Persistent(), less: less, tree: btree.NewG(btreeDegree, less)}
}

func (t *table) clone() *table {
	c := *t
	c.tree = t.tree.Clone()
	return &c
}

// snapshot is an immutable committed state. Trees inside a published
// snapshot are never written again.
type snapshot struct {
	tables map[engine.Table]*table
	names  map[string]engine.Table
	used   int64
}

// Env is an in-memory engine.Env.
type Env struct {
	cfg engine.Config

	writer sync.Mutex

	mu         sync.Mutex
	current    *snapshot
	nextHandle engine.Table
	readers    int
	maxReaders int
	closed     bool
}

var _ engine.Env = (*Env)(nil)

// Open creates an empty store. Path is ignored.
func Open(cfg engine.Config) (engine.Env, error) {
	if cfg.MapSize < 0 || cfg.MaxTables < 0 {
		return nil, engine.NewError("open", engine.CodeInvalidParameter, 0)
	}
	maxReaders := cfg.MaxReaders
	if maxReaders <= 0 {
		maxReaders = defaultMaxReaders
	}
	return &Env{
		cfg:        cfg,
		current:    &snapshot{tables: map[engine.Table]*table{}, names: map[string]engine.Table{}},
		nextHandle: 2, // LMDB reserves 0 and 1 for its internal tables.
		maxReaders: maxReaders,
	}, nil
}

// Begin starts a transaction. A write Begin blocks while another write
// transaction is open.
func (e *Env) Begin(readOnly bool) (engine.Txn, error) {
	if readOnly {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return nil, engine.NewError("begin", engine.CodeInvalid, 0)
		}
		if e.readers >= e.maxReaders {
			return nil, engine.NewError("begin", engine.CodeReadersFull, 0)
		}
		e.readers++
		return &Txn{env: e, readOnly: true, snap: e.current}, nil
	}

	e.writer.Lock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.writer.Unlock()
		return nil, engine.NewError("begin", engine.CodeInvalid, 0)
	}
	base := e.current
	work := &snapshot{
		tables: make(map[engine.Table]*table, len(base.tables)),
		names:  make(map[string]engine.Table, len(base.names)),
		used:   base.used,
	}
	for h, t := range base.tables {
		work.tables[h] = t.clone()
	}
	for n, h := range base.names {
		work.names[n] = h
	}
	return &Txn{env: e, snap: work}, nil
}

// Sync is a no-op.
func (e *Env) Sync(bool) error { return nil }

func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Txn is an in-memory transaction.
type Txn struct {
	env      *Env
	readOnly bool
	snap     *snapshot
	done     bool
}

var _ engine.Txn = (*Txn)(nil)

func (t *Txn) ReadOnly() bool { return t.readOnly }

func (t *Txn) table(op string, h engine.Table) (*table, error) {
	if t.done {
		return nil, engine.NewError(op, engine.CodeInvalid, 0)
	}
	tbl, ok := t.snap.tables[h]
	if !ok {
		return nil, engine.NewError(op, engine.CodeInvalidParameter, 0)
	}
	return tbl, nil
}

func (t *Txn) writable(op string, h engine.Table) (*table, error) {
	if t.readOnly {
		return nil, engine.NewError(op, engine.CodeTxnReadOnly, 0)
	}
	return t.table(op, h)
}

func (t *Txn) OpenTable(name string, flags engine.Flags) (engine.Table, error) {
	if t.done {
		return 0, engine.NewError("open-table", engine.CodeInvalid, 0)
	}
	if h, ok := t.snap.names[name]; ok {
		if t.snap.tables[h].flags != flags.Persistent() {
			return 0, engine.NewError("open-table", engine.CodeIncompatible, 0)
		}
		return h, nil
	}
	if !flags.Has(engine.Create) || t.readOnly {
		return 0, engine.NewError("open-table", engine.CodeInvalidParameter, 0)
	}
	if t.env.cfg.MaxTables > 0 && len(t.snap.names) >= t.env.cfg.MaxTables {
		return 0, engine.NewError("open-table", engine.CodeTablesFull, 0)
	}
	t.env.mu.Lock()
	h := t.env.nextHandle
	t.env.nextHandle++
	t.env.mu.Unlock()
	t.snap.names[name] = h
	t.snap.tables[h] = newTable(name, flags)
	return h, nil
}

func (t *Txn) Get(h engine.Table, key []byte) ([]byte, bool, error) {
	tbl, err := t.table("get", h)
	if err != nil {
		return nil, false, err
	}
	if !validKey(tbl.flags, key) {
		return nil, false, engine.NewError("get", engine.CodeBadValSize, 0)
	}
	var found item
	ok := false
	tbl.tree.AscendGreaterOrEqual(item{key: key}, func(it item) bool {
		if comparatorFor(tbl.flags)(it.key, key) == 0 {
			found, ok = it, true
		}
		return false
	})
	if !ok {
		return nil, false, nil
	}
	return found.val, true, nil
}

func (t *Txn) Put(h engine.Table, key, val []byte) error {
	tbl, err := t.writable("put", h)
	if err != nil {
		return err
	}
	if !validKey(tbl.flags, key) {
		return engine.NewError("put", engine.CodeBadValSize, 0)
	}
	if tbl.flags.Has(engine.DupSort) && len(val) > maxKeySize {
		return engine.NewError("put", engine.CodeBadValSize, 0)
	}
	it := item{key: append([]byte(nil), key...), val: append([]byte(nil), val...)}
	delta := int64(len(key) + len(val) + itemOverhead)
	if old, replaced := tbl.tree.Get(it); replaced {
		delta -= int64(len(old.key) + len(old.val) + itemOverhead)
	}
	if t.env.cfg.MapSize > 0 && t.snap.used+delta > t.env.cfg.MapSize {
		return engine.NewError("put", engine.CodeMapFull, 0)
	}
	tbl.tree.ReplaceOrInsert(it)
	t.snap.used += delta
	return nil
}

func (t *Txn) Del(h engine.Table, key []byte) (bool, error) {
	tbl, err := t.writable("del", h)
	if err != nil {
		return false, err
	}
	if !validKey(tbl.flags, key) {
		return false, engine.NewError("del", engine.CodeBadValSize, 0)
	}
	existed := false
	cmp := comparatorFor(tbl.flags)
	for {
		var victim item
		found := false
		tbl.tree.AscendGreaterOrEqual(item{key: key}, func(it item) bool {
			victim, found = it, cmp(it.key, key) == 0
			return false
		})
		if !found {
			return existed, nil
		}
		tbl.tree.Delete(victim)
		t.snap.used -= int64(len(victim.key) + len(victim.val) + itemOverhead)
		existed = true
	}
}

func (t *Txn) Drop(h engine.Table) error {
	tbl, err := t.writable("drop", h)
	if err != nil {
		return err
	}
	tbl.tree.Ascend(func(it item) bool {
		t.snap.used -= int64(len(it.key) + len(it.val) + itemOverhead)
		return true
	})
	tbl.tree.Clear(false)
	return nil
}

func (t *Txn) Entries(h engine.Table) (uint64, error) {
	tbl, err := t.table("stat", h)
	if err != nil {
		return 0, err
	}
	return uint64(tbl.tree.Len()), nil
}

func (t *Txn) OpenCursor(h engine.Table) (engine.Cursor, error) {
	tbl, err := t.table("cursor-open", h)
	if err != nil {
		return nil, err
	}
	return &Cursor{txn: t, tbl: tbl}, nil
}

func (t *Txn) Commit() error {
	if t.done {
		return engine.NewError("commit", engine.CodeInvalid, 0)
	}
	t.done = true
	e := t.env
	if t.readOnly {
		e.mu.Lock()
		e.readers--
		e.mu.Unlock()
		return nil
	}
	e.mu.Lock()
	closed := e.closed
	if !closed {
		e.current = t.snap
	}
	e.mu.Unlock()
	e.writer.Unlock()
	if closed {
		return engine.NewError("commit", engine.CodeInvalid, 0)
	}
	return nil
}

func (t *Txn) Abort() {
	if t.done {
		return
	}
	t.done = true
	if t.readOnly {
		t.env.mu.Lock()
		t.env.readers--
		t.env.mu.Unlock()
		return
	}
	t.env.writer.Unlock()
}

// Cursor walks one table. The position is remembered as the current item
// so writes in the same transaction do not invalidate it.
type Cursor struct {
	txn    *Txn
	tbl    *table
	cur    item
	placed bool
}

var _ engine.Cursor = (*Cursor)(nil)

func (c *Cursor) Get(key []byte, op engine.CursorOp) ([]byte, []byte, bool, error) {
	if c.txn.done {
		return nil, nil, false, engine.NewError("cursor-get", engine.CodeInvalid, 0)
	}
	tree := c.tbl.tree
	var (
		it item
		ok bool
	)
	switch op {
	case engine.OpFirst:
		it, ok = tree.Min()
	case engine.OpLast:
		it, ok = tree.Max()
	case engine.OpNext:
		if !c.placed {
			it, ok = tree.Min()
			break
		}
		tree.AscendGreaterOrEqual(c.cur, func(x item) bool {
			if c.tbl.less(c.cur, x) {
				it, ok = x, true
				return false
			}
			return true
		})
	case engine.OpPrev:
		if !c.placed {
			it, ok = tree.Max()
			break
		}
		tree.DescendLessOrEqual(c.cur, func(x item) bool {
			if c.tbl.less(x, c.cur) {
				it, ok = x, true
				return false
			}
			return true
		})
	case engine.OpSet, engine.OpSetRange:
		if !validKey(c.tbl.flags, key) {
			return nil, nil, false, engine.NewError("cursor-get", engine.CodeBadValSize, 0)
		}
		cmp := comparatorFor(c.tbl.flags)
		tree.AscendGreaterOrEqual(item{key: key}, func(x item) bool {
			if op == engine.OpSetRange || cmp(x.key, key) == 0 {
				it, ok = x, true
			}
			return false
		})
	case engine.OpGetCurrent:
		if !c.placed {
			return nil, nil, false, engine.NewError("cursor-get", engine.CodeInvalidParameter, 0)
		}
		it, ok = tree.Get(c.cur)
	default:
		return nil, nil, false, engine.NewError("cursor-get", engine.CodeInvalidParameter, 0)
	}
	if !ok {
		return nil, nil, false, nil
	}
	c.cur, c.placed = it, true
	return it.key, it.val, true, nil
}

func (c *Cursor) Close() {}
