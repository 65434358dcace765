// Package lmdbengine implements engine.Env on top of LMDB.
//
// Every status returned by lmdb-go is translated into an *engine.Error here;
// NotFound is folded into the ok/existed results.
package lmdbengine

import (
	"errors"
	"os"
	"runtime"
	"syscall"

	"github.com/bmatsuo/lmdb-go/lmdb"

	"github.com/aalhour/tablekv/internal/engine"
)

// mdbIntegerKey is MDB_INTEGERKEY. lmdb-go does not export it, but
// OpenDBI hands flags to mdb_dbi_open unchanged. Keys must then be
// native-endian unsigned integers of 4 or 8 bytes.
const mdbIntegerKey = 0x08

// Open opens or creates an LMDB environment at cfg.Path.
// The environment always runs with NoTLS so read transactions may move
// between goroutines.
func Open(cfg engine.Config) (engine.Env, error) {
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, translate("create", engine.StatusOpen, err)
	}
	if err := env.SetMaxDBs(cfg.MaxTables); err != nil {
		_ = env.Close()
		return nil, engine.NewError("set-max-tables", engine.CodeInvalidParameter, errnoOf(err))
	}
	if err := env.SetMapSize(cfg.MapSize); err != nil {
		_ = env.Close()
		return nil, engine.NewError("set-map-size", engine.CodeInvalidParameter, errnoOf(err))
	}
	if cfg.MaxReaders > 0 {
		if err := env.SetMaxReaders(cfg.MaxReaders); err != nil {
			_ = env.Close()
			return nil, engine.NewError("set-max-readers", engine.CodeInvalidParameter, errnoOf(err))
		}
	}

	flags := uint(lmdb.NoTLS)
	if cfg.NoSubdir {
		flags |= lmdb.NoSubdir
	}
	if cfg.NoSync {
		flags |= lmdb.NoSync
	}
	if cfg.NoMetaSync {
		flags |= lmdb.NoMetaSync
	}
	if cfg.NoReadahead {
		flags |= lmdb.NoReadahead
	}
	if cfg.ReadOnly {
		flags |= lmdb.Readonly
	}
	mode := cfg.FileMode
	if mode == 0 {
		mode = 0o644
	}
	if err := env.Open(cfg.Path, flags, mode); err != nil {
		_ = env.Close()
		return nil, translate("open", engine.StatusOpen, err)
	}
	return &Env{env: env}, nil
}

// Env wraps *lmdb.Env.
type Env struct {
	env *lmdb.Env
}

var _ engine.Env = (*Env)(nil)

// Begin starts a transaction. For write transactions the calling goroutine
// is locked to its OS thread until Commit or Abort.
func (e *Env) Begin(readOnly bool) (engine.Txn, error) {
	var flags uint
	if readOnly {
		flags = lmdb.Readonly
	} else {
		runtime.LockOSThread()
	}
	txn, err := e.env.BeginTxn(nil, flags)
	if err != nil {
		if !readOnly {
			runtime.UnlockOSThread()
		}
		return nil, translate("begin", engine.StatusBegin, err)
	}
	txn.RawRead = true
	return &Txn{txn: txn, readOnly: readOnly}, nil
}

func (e *Env) Sync(force bool) error {
	if err := e.env.Sync(force); err != nil {
		return translate("sync", engine.StatusCommit, err)
	}
	return nil
}

func (e *Env) Close() error {
	if err := e.env.Close(); err != nil {
		return translate("close", engine.StatusOther, err)
	}
	return nil
}

// Txn wraps *lmdb.Txn.
type Txn struct {
	txn      *lmdb.Txn
	readOnly bool
	done     bool
}

var _ engine.Txn = (*Txn)(nil)

func (t *Txn) ReadOnly() bool { return t.readOnly }

func (t *Txn) OpenTable(name string, flags engine.Flags) (engine.Table, error) {
	var f uint
	if flags.Has(engine.Create) && !t.readOnly {
		f |= lmdb.Create
	}
	if flags.Has(engine.IntegerKey) {
		f |= mdbIntegerKey
	}
	if flags.Has(engine.ReverseKey) {
		f |= lmdb.ReverseKey
	}
	if flags.Has(engine.DupSort) {
		f |= lmdb.DupSort
	}
	dbi, err := t.txn.OpenDBI(name, f)
	if err != nil {
		if lmdb.IsNotFound(err) {
			return 0, engine.NewError("open-table", engine.CodeInvalidParameter, int(lmdb.NotFound))
		}
		return 0, translate("open-table", engine.StatusOther, err)
	}
	return engine.Table(dbi), nil
}

func (t *Txn) Get(tbl engine.Table, key []byte) ([]byte, bool, error) {
	v, err := t.txn.Get(lmdb.DBI(tbl), key)
	if err != nil {
		if lmdb.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, translate("get", engine.StatusRead, err)
	}
	return v, true, nil
}

func (t *Txn) Put(tbl engine.Table, key, val []byte) error {
	if err := t.txn.Put(lmdb.DBI(tbl), key, val, 0); err != nil {
		return translate("put", engine.StatusWrite, err)
	}
	return nil
}

// Del removes key with every value stored under it. lmdb-go never passes
// NULL data to mdb_del, which a dup-sorted table reads as "delete the
// empty value", so those go through a cursor.
func (t *Txn) Del(tbl engine.Table, key []byte) (bool, error) {
	dbi := lmdb.DBI(tbl)
	if len(key) == 0 {
		return false, engine.NewError("del", engine.CodeBadValSize, int(lmdb.BadValSize))
	}
	flags, err := t.txn.Flags(dbi)
	if err != nil {
		return false, translate("del", engine.StatusWrite, err)
	}
	if flags&lmdb.DupSort == 0 {
		if err := t.txn.Del(dbi, key, nil); err != nil {
			if lmdb.IsNotFound(err) {
				return false, nil
			}
			return false, translate("del", engine.StatusWrite, err)
		}
		return true, nil
	}

	cur, err := t.txn.OpenCursor(dbi)
	if err != nil {
		return false, translate("del", engine.StatusWrite, err)
	}
	defer cur.Close()
	if _, _, err := cur.Get(key, nil, lmdb.SetKey); err != nil {
		if lmdb.IsNotFound(err) {
			return false, nil
		}
		return false, translate("del", engine.StatusWrite, err)
	}
	if err := cur.Del(lmdb.NoDupData); err != nil {
		return false, translate("del", engine.StatusWrite, err)
	}
	return true, nil
}

func (t *Txn) Drop(tbl engine.Table) error {
	if err := t.txn.Drop(lmdb.DBI(tbl), false); err != nil {
		return translate("drop", engine.StatusWrite, err)
	}
	return nil
}

func (t *Txn) Entries(tbl engine.Table) (uint64, error) {
	st, err := t.txn.Stat(lmdb.DBI(tbl))
	if err != nil {
		return 0, translate("stat", engine.StatusRead, err)
	}
	return st.Entries, nil
}

func (t *Txn) OpenCursor(tbl engine.Table) (engine.Cursor, error) {
	c, err := t.txn.OpenCursor(lmdb.DBI(tbl))
	if err != nil {
		return nil, translate("cursor-open", engine.StatusRead, err)
	}
	return &Cursor{cur: c}, nil
}

func (t *Txn) Commit() error {
	if t.done {
		return engine.NewError("commit", engine.CodeInvalid, int(syscall.EINVAL))
	}
	t.done = true
	err := t.txn.Commit()
	t.release()
	if err != nil {
		return translate("commit", engine.StatusCommit, err)
	}
	return nil
}

func (t *Txn) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.txn.Abort()
	t.release()
}

func (t *Txn) release() {
	if !t.readOnly {
		runtime.UnlockOSThread()
	}
}

// Cursor wraps *lmdb.Cursor.
type Cursor struct {
	cur *lmdb.Cursor
}

var _ engine.Cursor = (*Cursor)(nil)

var cursorOps = [...]uint{
	engine.OpFirst:      lmdb.First,
	engine.OpLast:       lmdb.Last,
	engine.OpNext:       lmdb.Next,
	engine.OpPrev:       lmdb.Prev,
	engine.OpSet:        lmdb.SetKey,
	engine.OpSetRange:   lmdb.SetRange,
	engine.OpGetCurrent: lmdb.GetCurrent,
}

func (c *Cursor) Get(key []byte, op engine.CursorOp) ([]byte, []byte, bool, error) {
	if op < 0 || int(op) >= len(cursorOps) {
		return nil, nil, false, engine.NewError("cursor-get", engine.CodeInvalidParameter, int(syscall.EINVAL))
	}
	var setkey []byte
	if op == engine.OpSet || op == engine.OpSetRange {
		setkey = key
	}
	k, v, err := c.cur.Get(setkey, nil, cursorOps[op])
	if err != nil {
		if lmdb.IsNotFound(err) {
			return nil, nil, false, nil
		}
		return nil, nil, false, translate("cursor-get", engine.StatusRead, err)
	}
	return k, v, true, nil
}

func (c *Cursor) Close() { c.cur.Close() }

// translate maps an lmdb-go error for the given phase.
func translate(op string, phase engine.Status, err error) error {
	var code engine.Code
	switch e := unwrapOp(err).(type) {
	case lmdb.Errno:
		code = fromLMDB(phase, e)
	case syscall.Errno:
		code = engine.FromErrno(phase, e)
	default:
		code = engine.CodeUnknown
	}
	return engine.NewError(op, code, errnoOf(err))
}

// unwrapOp strips *lmdb.OpError, which predates error wrapping.
func unwrapOp(err error) error {
	var op *lmdb.OpError
	if errors.As(err, &op) {
		return op.Errno
	}
	return err
}

func fromLMDB(phase engine.Status, e lmdb.Errno) engine.Code {
	switch e {
	case lmdb.VersionMismatch:
		return engine.CodeVersionMismatch
	case lmdb.Invalid:
		if phase == engine.StatusOpen {
			return engine.CodeCorrupted
		}
		return engine.CodeInvalid
	case lmdb.Corrupted, lmdb.PageNotFound:
		return engine.CodeCorrupted
	case lmdb.Panic:
		return engine.CodePanic
	case lmdb.MapResized:
		return engine.CodeMapResized
	case lmdb.ReadersFull:
		return engine.CodeReadersFull
	case lmdb.MapFull:
		return engine.CodeMapFull
	case lmdb.TxnFull:
		return engine.CodeTxnFull
	case lmdb.KeyExist:
		return engine.CodeKeyExists
	case lmdb.BadValSize:
		return engine.CodeBadValSize
	case lmdb.DBsFull:
		return engine.CodeTablesFull
	case lmdb.Incompatible:
		return engine.CodeIncompatible
	}
	return engine.CodeUnknown
}

func errnoOf(err error) int {
	switch e := unwrapOp(err).(type) {
	case lmdb.Errno:
		return int(e)
	case syscall.Errno:
		return int(e)
	}
	return 0
}

// Exists reports whether an LMDB environment is present at path.
func Exists(path string, noSubdir bool) bool {
	if noSubdir {
		_, err := os.Stat(path)
		return err == nil
	}
	_, err := os.Stat(path + string(os.PathSeparator) + "data.mdb")
	return err == nil
}
