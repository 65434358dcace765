// Package enginetest is a conformance suite run against every engine.Env
// implementation.
package enginetest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/tablekv/internal/engine"
)

// Opener opens a fresh environment for one subtest.
type Opener func(t *testing.T, cfg engine.Config) engine.Env

// DefaultConfig is small enough for tests.
func DefaultConfig() engine.Config {
	return engine.Config{
		MapSize:    64 << 20,
		MaxTables:  16,
		MaxReaders: 16,
		NoSync:     true,
	}
}

// Run executes the suite.
func Run(t *testing.T, open Opener) {
	t.Run("PutGetDel", func(t *testing.T) { testPutGetDel(t, open) })
	t.Run("CommitVisibility", func(t *testing.T) { testCommitVisibility(t, open) })
	t.Run("AbortDiscards", func(t *testing.T) { testAbortDiscards(t, open) })
	t.Run("SnapshotIsolation", func(t *testing.T) { testSnapshotIsolation(t, open) })
	t.Run("CursorOrder", func(t *testing.T) { testCursorOrder(t, open) })
	t.Run("ReverseKey", func(t *testing.T) { testReverseKey(t, open) })
	t.Run("IntegerKey", func(t *testing.T) { testIntegerKey(t, open) })
	t.Run("DropAndEntries", func(t *testing.T) { testDropAndEntries(t, open) })
	t.Run("ReadOnlyWrite", func(t *testing.T) { testReadOnlyWrite(t, open) })
	t.Run("BadKeySize", func(t *testing.T) { testBadKeySize(t, open) })
	t.Run("ReadersFull", func(t *testing.T) { testReadersFull(t, open) })
	t.Run("MapFull", func(t *testing.T) { testMapFull(t, open) })
	t.Run("AbortIdempotent", func(t *testing.T) { testAbortIdempotent(t, open) })
	t.Run("DupSortDel", func(t *testing.T) { testDupSortDel(t, open) })
	t.Run("ReadOnlyCommitKeepsHandles", func(t *testing.T) { testReadOnlyCommitKeepsHandles(t, open) })
}

// writeTable begins a write txn and opens name with Create.
func writeTable(t *testing.T, env engine.Env, name string, flags engine.Flags) (engine.Txn, engine.Table) {
	t.Helper()
	txn, err := env.Begin(false)
	require.NoError(t, err)
	tbl, err := txn.OpenTable(name, flags|engine.Create)
	require.NoError(t, err)
	return txn, tbl
}

func testPutGetDel(t *testing.T, open Opener) {
	env := open(t, DefaultConfig())
	txn, tbl := writeTable(t, env, "t", 0)
	defer txn.Abort()

	_, ok, err := txn.Get(tbl, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, txn.Put(tbl, []byte("k"), []byte("v1")))
	require.NoError(t, txn.Put(tbl, []byte("k"), []byte("v2")))
	v, ok, err := txn.Get(tbl, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(v))

	existed, err := txn.Del(tbl, []byte("k"))
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = txn.Del(tbl, []byte("k"))
	require.NoError(t, err)
	assert.False(t, existed)
}

func testCommitVisibility(t *testing.T, open Opener) {
	env := open(t, DefaultConfig())
	txn, tbl := writeTable(t, env, "t", 0)
	require.NoError(t, txn.Put(tbl, []byte("a"), []byte("1")))
	require.NoError(t, txn.Commit())

	ro, err := env.Begin(true)
	require.NoError(t, err)
	defer ro.Abort()
	h, err := ro.OpenTable("t", 0)
	require.NoError(t, err)
	v, ok, err := ro.Get(h, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(v))
}

func testAbortDiscards(t *testing.T, open Opener) {
	env := open(t, DefaultConfig())
	txn, tbl := writeTable(t, env, "t", 0)
	require.NoError(t, txn.Commit())

	txn, err := env.Begin(false)
	require.NoError(t, err)
	require.NoError(t, txn.Put(tbl, []byte("a"), []byte("1")))
	txn.Abort()

	ro, err := env.Begin(true)
	require.NoError(t, err)
	defer ro.Abort()
	_, ok, err := ro.Get(tbl, []byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSnapshotIsolation(t *testing.T, open Opener) {
	env := open(t, DefaultConfig())
	txn, tbl := writeTable(t, env, "t", 0)
	require.NoError(t, txn.Put(tbl, []byte("a"), []byte("old")))
	require.NoError(t, txn.Commit())

	ro, err := env.Begin(true)
	require.NoError(t, err)
	defer ro.Abort()

	w, err := env.Begin(false)
	require.NoError(t, err)
	require.NoError(t, w.Put(tbl, []byte("a"), []byte("new")))
	require.NoError(t, w.Commit())

	v, ok, err := ro.Get(tbl, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", string(v), "reader must keep its snapshot")
}

func collect(t *testing.T, c engine.Cursor, first, step engine.CursorOp) []string {
	t.Helper()
	var out []string
	k, _, ok, err := c.Get(nil, first)
	for ; ok; k, _, ok, err = c.Get(nil, step) {
		require.NoError(t, err)
		out = append(out, string(k))
	}
	require.NoError(t, err)
	return out
}

func testCursorOrder(t *testing.T, open Opener) {
	env := open(t, DefaultConfig())
	txn, tbl := writeTable(t, env, "t", 0)
	defer txn.Abort()
	for _, k := range []string{"c", "a", "e", "b", "d"} {
		require.NoError(t, txn.Put(tbl, []byte(k), []byte("v"+k)))
	}

	c, err := txn.OpenCursor(tbl)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, collect(t, c, engine.OpFirst, engine.OpNext))
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, collect(t, c, engine.OpLast, engine.OpPrev))

	k, v, ok, err := c.Get([]byte("bb"), engine.OpSetRange)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", string(k))
	assert.Equal(t, "vc", string(v))

	_, _, ok, err = c.Get([]byte("bb"), engine.OpSet)
	require.NoError(t, err)
	assert.False(t, ok)

	k, _, ok, err = c.Get([]byte("d"), engine.OpSet)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d", string(k))

	k, _, ok, err = c.Get(nil, engine.OpGetCurrent)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d", string(k))

	_, _, ok, err = c.Get([]byte("z"), engine.OpSetRange)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testReverseKey(t *testing.T, open Opener) {
	env := open(t, DefaultConfig())
	txn, tbl := writeTable(t, env, "r", engine.ReverseKey)
	defer txn.Abort()
	// Compared from the last byte: "ba" < "ab" < "bb".
	for _, k := range []string{"ab", "bb", "ba"} {
		require.NoError(t, txn.Put(tbl, []byte(k), nil))
	}
	c, err := txn.OpenCursor(tbl)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, []string{"ba", "ab", "bb"}, collect(t, c, engine.OpFirst, engine.OpNext))
}

func u64(n uint64) []byte {
	return binary.NativeEndian.AppendUint64(nil, n)
}

func testIntegerKey(t *testing.T, open Opener) {
	env := open(t, DefaultConfig())
	txn, tbl := writeTable(t, env, "i", engine.IntegerKey)
	defer txn.Abort()
	for _, n := range []uint64{256, 1, 70000, 2} {
		require.NoError(t, txn.Put(tbl, u64(n), []byte(fmt.Sprint(n))))
	}
	c, err := txn.OpenCursor(tbl)
	require.NoError(t, err)
	defer c.Close()
	var got []uint64
	k, _, ok, err := c.Get(nil, engine.OpFirst)
	for ; ok; k, _, ok, err = c.Get(nil, engine.OpNext) {
		got = append(got, binary.NativeEndian.Uint64(k))
	}
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 256, 70000}, got)

	k, _, ok, err = c.Get(nil, engine.OpLast)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(70000), binary.NativeEndian.Uint64(k))
}

func testDropAndEntries(t *testing.T, open Opener) {
	env := open(t, DefaultConfig())
	txn, tbl := writeTable(t, env, "t", 0)
	defer txn.Abort()
	for i := range 10 {
		require.NoError(t, txn.Put(tbl, fmt.Appendf(nil, "k%02d", i), []byte("v")))
	}
	n, err := txn.Entries(tbl)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)

	require.NoError(t, txn.Drop(tbl))
	n, err = txn.Entries(tbl)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The table survives a drop.
	require.NoError(t, txn.Put(tbl, []byte("again"), []byte("v")))
}

func testReadOnlyWrite(t *testing.T, open Opener) {
	env := open(t, DefaultConfig())
	txn, tbl := writeTable(t, env, "t", 0)
	require.NoError(t, txn.Commit())

	ro, err := env.Begin(true)
	require.NoError(t, err)
	defer ro.Abort()
	err = ro.Put(tbl, []byte("a"), []byte("b"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.CodeTxnReadOnly), "got %v", err)
}

func testBadKeySize(t *testing.T, open Opener) {
	env := open(t, DefaultConfig())
	txn, tbl := writeTable(t, env, "t", 0)
	defer txn.Abort()

	err := txn.Put(tbl, make([]byte, 600), []byte("v"))
	assert.ErrorIs(t, err, engine.CodeBadValSize)
	err = txn.Put(tbl, nil, []byte("v"))
	assert.ErrorIs(t, err, engine.CodeBadValSize)
}

func testReadersFull(t *testing.T, open Opener) {
	cfg := DefaultConfig()
	cfg.MaxReaders = 2
	env := open(t, cfg)

	var txns []engine.Txn
	defer func() {
		for _, txn := range txns {
			txn.Abort()
		}
	}()
	var lastErr error
	for range 8 {
		txn, err := env.Begin(true)
		if err != nil {
			lastErr = err
			break
		}
		txns = append(txns, txn)
	}
	require.Error(t, lastErr, "reader slots never ran out")
	assert.ErrorIs(t, lastErr, engine.CodeReadersFull)

	// Releasing a slot makes room again.
	txns[0].Abort()
	txn, err := env.Begin(true)
	require.NoError(t, err)
	txns[0] = txn
}

func testMapFull(t *testing.T, open Opener) {
	cfg := DefaultConfig()
	cfg.MapSize = 1 << 20
	env := open(t, cfg)
	txn, tbl := writeTable(t, env, "t", 0)
	defer txn.Abort()

	val := make([]byte, 4096)
	var err error
	for i := 0; i < 4096 && err == nil; i++ {
		err = txn.Put(tbl, fmt.Appendf(nil, "k%06d", i), val)
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.CodeMapFull)
}

func testAbortIdempotent(t *testing.T, open Opener) {
	env := open(t, DefaultConfig())
	txn, _ := writeTable(t, env, "t", 0)
	require.NoError(t, txn.Commit())
	txn.Abort()
	txn.Abort()

	// The writer slot was released by Commit.
	txn, err := env.Begin(false)
	require.NoError(t, err)
	txn.Abort()
	txn.Abort()
}

func testDupSortDel(t *testing.T, open Opener) {
	env := open(t, DefaultConfig())
	txn, tbl := writeTable(t, env, "d", engine.DupSort)
	defer txn.Abort()
	for _, v := range []string{"b", "a", "c"} {
		require.NoError(t, txn.Put(tbl, []byte("k"), []byte(v)))
	}
	require.NoError(t, txn.Put(tbl, []byte("other"), []byte("x")))
	n, err := txn.Entries(tbl)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	existed, err := txn.Del(tbl, []byte("k"))
	require.NoError(t, err)
	assert.True(t, existed)
	_, ok, err := txn.Get(tbl, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok, "every duplicate is removed")
	n, err = txn.Entries(tbl)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	existed, err = txn.Del(tbl, []byte("k"))
	require.NoError(t, err)
	assert.False(t, existed)
	_, err = txn.Del(tbl, nil)
	assert.ErrorIs(t, err, engine.CodeBadValSize)
}

func testReadOnlyCommitKeepsHandles(t *testing.T, open Opener) {
	env := open(t, DefaultConfig())
	txn, tbl := writeTable(t, env, "t", 0)
	require.NoError(t, txn.Put(tbl, []byte("a"), []byte("1")))
	require.NoError(t, txn.Commit())

	ro, err := env.Begin(true)
	require.NoError(t, err)
	h, err := ro.OpenTable("t", 0)
	require.NoError(t, err)
	require.NoError(t, ro.Commit())

	ro, err = env.Begin(true)
	require.NoError(t, err)
	defer ro.Abort()
	v, ok, err := ro.Get(h, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(v))
}
