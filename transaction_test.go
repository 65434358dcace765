package tablekv

import (
	"errors"
	"runtime"
	"testing"
	"time"
)

func TestTxnEndStates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		env := buildEnv(t, testOptions(b), namesTable)

		tx, err := env.WriteTx()
		if err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if err := tx.Commit(); !errors.Is(err, ErrTxnClosed) {
			t.Errorf("second Commit = %v, want ErrTxnClosed", err)
		}
		tx.Abort() // no-op after commit

		ro, err := env.ReadTx()
		if err != nil {
			t.Fatal(err)
		}
		ro.Abort()
		ro.Abort()
		if err := ro.Commit(); !errors.Is(err, ErrTxnClosed) {
			t.Errorf("Commit after Abort = %v, want ErrTxnClosed", err)
		}

		stats := env.Stats()
		if got := stats.GetTickerCount(TickerTxnCommit); got < 1 {
			t.Errorf("TickerTxnCommit = %d", got)
		}
		if got := stats.GetTickerCount(TickerTxnAbort); got < 1 {
			t.Errorf("TickerTxnAbort = %d", got)
		}
	})
}

func TestViewLifetime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		env := buildEnv(t, testOptions(b), namesTable)
		writeTx(t, env, func(tx *RwTxn) {
			if err := namesTable.Write(tx).Put("k", ptr("value")); err != nil {
				t.Fatal(err)
			}
		})

		tx, err := env.ReadTx()
		if err != nil {
			t.Fatal(err)
		}
		v, ok, err := namesTable.Read(tx).Get("k")
		if err != nil || !ok {
			t.Fatalf("Get = %v, %v", ok, err)
		}
		owned, err := v.Own()
		if err != nil {
			t.Fatalf("Own: %v", err)
		}
		if !v.Valid() {
			t.Error("view invalid inside its transaction")
		}
		tx.Abort()

		if v.Valid() {
			t.Error("view still valid after Abort")
		}
		mustPanic(t, "Value after Abort", func() { _ = v.Value() })
		mustPanic(t, "Bytes after Abort", func() { _ = v.Bytes() })
		mustPanic(t, "Own after Abort", func() { _, _ = v.Own() })
		mustPanic(t, "table after Abort", func() { namesTable.Read(tx) })
		if *owned != "value" {
			t.Errorf("owned copy = %q", *owned)
		}

		var empty View[string]
		if empty.Valid() {
			t.Error("zero View is valid")
		}
		mustPanic(t, "zero View", func() { _ = empty.Value() })
	})
}

func TestViewInvalidatedByWrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		env := buildEnv(t, testOptions(b), namesTable)
		writeTx(t, env, func(tx *RwTxn) {
			names := namesTable.Write(tx)
			if err := names.Put("a", ptr("1")); err != nil {
				t.Fatal(err)
			}
			v, _, err := names.Get("a")
			if err != nil {
				t.Fatal(err)
			}
			if *v.Value() != "1" {
				t.Fatalf("Get = %q", *v.Value())
			}
			if err := names.Put("b", ptr("2")); err != nil {
				t.Fatal(err)
			}
			mustPanic(t, "View after write", func() { _ = v.Value() })
		})
	})
}

func TestCursorLifetime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		env := buildEnv(t, testOptions(b), namesTable)
		writeTx(t, env, func(tx *RwTxn) {
			w := namesTable.Write(tx)
			for _, k := range []string{"b", "a", "c"} {
				if err := w.Put(k, ptr(k+k)); err != nil {
					t.Fatal(err)
				}
			}
		})

		tx, err := env.ReadTx()
		if err != nil {
			t.Fatal(err)
		}
		cur, err := tx.Cursor("names")
		if err != nil {
			t.Fatal(err)
		}
		if cur.Table() != "names" {
			t.Errorf("Table = %q", cur.Table())
		}

		var keys []string
		for k, _, ok := cur.Next(); ok; k, _, ok = cur.Next() {
			keys = append(keys, string(k))
		}
		if got := len(keys); got != 3 || keys[0] != "a" || keys[2] != "c" {
			t.Errorf("Next from unpositioned = %v", keys)
		}
		if _, _, ok := cur.Next(); ok {
			t.Error("Next past the end found an entry")
		}
		if k, _, ok := cur.Current(); !ok || string(k) != "c" {
			t.Errorf("Current after failed Next = %q, %v", k, ok)
		}

		if k, v, ok := cur.Seek([]byte("bb")); !ok || string(k) != "c" || string(v) != "cc" {
			t.Errorf("Seek(bb) = %q, %q, %v", k, v, ok)
		}
		if _, _, ok := cur.SeekExact([]byte("bb")); ok {
			t.Error("SeekExact found a missing key")
		}
		if k, _, ok := cur.SeekExact([]byte("b")); !ok || string(k) != "b" {
			t.Errorf("SeekExact(b) = %q, %v", k, ok)
		}
		if k, _, ok := cur.Prev(); !ok || string(k) != "a" {
			t.Errorf("Prev = %q, %v", k, ok)
		}
		if k, _, ok := cur.Last(); !ok || string(k) != "c" {
			t.Errorf("Last = %q, %v", k, ok)
		}
		if k, _, ok := cur.First(); !ok || string(k) != "a" {
			t.Errorf("First = %q, %v", k, ok)
		}

		other, err := tx.Cursor("names")
		if err != nil {
			t.Fatal(err)
		}
		other.Close()
		other.Close()
		mustPanic(t, "closed cursor", func() { other.First() })

		tx.Abort()
		mustPanic(t, "cursor after Abort", func() { cur.First() })
		cur.Close()
	})
}

func TestCursorPrevFromUnpositioned(t *testing.T) {
	env := buildEnv(t, testOptions(BackendMemory), namesTable)
	writeTx(t, env, func(tx *RwTxn) {
		_ = namesTable.Write(tx).Put("x", ptr("1"))
		_ = namesTable.Write(tx).Put("y", ptr("2"))
	})
	readTx(t, env, func(tx *RoTxn) {
		cur, err := tx.Cursor("names")
		if err != nil {
			t.Fatal(err)
		}
		defer cur.Close()
		if k, _, ok := cur.Prev(); !ok || string(k) != "y" {
			t.Errorf("Prev from unpositioned = %q, %v", k, ok)
		}
	})
}

func TestLeakedReadTxnIsAborted(t *testing.T) {
	tests := []struct {
		name string
		leak func(t *testing.T, tx *RoTxn)
	}{
		{"bare", func(*testing.T, *RoTxn) {}},
		{"open cursor", func(t *testing.T, tx *RoTxn) {
			if _, err := tx.Cursor("names"); err != nil {
				t.Fatal(err)
			}
		}},
		{"unranged iterator", func(t *testing.T, tx *RoTxn) {
			if _, err := namesTable.Read(tx).Iter(); err != nil {
				t.Fatal(err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, b Backend) {
				opts := testOptions(b)
				opts.MaxReaders = 1
				env := buildEnv(t, opts, namesTable)

				func() {
					tx, err := env.ReadTx()
					if err != nil {
						t.Fatal(err)
					}
					tt.leak(t, tx)
				}()

				deadline := time.Now().Add(5 * time.Second)
				for {
					runtime.GC()
					tx, err := env.ReadTx()
					if err == nil {
						tx.Abort()
						break
					}
					if !errors.Is(err, CodeReadersFull) {
						t.Fatalf("ReadTx: %v", err)
					}
					if time.Now().After(deadline) {
						t.Fatal("leaked read transaction never released its slot")
					}
					time.Sleep(10 * time.Millisecond)
				}
				if got := env.Stats().GetTickerCount(TickerTxnLeaked); got != 1 {
					t.Errorf("TickerTxnLeaked = %d, want 1", got)
				}
			})
		})
	}
}

func TestLeakedWriteTxnIsReported(t *testing.T) {
	env, err := NewBuilder(testOptions(BackendMemory)).With(namesTable).Build("")
	if err != nil {
		t.Fatal(err)
	}
	func() {
		if _, err := env.WriteTx(); err != nil {
			t.Fatal(err)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for env.Stats().GetTickerCount(TickerTxnLeaked) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dropped write transaction was never reported")
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	// The dropped transaction still holds the writer.
	if err := env.Close(); !errors.Is(err, ErrEnvBusy) {
		t.Errorf("Close = %v, want ErrEnvBusy", err)
	}
}

func TestCloseAbortsOpenReadTxns(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		env := buildEnv(t, testOptions(b), namesTable)
		fillNames(t, env, namesTable, "a", "b")

		tx, err := env.ReadTx()
		if err != nil {
			t.Fatal(err)
		}
		v, ok, err := namesTable.Read(tx).Get("a")
		if err != nil || !ok {
			t.Fatalf("Get = %v, %v", ok, err)
		}
		seq, err := namesTable.Read(tx).Iter()
		if err != nil {
			t.Fatal(err)
		}
		func() {
			if _, err := env.ReadTx(); err != nil {
				t.Fatal(err)
			}
		}()

		if err := env.Close(); err != nil {
			t.Fatalf("Close with open readers: %v", err)
		}
		if v.Valid() {
			t.Error("view still valid after Close")
		}
		if err := tx.Commit(); !errors.Is(err, ErrTxnClosed) {
			t.Errorf("Commit after Close = %v, want ErrTxnClosed", err)
		}
		tx.Abort()
		mustPanic(t, "iterator after Close", func() {
			for range seq {
			}
		})

		// Cleanups of dropped transactions must not reach the closed engine.
		for range 3 {
			runtime.GC()
			time.Sleep(10 * time.Millisecond)
		}
	})
}

func TestCloseRefusesOpenWriteTx(t *testing.T) {
	env := buildEnv(t, testOptions(BackendMemory), namesTable)

	tx, err := env.WriteTx()
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Close(); !errors.Is(err, ErrEnvBusy) {
		t.Fatalf("Close with open WriteTx = %v, want ErrEnvBusy", err)
	}
	if err := namesTable.Write(tx).Put("k", ptr("v")); err != nil {
		t.Fatalf("Put after refused Close: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close after Commit: %v", err)
	}
}
