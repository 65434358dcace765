package tablekv

import (
	"errors"
	"testing"
)

func buildVersion(dir, version string, decls ...Declarer) (*Env, error) {
	opts := testOptions(BackendLMDB)
	opts.SchemaVersion = version
	b := NewBuilder(opts)
	for _, d := range decls {
		b.With(d)
	}
	return b.Build(dir)
}

func reopen(t *testing.T, dir, version string, decls ...Declarer) error {
	t.Helper()
	env, err := buildVersion(dir, version, decls...)
	if err == nil {
		if cerr := env.Close(); cerr != nil {
			t.Fatalf("Close: %v", cerr)
		}
	}
	return err
}

func TestSchemaMismatch(t *testing.T) {
	tests := []struct {
		name    string
		decl    TableDecl
		version string
	}{
		{"flags", TableDecl{Name: "names", Flags: DupSort}, "v1.0.0"},
		{"compression", TableDecl{Name: "names", Compression: CompressionLZ4}, "v1.0.0"},
		{"checksum", TableDecl{Name: "names", Checksum: ChecksumCRC32C}, "v1.0.0"},
		{"newer store", TableDecl{Name: "names"}, "v0.9.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := reopen(t, dir, "v1.0.0", namesTable); err != nil {
				t.Fatalf("initial Build: %v", err)
			}
			err := reopen(t, dir, tt.version, tt.decl)
			if !errors.Is(err, ErrSchemaMismatch) {
				t.Fatalf("Build = %v, want ErrSchemaMismatch", err)
			}
			if CategoryOf(err) != CategorySchema {
				t.Errorf("CategoryOf = %s", CategoryOf(err))
			}
			// The failed Build must leave the store usable.
			if err := reopen(t, dir, "v1.0.0", namesTable); err != nil {
				t.Errorf("reopen after mismatch: %v", err)
			}
		})
	}
}

func TestSchemaUpgrade(t *testing.T) {
	dir := t.TempDir()
	if err := reopen(t, dir, "v1.0.0", namesTable); err != nil {
		t.Fatal(err)
	}

	env, err := buildVersion(dir, "v1.2.0", namesTable, pointsTable)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if env.SchemaVersion() != "v1.2.0" {
		t.Errorf("SchemaVersion = %q", env.SchemaVersion())
	}
	if err := env.Close(); err != nil {
		t.Fatal(err)
	}

	if err := reopen(t, dir, "v1.1.0", namesTable); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("downgrade = %v, want ErrSchemaMismatch", err)
	}
	// Declaring a subset of the recorded tables is allowed.
	if err := reopen(t, dir, "v1.2.0", pointsTable); err != nil {
		t.Errorf("subset: %v", err)
	}
}

func TestOpenCatalog(t *testing.T) {
	dir := t.TempDir()
	rev := TableDecl{Name: "by-suffix", Flags: ReverseKey, Compression: CompressionSnappy, Checksum: ChecksumXXH3}
	env, err := buildVersion(dir, "v2.1.0", pointsTable, namesTable, rev)
	if err != nil {
		t.Fatal(err)
	}
	writeTx(t, env, func(tx *RwTxn) {
		if _, err := pointsTable.Write(tx).PutLast(&point{X: 1}); err != nil {
			t.Fatal(err)
		}
	})
	if err := env.Close(); err != nil {
		t.Fatal(err)
	}

	opts := testOptions(BackendLMDB)
	opts.SchemaVersion = "v1.0.0"
	cat, err := OpenCatalog(dir, opts)
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	defer cat.Close()

	if cat.SchemaVersion() != "v2.1.0" {
		t.Errorf("SchemaVersion = %q", cat.SchemaVersion())
	}
	tables := cat.Tables()
	if len(tables) != 3 {
		t.Fatalf("Tables = %+v", tables)
	}
	want := []TableDecl{rev, namesTable.Decl(), pointsTable.Decl()}
	for i := range want {
		if tables[i] != want[i] {
			t.Errorf("table %d = %+v, want %+v", i, tables[i], want[i])
		}
	}

	readTx(t, cat, func(tx *RoTxn) {
		cur, err := tx.Cursor("points")
		if err != nil {
			t.Fatal(err)
		}
		defer cur.Close()
		_, v, ok := cur.First()
		if !ok {
			t.Fatal("points table is empty")
		}
		payload, err := cur.Payload(v)
		if err != nil || len(payload) != Fixed[point]().Size() {
			t.Errorf("Payload = %d bytes, %v", len(payload), err)
		}
	})
}

func TestOpenCatalogNeedsLMDB(t *testing.T) {
	if _, err := OpenCatalog(t.TempDir(), testOptions(BackendMemory)); err == nil {
		t.Error("OpenCatalog accepted the memory backend")
	}
	if _, err := OpenCatalog(t.TempDir()+"/missing", testOptions(BackendLMDB)); !errors.Is(err, CodeDirMissing) {
		t.Errorf("OpenCatalog on a missing store = %v", err)
	}
}
