package tablekv

// schema.go implements the schema catalog: a reserved table recording each
// declared table's layout and the schema version, checked on every Build.

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/aalhour/tablekv/internal/checksum"
	"github.com/aalhour/tablekv/internal/compression"
	"github.com/aalhour/tablekv/internal/engine"
	"github.com/aalhour/tablekv/internal/logging"
)

const (
	catalogTable = reservedPrefix + "_catalog"

	catalogVersionKey  = "version"
	catalogTablePrefix = "table/"
)

type catalog struct {
	version string
	tables  map[string]TableDecl
}

func loadCatalog(raw engine.Txn, h engine.Table) (*catalog, error) {
	cat := &catalog{tables: make(map[string]TableDecl)}
	cur, err := raw.OpenCursor(h)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	for k, v, ok, err := cur.Get(nil, engine.OpFirst); ok || err != nil; k, v, ok, err = cur.Get(nil, engine.OpNext) {
		if err != nil {
			return nil, err
		}
		key := string(k)
		switch {
		case key == catalogVersionKey:
			cat.version = string(v)
			if !semver.IsValid(cat.version) {
				return nil, fmt.Errorf("%w: recorded version %q is not a semantic version", ErrSchemaMismatch, cat.version)
			}
		case strings.HasPrefix(key, catalogTablePrefix):
			name := strings.TrimPrefix(key, catalogTablePrefix)
			d, err := parseDecl(name, string(v))
			if err != nil {
				return nil, fmt.Errorf("%w: catalog entry for %q: %v", ErrSchemaMismatch, name, err)
			}
			cat.tables[name] = d
		}
	}
	return cat, nil
}

// checkVersion refuses stores written by a newer schema.
func (c *catalog) checkVersion(want string) error {
	if c.version != "" && semver.Compare(c.version, want) > 0 {
		return fmt.Errorf("%w: store schema %s is newer than %s", ErrSchemaMismatch, c.version, want)
	}
	return nil
}

func (c *catalog) check(d TableDecl) error {
	rec, ok := c.tables[d.Name]
	if !ok {
		return nil
	}
	if rec != d {
		return fmt.Errorf("%w: table %q is recorded as {%s} but declared as {%s}",
			ErrSchemaMismatch, d.Name, encodeDecl(rec), encodeDecl(d))
	}
	return nil
}

// record adds the tables the catalog does not know and upgrades the
// recorded version.
func (c *catalog) record(raw engine.Txn, h engine.Table, decls []TableDecl, version string, logger Logger) error {
	for _, d := range decls {
		if _, ok := c.tables[d.Name]; ok {
			continue
		}
		if err := raw.Put(h, []byte(catalogTablePrefix+d.Name), []byte(encodeDecl(d))); err != nil {
			return fmt.Errorf("tablekv: record table %q: %w", d.Name, err)
		}
		c.tables[d.Name] = d
		logger.Infof(logging.NSSchema+"recorded table %q {%s}", d.Name, encodeDecl(d))
	}
	if c.version == version {
		return nil
	}
	if err := raw.Put(h, []byte(catalogVersionKey), []byte(version)); err != nil {
		return fmt.Errorf("tablekv: record schema version: %w", err)
	}
	if c.version != "" {
		logger.Infof(logging.NSSchema+"upgraded schema %s -> %s", c.version, version)
	}
	c.version = version
	return nil
}

func encodeDecl(d TableDecl) string {
	return fmt.Sprintf("flags=%s compression=%s checksum=%s", d.Flags, d.Compression, d.Checksum)
}

func parseDecl(name, s string) (TableDecl, error) {
	d := TableDecl{Name: name}
	for field := range strings.FieldsSeq(s) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return d, fmt.Errorf("malformed field %q", field)
		}
		var err error
		switch k {
		case "flags":
			d.Flags, err = parseTableFlags(v)
		case "compression":
			d.Compression, err = compression.ParseType(v)
		case "checksum":
			d.Checksum, err = checksum.ParseType(v)
		default:
			err = fmt.Errorf("unknown field %q", k)
		}
		if err != nil {
			return d, err
		}
	}
	return d, nil
}

// OpenCatalog opens an existing LMDB store declaring every table recorded
// in its catalog, in name order. It is meant for tools that inspect stores
// without knowing their schema. opts.SchemaVersion is replaced by the
// recorded version.
func OpenCatalog(path string, opts *Options) (*Env, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.Backend != BackendLMDB {
		return nil, fmt.Errorf("tablekv: OpenCatalog needs the %s backend", BackendLMDB)
	}
	o.CreateIfMissing = false

	eng, err := openEngine(path, o)
	if err != nil {
		return nil, err
	}
	cat, err := readCatalog(eng)
	_ = eng.Close()
	if err != nil {
		return nil, err
	}

	if cat.version != "" {
		o.SchemaVersion = cat.version
	}
	b := NewBuilder(&o)
	for _, name := range slices.Sorted(maps.Keys(cat.tables)) {
		b.With(cat.tables[name])
	}
	return b.Build(path)
}

func readCatalog(eng engine.Env) (*catalog, error) {
	raw, err := eng.Begin(true)
	if err != nil {
		return nil, err
	}
	defer raw.Abort()
	h, err := raw.OpenTable(catalogTable, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: no catalog: %w", ErrSchemaMismatch, err)
	}
	return loadCatalog(raw, h)
}
