package tablekv

import (
	"fmt"
	"strings"

	"github.com/aalhour/tablekv/internal/engine"
	"github.com/aalhour/tablekv/internal/framing"
)

// TableFlags fix a table's key encoding. They are recorded in the schema
// catalog and must not change for a given table name.
type TableFlags uint

const (
	// ReverseKey orders keys by comparing bytes from the end.
	ReverseKey TableFlags = 1 << iota
	// DupSort allows several values per key, kept in sorted order.
	DupSort
	// IntegerKey orders fixed-width native-endian integer keys numerically.
	// ID tables always set it.
	IntegerKey
)

var tableFlagNames = []struct {
	flag TableFlags
	name string
}{
	{ReverseKey, "reverse-key"},
	{DupSort, "dup-sort"},
	{IntegerKey, "integer-key"},
}

// String returns the flags as a '|' separated list, "none" when empty.
func (f TableFlags) String() string {
	var parts []string
	for _, n := range tableFlagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

func parseTableFlags(s string) (TableFlags, error) {
	if s == "none" {
		return 0, nil
	}
	var f TableFlags
	for part := range strings.SplitSeq(s, "|") {
		found := false
		for _, n := range tableFlagNames {
			if n.name == part {
				f |= n.flag
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown table flag %q", part)
		}
	}
	return f, nil
}

func (f TableFlags) engineFlags() engine.Flags {
	var out engine.Flags
	if f&ReverseKey != 0 {
		out |= engine.ReverseKey
	}
	if f&DupSort != 0 {
		out |= engine.DupSort
	}
	if f&IntegerKey != 0 {
		out |= engine.IntegerKey
	}
	return out
}

// TableDecl declares one table: its name, key flags and value framing.
type TableDecl struct {
	Name  string
	Flags TableFlags

	// Compression compresses stored values. Compressed records are decoded
	// into a copy on read, so they are never zero-copy.
	Compression CompressionType
	// Checksum appends an integrity trailer to stored values.
	Checksum ChecksumType
}

// Decl implements Declarer.
func (d TableDecl) Decl() TableDecl { return d }

func (d TableDecl) framing() framing.Spec {
	return framing.Spec{Compression: d.Compression, Checksum: d.Checksum}
}

// reservedPrefix names tables owned by tablekv itself.
const reservedPrefix = "__tablekv"

func (d TableDecl) validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("%w: empty table name", ErrInvalidDecl)
	case strings.HasPrefix(d.Name, reservedPrefix):
		return fmt.Errorf("%w: table name %q uses the reserved prefix %q", ErrInvalidDecl, d.Name, reservedPrefix)
	case d.Flags&ReverseKey != 0 && d.Flags&IntegerKey != 0:
		return fmt.Errorf("%w: table %q: reverse-key and integer-key are exclusive", ErrInvalidDecl, d.Name)
	}
	if err := d.framing().Validate(); err != nil {
		return fmt.Errorf("%w: table %q: %v", ErrInvalidDecl, d.Name, err)
	}
	return nil
}

// Declarer is anything that declares a table: a TableDecl or a typed
// table definition.
type Declarer interface {
	Decl() TableDecl
}
