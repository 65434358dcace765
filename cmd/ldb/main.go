// Package main provides the ldb CLI tool for inspecting tablekv stores.
//
// ldb needs no schema: it opens the store with the tables recorded in its
// catalog and prints stored values with their framing removed.
//
// Usage:
//
//	ldb --db=<path> <command> [options]
//
// Commands:
//
//	tables              List the tables recorded in the catalog
//	info                Print store information and table sizes
//	scan <table>        Scan a table in key order
//	get <table> <key>   Get the value stored under key
//	dump                Scan every table
package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/aalhour/tablekv"
	"github.com/aalhour/tablekv/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type config struct {
	dbPath    string
	noSubdir  bool
	hexOutput bool
	limit     int
	fromKey   string
	toKey     string
	reverse   bool
	verbose   bool
}

type tool struct {
	cfg    config
	stdout io.Writer
	stderr io.Writer
}

// run executes one ldb command and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ldb", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var cfg config
	fs.StringVar(&cfg.dbPath, "db", "", "Path to the store (required)")
	fs.BoolVar(&cfg.noSubdir, "nosubdir", false, "The path names the data file rather than a directory")
	fs.BoolVar(&cfg.hexOutput, "hex", false, "Output keys and values in hex format")
	fs.IntVar(&cfg.limit, "limit", 0, "Limit number of entries (0 = unlimited)")
	fs.StringVar(&cfg.fromKey, "from", "", "Start key for scan")
	fs.StringVar(&cfg.toKey, "to", "", "End key for scan (exclusive)")
	fs.BoolVar(&cfg.reverse, "reverse", false, "Scan in descending key order")
	fs.BoolVar(&cfg.verbose, "v", false, "Log engine activity to stderr")
	help := fs.Bool("help", false, "Print help")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help || fs.NArg() == 0 {
		printUsage(fs, stdout)
		return 0
	}
	if cfg.dbPath == "" {
		fmt.Fprintln(stderr, "Error: --db flag is required")
		return 1
	}

	t := &tool{cfg: cfg, stdout: stdout, stderr: stderr}
	command, rest := fs.Arg(0), fs.Args()[1:]

	var err error
	switch command {
	case "tables":
		err = t.cmdTables()
	case "info":
		err = t.cmdInfo()
	case "scan":
		err = t.cmdScan(rest)
	case "get":
		err = t.cmdGet(rest)
	case "dump":
		err = t.cmdDump()
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage(fs, stderr)
		return 1
	}

	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "ldb - tablekv store inspection tool")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ldb --db=<path> <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  tables              List the tables recorded in the catalog")
	fmt.Fprintln(w, "  info                Print store information and table sizes")
	fmt.Fprintln(w, "  scan <table>        Scan a table in key order")
	fmt.Fprintln(w, "  get <table> <key>   Get the value stored under key")
	fmt.Fprintln(w, "  dump                Scan every table")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Keys of integer-key tables may be given in decimal.")
	fmt.Fprintln(w, "Other keys are taken literally, or as hex when prefixed with 0x.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func (t *tool) open() (*tablekv.Env, error) {
	opts := tablekv.DefaultOptions()
	opts.ReadOnly = true
	opts.NoSubdir = t.cfg.noSubdir
	opts.Logger = logging.Discard
	if t.cfg.verbose {
		opts.Logger = logging.NewLogger(t.stderr, logging.LevelDebug)
	}
	env, err := tablekv.OpenCatalog(t.cfg.dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return env, nil
}

func lookup(env *tablekv.Env, name string) (tablekv.TableDecl, error) {
	for _, d := range env.Tables() {
		if d.Name == name {
			return d, nil
		}
	}
	return tablekv.TableDecl{}, fmt.Errorf("no table %q in the catalog", name)
}

func (t *tool) formatOutput(data []byte) string {
	if t.cfg.hexOutput {
		return hex.EncodeToString(data)
	}
	// Print as string if printable, else hex
	for _, b := range data {
		if b < 32 || b > 126 {
			return hex.EncodeToString(data)
		}
	}
	return string(data)
}

func (t *tool) formatKey(d tablekv.TableDecl, key []byte) string {
	if d.Flags&tablekv.IntegerKey != 0 && !t.cfg.hexOutput {
		if id, err := parseID(key); err == nil {
			return strconv.FormatUint(id, 10)
		}
	}
	return t.formatOutput(key)
}

// parseInput turns a command-line key into engine bytes.
func parseInput(d tablekv.TableDecl, s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") {
		decoded, err := hex.DecodeString(s[2:])
		if err == nil {
			return decoded, nil
		}
	}
	if d.Flags&tablekv.IntegerKey != 0 {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("table %q has integer keys: %w", d.Name, err)
		}
		return tablekv.ID[struct{}](n).MarshalBinary()
	}
	return []byte(s), nil
}

func parseID(key []byte) (uint64, error) {
	var id tablekv.ID[struct{}]
	if err := id.UnmarshalBinary(key); err != nil {
		return 0, err
	}
	return id.Uint64(), nil
}

func (t *tool) cmdTables() error {
	env, err := t.open()
	if err != nil {
		return err
	}
	defer env.Close()

	for _, d := range env.Tables() {
		fmt.Fprintf(t.stdout, "%s\tflags=%s compression=%s checksum=%s\n", d.Name, d.Flags, d.Compression, d.Checksum)
	}
	return nil
}

func (t *tool) cmdInfo() error {
	env, err := t.open()
	if err != nil {
		return err
	}
	defer env.Close()

	fmt.Fprintf(t.stdout, "Store: %s\n", env.Path())
	fmt.Fprintf(t.stdout, "Schema version: %s\n", env.SchemaVersion())
	fmt.Fprintln(t.stdout, "---")

	var total uint64
	err = env.View(func(tx *tablekv.RoTxn) error {
		for _, d := range env.Tables() {
			n, err := tablekv.Entries(tx, d.Name)
			if err != nil {
				return err
			}
			total += n
			fmt.Fprintf(t.stdout, "%s: %d entries\n", d.Name, n)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "\nTotal: %d tables, %d entries\n", len(env.Tables()), total)
	return nil
}

func (t *tool) cmdScan(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: ldb --db=<path> scan <table>")
	}
	env, err := t.open()
	if err != nil {
		return err
	}
	defer env.Close()

	d, err := lookup(env, args[0])
	if err != nil {
		return err
	}
	count := 0
	err = env.View(func(tx *tablekv.RoTxn) error {
		count, err = t.scanTable(tx, d)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "\n(%d entries scanned)\n", count)
	return nil
}

// scanTable prints one table. A record whose framing fails to verify stops
// the scan with an error.
func (t *tool) scanTable(tx *tablekv.RoTxn, d tablekv.TableDecl) (int, error) {
	cur, err := tx.Cursor(d.Name)
	if err != nil {
		return 0, err
	}
	defer cur.Close()

	var from, to []byte
	if t.cfg.fromKey != "" {
		if from, err = parseInput(d, t.cfg.fromKey); err != nil {
			return 0, err
		}
	}
	if t.cfg.toKey != "" {
		if to, err = parseInput(d, t.cfg.toKey); err != nil {
			return 0, err
		}
	}

	var key, value []byte
	var ok bool
	switch {
	case t.cfg.reverse && from != nil:
		key, value, ok = cur.Seek(from)
		switch {
		case !ok:
			key, value, ok = cur.Last()
		case !bytes.Equal(key, from):
			key, value, ok = cur.Prev()
		}
	case t.cfg.reverse:
		key, value, ok = cur.Last()
	case from != nil:
		key, value, ok = cur.Seek(from)
	default:
		key, value, ok = cur.First()
	}

	count := 0
	for ; ok; count++ {
		if to != nil && t.pastEnd(key, to) {
			break
		}
		if t.cfg.limit > 0 && count >= t.cfg.limit {
			break
		}
		payload, err := cur.Payload(value)
		if err != nil {
			return count, fmt.Errorf("table %q at key %s: %w", d.Name, t.formatKey(d, key), err)
		}
		fmt.Fprintf(t.stdout, "%s => %s\n", t.formatKey(d, key), t.formatOutput(payload))

		if t.cfg.reverse {
			key, value, ok = cur.Prev()
		} else {
			key, value, ok = cur.Next()
		}
	}
	return count, nil
}

// pastEnd reports whether key is beyond the scan bound. Bounds compare
// bytewise, which matches the table order only for plain tables.
func (t *tool) pastEnd(key, to []byte) bool {
	if t.cfg.reverse {
		return bytes.Compare(key, to) <= 0
	}
	return bytes.Compare(key, to) >= 0
}

func (t *tool) cmdGet(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: ldb --db=<path> get <table> <key>")
	}
	env, err := t.open()
	if err != nil {
		return err
	}
	defer env.Close()

	d, err := lookup(env, args[0])
	if err != nil {
		return err
	}
	key, err := parseInput(d, args[1])
	if err != nil {
		return err
	}
	return env.View(func(tx *tablekv.RoTxn) error {
		cur, err := tx.Cursor(d.Name)
		if err != nil {
			return err
		}
		defer cur.Close()

		_, value, ok := cur.SeekExact(key)
		if !ok {
			return fmt.Errorf("key %s not found in %q", args[1], d.Name)
		}
		payload, err := cur.Payload(value)
		if err != nil {
			return err
		}
		fmt.Fprintln(t.stdout, t.formatOutput(payload))
		return nil
	})
}

func (t *tool) cmdDump() error {
	env, err := t.open()
	if err != nil {
		return err
	}
	defer env.Close()

	total := 0
	err = env.View(func(tx *tablekv.RoTxn) error {
		for _, d := range env.Tables() {
			fmt.Fprintf(t.stdout, "[%s]\n", d.Name)
			n, err := t.scanTable(tx, d)
			total += n
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "\n(%d entries dumped)\n", total)
	return nil
}
