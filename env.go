package tablekv

// env.go implements the environment: opening the engine, the frozen table
// registry and the failure state.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/semaphore"

	"github.com/aalhour/tablekv/internal/engine"
	"github.com/aalhour/tablekv/internal/engine/lmdbengine"
	"github.com/aalhour/tablekv/internal/engine/memengine"
	"github.com/aalhour/tablekv/internal/framing"
	"github.com/aalhour/tablekv/internal/logging"
)

// tableEntry is one resolved table of the registry.
type tableEntry struct {
	decl   TableDecl
	handle engine.Table
	frame  framing.Spec
}

// Builder collects table declarations and opens an Env.
type Builder struct {
	opts  Options
	decls []TableDecl
}

// NewBuilder starts configuring an environment. A nil opts uses
// DefaultOptions.
func NewBuilder(opts *Options) *Builder {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Builder{opts: *opts}
}

// With declares a table. Declarations are checked by Build.
func (b *Builder) With(d Declarer) *Builder {
	b.decls = append(b.decls, d.Decl())
	return b
}

// Build opens or creates the store at path, creates missing tables,
// verifies the schema catalog and starts the write scheduler. The path is
// ignored by the memory backend.
func (b *Builder) Build(path string) (*Env, error) {
	if err := b.opts.Validate(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(b.decls))
	for _, d := range b.decls {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("%w: table %q declared twice", ErrInvalidDecl, d.Name)
		}
		seen[d.Name] = true
	}
	return open(path, b.opts, b.decls)
}

// Env is an open store with a fixed set of tables. It is safe for
// concurrent use.
type Env struct {
	path      string
	opts      Options
	eng       engine.Env
	logger    Logger
	stats     Statistics
	listeners []EventListener

	tables  map[string]*tableEntry
	decls   []TableDecl
	catalog engine.Table
	version string

	gate  *semaphore.Weighted
	sched *scheduler

	// Transactions begin and end under endMu.RLock; Close takes the write
	// lock so no engine call runs while the engine is being closed.
	endMu  sync.RWMutex
	liveMu sync.Mutex
	live   map[*txnBase]struct{}

	failure atomic.Pointer[error]
	closed  atomic.Bool
	closeMu sync.Mutex
}

func openEngine(path string, opts Options) (engine.Env, error) {
	cfg := engine.Config{
		Path:        path,
		MapSize:     opts.MapSize,
		MaxTables:   opts.MaxTables + 1, // catalog
		MaxReaders:  opts.MaxReaders,
		FileMode:    opts.FileMode,
		NoSubdir:    opts.NoSubdir,
		NoSync:      opts.NoSync,
		NoMetaSync:  opts.NoMetaSync,
		NoReadahead: opts.NoReadahead,
		ReadOnly:    opts.ReadOnly,
	}
	if opts.Backend == BackendMemory {
		return memengine.Open(cfg)
	}
	if !opts.NoSubdir && opts.CreateIfMissing && !opts.ReadOnly {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, engine.NewError("mkdir", engine.CodeCreateFailed, errnoOf(err))
		}
	}
	return lmdbengine.Open(cfg)
}

func errnoOf(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}

func open(path string, opts Options, decls []TableDecl) (*Env, error) {
	logger := logging.OrDefault(opts.Logger)
	stats := opts.Statistics
	if stats == nil {
		stats = NewStatistics()
	}

	eng, err := openEngine(path, opts)
	if err != nil {
		logger.Errorf(logging.NSEnv+"open %s (%s): %v", path, opts.Backend, err)
		return nil, err
	}

	e := &Env{
		path:      path,
		opts:      opts,
		eng:       eng,
		logger:    logger,
		stats:     stats,
		listeners: slices.Clone(opts.Listeners),
		tables:    make(map[string]*tableEntry, len(decls)),
		live:      make(map[*txnBase]struct{}),
		gate:      semaphore.NewWeighted(1),
	}
	if fs, ok := logger.(logging.FatalHandlerSetter); ok {
		fs.SetFatalHandler(func(msg string) {
			e.markFailed(fmt.Errorf("%w: %s", logging.ErrFatal, msg))
		})
	}

	if err := e.setup(decls); err != nil {
		_ = eng.Close()
		return nil, err
	}
	e.sched = newScheduler(e, opts.WriteQueueDepth)
	logger.Infof(logging.NSEnv+"opened %s (%s) with %d tables, schema %s", path, opts.Backend, len(decls), e.version)
	return e, nil
}

// setup resolves every table in one transaction and reconciles the schema
// catalog. Read-only environments only resolve and verify.
func (e *Env) setup(decls []TableDecl) error {
	raw, err := e.eng.Begin(e.opts.ReadOnly)
	if err != nil {
		return err
	}
	defer raw.Abort()

	create := engine.Create
	if e.opts.ReadOnly {
		create = 0
	}
	e.catalog, err = raw.OpenTable(catalogTable, create)
	if err != nil {
		return fmt.Errorf("%w: catalog: %w", ErrSchemaMismatch, err)
	}
	cat, err := loadCatalog(raw, e.catalog)
	if err != nil {
		return err
	}
	if err := cat.checkVersion(e.opts.SchemaVersion); err != nil {
		e.logger.Errorf(logging.NSSchema+"%v", err)
		return err
	}

	for _, d := range decls {
		if err := cat.check(d); err != nil {
			e.logger.Errorf(logging.NSSchema+"%v", err)
			return err
		}
		h, err := raw.OpenTable(d.Name, d.Flags.engineFlags()|create)
		if err != nil {
			if errors.Is(err, engine.CodeIncompatible) {
				return fmt.Errorf("%w: table %q: flags %s do not match the store: %w", ErrSchemaMismatch, d.Name, d.Flags, err)
			}
			return fmt.Errorf("tablekv: open table %q: %w", d.Name, err)
		}
		e.tables[d.Name] = &tableEntry{decl: d, handle: h, frame: d.framing()}
		e.decls = append(e.decls, d)
	}

	e.version = cat.version
	if e.opts.ReadOnly {
		if e.version == "" {
			e.version = e.opts.SchemaVersion
		}
		// Handles opened in an aborted transaction are closed with it, so
		// even the read-only setup commits.
		return raw.Commit()
	}
	if err := cat.record(raw, e.catalog, decls, e.opts.SchemaVersion, e.logger); err != nil {
		return err
	}
	e.version = e.opts.SchemaVersion
	return raw.Commit()
}

// entry resolves a declared table. The registry is frozen at Build, so an
// unknown name is a programming error.
func (e *Env) entry(name string) *tableEntry {
	t, ok := e.tables[name]
	if !ok {
		panic(fmt.Sprintf("tablekv: table %q is not declared", name))
	}
	return t
}

// markFailed records the first unrecoverable condition. It reports whether
// this call set it.
func (e *Env) markFailed(cause error) bool {
	if !e.failure.CompareAndSwap(nil, &cause) {
		return false
	}
	for _, l := range e.listeners {
		l.OnEnvFailed(&EnvFailedInfo{Status: cause})
	}
	return true
}

// checkEngine inspects an engine error on its way to the caller. A panic
// condition fails the Env.
func (e *Env) checkEngine(err error) error {
	if errors.Is(err, engine.CodePanic) && e.markFailed(err) {
		e.logger.Fatalf(logging.NSEngine+"unrecoverable engine failure: %v", err)
	}
	return err
}

func (e *Env) usable() error {
	if e.closed.Load() {
		return ErrEnvClosed
	}
	if cause := e.failure.Load(); cause != nil {
		return fmt.Errorf("%w: %w", ErrEnvFailed, *cause)
	}
	return nil
}

func (e *Env) begin(readOnly bool) (*txnBase, error) {
	e.endMu.RLock()
	defer e.endMu.RUnlock()
	if err := e.usable(); err != nil {
		return nil, err
	}
	if !readOnly && e.opts.ReadOnly {
		return nil, engine.NewError("begin", engine.CodeTxnReadOnly, 0)
	}
	raw, err := e.eng.Begin(readOnly)
	if err != nil {
		return nil, e.checkEngine(err)
	}
	if readOnly {
		e.stats.RecordTick(TickerTxnReadBegin, 1)
	} else {
		e.stats.RecordTick(TickerTxnWriteBegin, 1)
	}
	b := &txnBase{env: e, raw: raw, readOnly: readOnly}
	e.liveMu.Lock()
	e.live[b] = struct{}{}
	e.liveMu.Unlock()
	e.logger.Debugf(logging.NSTxn+"%s transaction begun", b.kind())
	return b, nil
}

func (e *Env) untrack(b *txnBase) {
	e.liveMu.Lock()
	delete(e.live, b)
	e.liveMu.Unlock()
}

// openTxns returns the transactions not yet ended and how many of them are
// write transactions outside the scheduler.
func (e *Env) openTxns() (txns []*txnBase, writes int) {
	e.liveMu.Lock()
	defer e.liveMu.Unlock()
	for b := range e.live {
		txns = append(txns, b)
		if !b.readOnly && !b.scheduled {
			writes++
		}
	}
	return txns, writes
}

// ReadTx begins a read-only transaction. It fails with CodeReadersFull when
// every reader slot is taken.
func (e *Env) ReadTx() (*RoTxn, error) {
	b, err := e.begin(true)
	if err != nil {
		return nil, err
	}
	return newRoTxn(b), nil
}

// WriteTx begins a write transaction without going through the write
// scheduler's queue. It takes the admission gate directly: it waits for a
// running write job or another WriteTx to end, and holds scheduled jobs
// back until Commit or Abort. The calling goroutine stays locked to its OS
// thread until then. Calling WriteTx from inside a write job deadlocks.
func (e *Env) WriteTx() (*RwTxn, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	// Acquire only fails when its context ends.
	_ = e.gate.Acquire(context.Background(), 1)
	b, err := e.begin(false)
	if err != nil {
		e.gate.Release(1)
		return nil, err
	}
	b.gated = true
	return newRwTxn(b), nil
}

// View runs fn in a read-only transaction that ends when fn returns.
func (e *Env) View(fn func(tx *RoTxn) error) error {
	tx, err := e.ReadTx()
	if err != nil {
		return err
	}
	defer tx.Abort()
	return fn(tx)
}

// Tables returns the declared tables in declaration order.
func (e *Env) Tables() []TableDecl { return slices.Clone(e.decls) }

// SchemaVersion returns the schema version recorded in the catalog.
func (e *Env) SchemaVersion() string { return e.version }

// Path returns the path the Env was built with.
func (e *Env) Path() string { return e.path }

// Stats returns the Env's statistics.
func (e *Env) Stats() Statistics { return e.stats }

// Sync flushes committed data to disk. force syncs even when the Env runs
// with NoSync or NoMetaSync.
func (e *Env) Sync(force bool) error {
	if err := e.usable(); err != nil {
		return err
	}
	return e.checkEngine(e.eng.Sync(force))
}

// Close stops accepting write jobs, runs the ones already queued and
// closes the engine. Read transactions still open are aborted and their
// views and cursors become unusable. Close refuses with ErrEnvBusy while a
// WriteTx is open; if one began while queued jobs drained, the scheduler
// stays stopped. Close is idempotent; later calls return nil.
func (e *Env) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed.Load() {
		return nil
	}
	if _, writes := e.openTxns(); writes > 0 {
		return fmt.Errorf("%w: %d write transaction(s) open", ErrEnvBusy, writes)
	}
	e.sched.close()

	e.endMu.Lock()
	txns, writes := e.openTxns()
	if writes > 0 {
		e.endMu.Unlock()
		return fmt.Errorf("%w: %d write transaction(s) open", ErrEnvBusy, writes)
	}
	e.closed.Store(true)
	for _, b := range txns {
		if b.abortLocked() {
			e.logger.Warnf(logging.NSEnv+"%s transaction still open at close; aborted", b.kind())
		}
	}
	e.endMu.Unlock()

	if err := e.eng.Close(); err != nil {
		e.logger.Errorf(logging.NSEnv+"close %s: %v", e.path, err)
		return err
	}
	e.logger.Infof(logging.NSEnv+"closed %s", e.path)
	return nil
}
