package tablekv

// options.go implements environment configuration options.

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/mod/semver"

	"github.com/aalhour/tablekv/internal/checksum"
	"github.com/aalhour/tablekv/internal/compression"
	"github.com/aalhour/tablekv/internal/logging"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// CompressionType is an alias for the compression type.
type CompressionType = compression.Type

// Compression type constants.
const (
	CompressionNone   = compression.NoCompression
	CompressionSnappy = compression.SnappyCompression
	CompressionZlib   = compression.ZlibCompression
	CompressionLZ4    = compression.LZ4Compression
	CompressionLZ4HC  = compression.LZ4HCCompression
	CompressionZstd   = compression.ZstdCompression
)

// ChecksumType is an alias for the checksum type.
type ChecksumType = checksum.Type

// Checksum type constants.
const (
	ChecksumNone   = checksum.TypeNoChecksum
	ChecksumCRC32C = checksum.TypeCRC32C
	ChecksumXXH3   = checksum.TypeXXH3
)

// Backend selects the engine behind an Env.
type Backend int

const (
	// BackendLMDB stores data in an LMDB environment directory.
	BackendLMDB Backend = iota
	// BackendMemory keeps data in process memory. Nothing is persisted.
	BackendMemory
)

// String returns the backend name.
func (b Backend) String() string {
	switch b {
	case BackendLMDB:
		return "lmdb"
	case BackendMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// GateHoldTiers classify how long a write job held the admission gate.
// The classification only selects the log level and the listener severity.
type GateHoldTiers struct {
	// Info is the hold time from which a job is logged at INFO.
	// Default: 250ms
	Info time.Duration
	// Warn is the hold time from which a job is logged at WARN.
	// Default: 1s
	Warn time.Duration
	// Error is the hold time from which a job is logged at ERROR.
	// Default: 5s
	Error time.Duration
}

// Classify returns the severity of a gate hold of d.
func (g GateHoldTiers) Classify(d time.Duration) Severity {
	switch {
	case d >= g.Error:
		return SeverityError
	case d >= g.Warn:
		return SeverityWarn
	case d >= g.Info:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}

// Options configures an Env.
type Options struct {
	// Backend selects the engine.
	// Default: BackendLMDB
	Backend Backend

	// MapSize is the maximum size of the memory map, which bounds the store.
	// Default: 64 GiB
	MapSize int64

	// MaxTables is the number of declared tables the environment can hold.
	// One extra slot is always reserved for the schema catalog.
	// Default: 128
	MaxTables int

	// MaxReaders is the number of reader slots. Zero keeps the engine default.
	// Default: 0
	MaxReaders int

	// FileMode is the permission used when creating store files.
	// Default: 0644
	FileMode os.FileMode

	// CreateIfMissing creates the store directory when it does not exist.
	// Default: true
	CreateIfMissing bool

	// NoSubdir treats the path as the data file rather than a directory.
	// Default: false
	NoSubdir bool

	// NoSync skips fsync on commit. Committed data may be lost on power
	// failure but the store stays consistent.
	// Default: false
	NoSync bool

	// NoMetaSync skips fsync of the meta page on commit.
	// Default: true
	NoMetaSync bool

	// NoReadahead disables OS readahead on the map.
	// Default: true
	NoReadahead bool

	// ReadOnly opens the environment without write access. Build will not
	// create tables and the write scheduler rejects jobs.
	// Default: false
	ReadOnly bool

	// WriteQueueDepth bounds the number of submitted write jobs waiting for
	// admission. Submitters block once it is reached.
	// Default: 1024
	WriteQueueDepth int

	// GateHoldTiers classify gate hold durations for logging.
	GateHoldTiers GateHoldTiers

	// SchemaVersion is the semantic version (vMAJOR.MINOR.PATCH) of the
	// declared schema. Build refuses stores recorded with a newer version
	// and upgrades the record of older ones.
	// Default: v1.0.0
	SchemaVersion string

	// Logger is the logger for environment operations.
	// If nil, a default logger writing to stderr is used.
	Logger Logger

	// Statistics collects metrics. If nil, a fresh collector is created.
	Statistics Statistics

	// Listeners receive environment events.
	Listeners []EventListener
}

// DefaultOptions returns a new Options with default values.
func DefaultOptions() *Options {
	return &Options{
		Backend:         BackendLMDB,
		MapSize:         1 << 36, // 64 GiB
		MaxTables:       128,
		FileMode:        0o644,
		CreateIfMissing: true,
		NoMetaSync:      true,
		NoReadahead:     true,
		WriteQueueDepth: 1024,
		GateHoldTiers: GateHoldTiers{
			Info:  250 * time.Millisecond,
			Warn:  time.Second,
			Error: 5 * time.Second,
		},
		SchemaVersion: "v1.0.0",
	}
}

// Validate reports the first invalid setting.
func (o *Options) Validate() error {
	switch {
	case o.Backend != BackendLMDB && o.Backend != BackendMemory:
		return fmt.Errorf("tablekv: unknown backend %d", o.Backend)
	case o.MapSize <= 0:
		return fmt.Errorf("tablekv: MapSize must be positive, got %d", o.MapSize)
	case o.MaxTables <= 0:
		return fmt.Errorf("tablekv: MaxTables must be positive, got %d", o.MaxTables)
	case o.MaxReaders < 0:
		return fmt.Errorf("tablekv: MaxReaders must not be negative, got %d", o.MaxReaders)
	case o.WriteQueueDepth <= 0:
		return fmt.Errorf("tablekv: WriteQueueDepth must be positive, got %d", o.WriteQueueDepth)
	case !(o.GateHoldTiers.Info <= o.GateHoldTiers.Warn && o.GateHoldTiers.Warn <= o.GateHoldTiers.Error):
		return fmt.Errorf("tablekv: GateHoldTiers must be ascending, got %+v", o.GateHoldTiers)
	case !semver.IsValid(o.SchemaVersion):
		return fmt.Errorf("tablekv: SchemaVersion %q is not a semantic version", o.SchemaVersion)
	}
	return nil
}
