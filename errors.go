package tablekv

import (
	"errors"

	"github.com/aalhour/tablekv/internal/engine"
)

// Sentinel errors. Use errors.Is to match them.
var (
	// ErrDecode wraps codec and framing failures while reading a record.
	ErrDecode = errors.New("tablekv: decode failed")

	// ErrEncode wraps codec failures while writing a record.
	ErrEncode = errors.New("tablekv: encode failed")

	// ErrSchemaMismatch is returned by Build when a declaration disagrees
	// with the schema catalog stored in the environment.
	ErrSchemaMismatch = errors.New("tablekv: schema mismatch")

	// ErrTxnClosed is returned by Commit on a transaction that already ended.
	ErrTxnClosed = errors.New("tablekv: transaction closed")

	// ErrEnvFailed is returned once the engine reported an unrecoverable
	// condition. The Env must be closed and reopened.
	ErrEnvFailed = errors.New("tablekv: environment failed")

	// ErrEnvClosed is returned by operations on a closed Env.
	ErrEnvClosed = errors.New("tablekv: environment closed")

	// ErrEnvBusy is returned by Close while a WriteTx is still open.
	ErrEnvBusy = errors.New("tablekv: write transaction still open")

	// ErrInvalidDecl is returned by Build for unusable table declarations.
	ErrInvalidDecl = errors.New("tablekv: invalid table declaration")

	// ErrJobCancelled is returned for write jobs whose context ended before
	// they were admitted. No transaction was opened for them.
	ErrJobCancelled = errors.New("tablekv: write job cancelled before admission")

	// ErrJobPanicked wraps a panic raised inside a write job.
	ErrJobPanicked = errors.New("tablekv: write job panicked")

	// ErrIDSpaceExhausted is returned by PutLast when the table already
	// holds the maximum identifier.
	ErrIDSpaceExhausted = errors.New("tablekv: identifier space exhausted")
)

// Code is the closed set of engine failure conditions.
type Code = engine.Code

// EngineError is an engine failure with its operation and code.
type EngineError = engine.Error

// Engine error codes. Match with errors.Is(err, tablekv.CodeMapFull).
const (
	CodeUnknown = engine.CodeUnknown

	CodeVersionMismatch = engine.CodeVersionMismatch
	CodeCorrupted       = engine.CodeCorrupted
	CodeDirMissing      = engine.CodeDirMissing
	CodeNoAccess        = engine.CodeNoAccess
	CodeLocked          = engine.CodeLocked
	CodeCreateFailed    = engine.CodeCreateFailed

	CodePanic       = engine.CodePanic
	CodeMapResized  = engine.CodeMapResized
	CodeReadersFull = engine.CodeReadersFull
	CodeOutOfMemory = engine.CodeOutOfMemory

	CodeMapFull     = engine.CodeMapFull
	CodeTxnFull     = engine.CodeTxnFull
	CodeKeyExists   = engine.CodeKeyExists
	CodeBadValSize  = engine.CodeBadValSize
	CodeTxnReadOnly = engine.CodeTxnReadOnly

	CodeNoDiskSpace = engine.CodeNoDiskSpace
	CodeIO          = engine.CodeIO
	CodeInvalid     = engine.CodeInvalid

	CodeInvalidParameter = engine.CodeInvalidParameter
	CodeTablesFull       = engine.CodeTablesFull
	CodeIncompatible     = engine.CodeIncompatible
)

// CodeOf returns the engine code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var e *engine.Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return CodeUnknown, false
}

// IsRetriable reports whether err is a condition a caller may retry after
// backing off: exhausted reader slots, or a map resized by another process.
func IsRetriable(err error) bool {
	code, ok := CodeOf(err)
	return ok && (code == CodeReadersFull || code == CodeMapResized)
}

// Category groups errors by the phase that produced them.
type Category int

const (
	CategoryNone Category = iota
	CategoryOpen
	CategoryBegin
	CategoryWrite
	CategoryCommit
	CategoryDecode
	CategorySchema
	CategoryOther
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryOpen:
		return "open"
	case CategoryBegin:
		return "begin"
	case CategoryWrite:
		return "write"
	case CategoryCommit:
		return "commit"
	case CategoryDecode:
		return "decode"
	case CategorySchema:
		return "schema"
	default:
		return "other"
	}
}

// CategoryOf classifies err.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNone
	}
	switch {
	case errors.Is(err, ErrDecode):
		return CategoryDecode
	case errors.Is(err, ErrSchemaMismatch), errors.Is(err, ErrInvalidDecl):
		return CategorySchema
	}
	code, ok := CodeOf(err)
	if !ok {
		return CategoryOther
	}
	switch code {
	case CodeVersionMismatch, CodeCorrupted, CodeDirMissing, CodeNoAccess, CodeLocked, CodeCreateFailed:
		return CategoryOpen
	case CodePanic, CodeMapResized, CodeReadersFull, CodeOutOfMemory:
		return CategoryBegin
	case CodeMapFull, CodeTxnFull, CodeKeyExists, CodeBadValSize, CodeTxnReadOnly:
		return CategoryWrite
	case CodeNoDiskSpace, CodeIO, CodeInvalid:
		return CategoryCommit
	}
	return CategoryOther
}
