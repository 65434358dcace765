package engine

import (
	"fmt"
	"syscall"
)

// Code is the closed set of engine failure conditions.
// Adapters translate raw engine status codes into a Code exactly once;
// nothing above this package sees a raw status.
//
// Code implements error so that errors.Is(err, CodeMapFull) works on any
// error returned through the adapters.
type Code int

const (
	// CodeUnknown is an engine status with no dedicated code. The raw
	// status is kept in Error.Errno.
	CodeUnknown Code = iota

	// Open.
	CodeVersionMismatch
	CodeCorrupted
	CodeDirMissing
	CodeNoAccess
	CodeLocked
	CodeCreateFailed

	// Begin.
	CodePanic
	CodeMapResized
	CodeReadersFull
	CodeOutOfMemory

	// Write.
	CodeMapFull
	CodeTxnFull
	CodeKeyExists
	CodeBadValSize
	CodeTxnReadOnly

	// Commit.
	CodeNoDiskSpace
	CodeIO
	CodeInvalid

	// Other.
	CodeInvalidParameter
	CodeTablesFull
	CodeIncompatible

	codeMax
)

var codeNames = [codeMax]string{
	CodeUnknown:          "unknown",
	CodeVersionMismatch:  "version mismatch",
	CodeCorrupted:        "corrupted",
	CodeDirMissing:       "directory does not exist",
	CodeNoAccess:         "no access",
	CodeLocked:           "environment locked",
	CodeCreateFailed:     "create failed",
	CodePanic:            "environment panic",
	CodeMapResized:       "map resized",
	CodeReadersFull:      "readers full",
	CodeOutOfMemory:      "out of memory",
	CodeMapFull:          "map full",
	CodeTxnFull:          "transaction full",
	CodeKeyExists:        "key exists",
	CodeBadValSize:       "bad key or value size",
	CodeTxnReadOnly:      "write in read-only transaction",
	CodeNoDiskSpace:      "no disk space",
	CodeIO:               "i/o error",
	CodeInvalid:          "invalid",
	CodeInvalidParameter: "invalid parameter",
	CodeTablesFull:       "tables full",
	CodeIncompatible:     "incompatible table flags",
}

// String returns the human-readable name of the code.
func (c Code) String() string {
	if c < 0 || c >= codeMax {
		return fmt.Sprintf("code(%d)", int(c))
	}
	return codeNames[c]
}

// Error implements error.
func (c Code) Error() string { return "engine: " + c.String() }

// Error is an engine failure translated at the adapter boundary.
type Error struct {
	// Op is the engine operation that failed (open, begin, put, ...).
	Op string
	// Code is the translated condition.
	Code Code
	// Errno is the raw status, kept for CodeUnknown and diagnostics.
	Errno int
}

func (e *Error) Error() string {
	if e.Code == CodeUnknown {
		return fmt.Sprintf("engine: %s: %s (errno %d)", e.Op, e.Code.String(), e.Errno)
	}
	return fmt.Sprintf("engine: %s: %s", e.Op, e.Code.String())
}

// Is reports whether target is this error's Code.
func (e *Error) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.Code
}

// Unwrap exposes the Code so errors.As(err, &code) works.
func (e *Error) Unwrap() error { return e.Code }

// NewError builds an Error for op.
func NewError(op string, code Code, errno int) *Error {
	return &Error{Op: op, Code: code, Errno: errno}
}

// Status is the phase an engine status was returned from. The same raw
// status maps to different codes in different phases (EINVAL on commit is
// CodeInvalid, on put it is CodeInvalidParameter).
type Status int

const (
	StatusOpen Status = iota
	StatusBegin
	StatusWrite
	StatusRead
	StatusCommit
	StatusOther
)

// FromErrno maps an operating-system errno to a Code for the given phase.
// Engine-specific statuses are handled by the adapters before falling
// back to this.
func FromErrno(phase Status, errno syscall.Errno) Code {
	switch phase {
	case StatusOpen:
		switch errno {
		case syscall.ENOENT, syscall.ESRCH:
			return CodeDirMissing
		case syscall.EACCES, syscall.EPERM, syscall.EROFS:
			return CodeNoAccess
		case syscall.EAGAIN:
			return CodeLocked
		case syscall.EINVAL:
			return CodeInvalidParameter
		}
		return CodeCreateFailed
	case StatusBegin:
		if errno == syscall.ENOMEM {
			return CodeOutOfMemory
		}
	case StatusWrite:
		switch errno {
		case syscall.EACCES:
			return CodeTxnReadOnly
		case syscall.EINVAL:
			return CodeInvalidParameter
		}
	case StatusCommit:
		switch errno {
		case syscall.EINVAL:
			return CodeInvalid
		case syscall.ENOSPC:
			return CodeNoDiskSpace
		case syscall.EIO:
			return CodeIO
		case syscall.ENOMEM:
			return CodeOutOfMemory
		}
	default:
		if errno == syscall.EINVAL {
			return CodeInvalidParameter
		}
	}
	return CodeUnknown
}
