// Package logging provides the logging interface and default implementations for tablekv.
//
// Design: five-level interface (Error, Warn, Info, Debug, Fatal). Users can wrap their own
// structured loggers (slog, zap) by implementing Logger.
//
// Fatalf logs at FATAL level and calls the configured FatalHandler. It does not exit the
// process. The Env wires the handler to mark itself failed, after which new transactions
// are refused.
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Example: 2026/10/15 18:45:13 WARN [write] gate held 1.2s by job 42
//
// Component namespace prefixes:
//   - [env]    environment open/close and registry
//   - [txn]    transaction begin/commit/abort
//   - [write]  write scheduler and admission gate
//   - [iter]   table iteration
//   - [schema] schema catalog checks
//   - [engine] engine status translation
package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync/atomic"
)

// ErrFatal is the sentinel error wrapped by fatal conditions.
var ErrFatal = errors.New("fatal error")

// FatalHandler is called when Fatalf is invoked.
//
// Contract: FatalHandler must be safe for concurrent use.
// Contract: FatalHandler must not call Fatalf.
type FatalHandler func(msg string)

// Level represents the logging level.
type Level int32

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything including debug messages.
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Logger defines the interface for tablekv logging.
//
// Implementations MUST be safe for concurrent use: readers, the write
// scheduler and runtime cleanups all log.
type Logger interface {
	// Errorf logs a formatted error message.
	Errorf(format string, args ...any)

	// Warnf logs a formatted warning message.
	Warnf(format string, args ...any)

	// Infof logs a formatted informational message.
	Infof(format string, args ...any)

	// Debugf logs a formatted debug message.
	Debugf(format string, args ...any)

	// Fatalf logs a fatal error and triggers the fatal handler.
	Fatalf(format string, args ...any)
}

// FatalHandlerSetter is implemented by loggers that accept a FatalHandler.
type FatalHandlerSetter interface {
	SetFatalHandler(h FatalHandler)
}

// DefaultLogger writes to an io.Writer through log.Logger.
type DefaultLogger struct {
	logger       *log.Logger
	level        atomic.Int32
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewDefaultLogger creates a logger writing to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a logger with the specified output and level.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	l := &DefaultLogger{logger: log.New(w, "", log.LstdFlags)}
	l.level.Store(int32(level))
	return l
}

// SetFatalHandler sets the handler called when Fatalf is invoked.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// Level returns the logging level.
func (l *DefaultLogger) Level() Level {
	return Level(l.level.Load())
}

// SetLevel changes the logging level.
func (l *DefaultLogger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

func (l *DefaultLogger) output(level Level, format string, args []any) {
	if l.Level() >= level {
		_ = l.logger.Output(3, level.String()+" "+fmt.Sprintf(format, args...))
	}
}

// Errorf logs a formatted error message.
func (l *DefaultLogger) Errorf(format string, args ...any) { l.output(LevelError, format, args) }

// Warnf logs a formatted warning message.
func (l *DefaultLogger) Warnf(format string, args ...any) { l.output(LevelWarn, format, args) }

// Infof logs a formatted informational message.
func (l *DefaultLogger) Infof(format string, args ...any) { l.output(LevelInfo, format, args) }

// Debugf logs a formatted debug message.
func (l *DefaultLogger) Debugf(format string, args ...any) { l.output(LevelDebug, format, args) }

// Fatalf logs regardless of level and then calls the fatal handler.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	_ = l.logger.Output(2, "FATAL "+msg)

	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Namespace prefixes for log messages.
const (
	// NSEnv is the namespace for environment lifecycle and registry.
	NSEnv = "[env] "
	// NSTxn is the namespace for transaction operations.
	NSTxn = "[txn] "
	// NSWrite is the namespace for the write scheduler.
	NSWrite = "[write] "
	// NSIter is the namespace for table iteration.
	NSIter = "[iter] "
	// NSSchema is the namespace for schema catalog checks.
	NSSchema = "[schema] "
	// NSEngine is the namespace for engine failures.
	NSEngine = "[engine] "
)

// IsNil returns true if the logger is nil or a typed-nil.
//
//	var l *MyLogger = nil
//	opts.Logger = l  // interface is not nil, but the pointer is
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l when usable, otherwise a WARN-level stderr logger.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
