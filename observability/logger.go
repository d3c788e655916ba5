// Package observability defines the pluggable logging seam used by the relay core.
package observability

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// Field represents a key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Logger captures structured logging behaviours shared across the library.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

var defaultLogger atomic.Pointer[loggerBox]

type loggerBox struct{ logger Logger }

func init() {
	defaultLogger.Store(&loggerBox{logger: noopLogger{}})
}

// SetLogger overrides the global logger used by the library.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger.Store(&loggerBox{logger: noopLogger{}})
		return
	}
	defaultLogger.Store(&loggerBox{logger: logger})
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger.Load().logger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a standard library logger to the Logger interface.
type StdLogger struct {
	inner *log.Logger
}

// NewStdLogger wraps the provided standard library logger. A nil logger uses
// the process default.
func NewStdLogger(inner *log.Logger) *StdLogger {
	if inner == nil {
		inner = log.Default()
	}
	return &StdLogger{inner: inner}
}

func (l *StdLogger) Debug(msg string, fields ...Field) { l.emit("DEBUG", msg, fields) }
func (l *StdLogger) Info(msg string, fields ...Field)  { l.emit("INFO", msg, fields) }
func (l *StdLogger) Error(msg string, fields ...Field) { l.emit("ERROR", msg, fields) }

func (l *StdLogger) emit(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, field := range fields {
		b.WriteString(" ")
		b.WriteString(field.Key)
		b.WriteString("=")
		b.WriteString(format(field.Value))
	}
	l.inner.Print(b.String())
}

func format(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}
