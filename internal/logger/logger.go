// Package logger provides structured, level-gated logging for mockpod's
// internal components.
//
// Each entry is rendered as a logfmt-style line of key=value fields, one
// field per concern, in the spirit of the key/value loggers used
// elsewhere in the Go ecosystem (e.g. hashicorp/go-hclog):
//
//	ts=2006-01-02T15:04:05.000Z07:00 module=PROXYCORE level=INFO action=listen msg="listening on :8080"
//
// Levels (lowest to highest): debug, info, warn, error. Entries below the
// configured minimum level are silently dropped.
//
// Usage:
//
//	log := logger.New("PROXYCORE", cfg.LogLevel)
//	log.Info("listen", "listening on :8080")
//	log.Errorf("leaf_issue", "%s: %v", host, err)
package logger

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Level represents a log severity.
type Level int

// Log severity constants, ordered lowest to highest.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) label() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// field is one key=value pair in an emitted line. Order is significant:
// fields render in the order given to emit.
type field struct {
	key, val string
}

// Logger writes level-gated, logfmt-style entries tagged with a module
// name (e.g. "CA", "MITM", "RULES"). The zero value is not usable; build
// one with New.
type Logger struct {
	module string
	level  Level
	out    *log.Logger
}

// New creates a Logger for the given module, gated at the given level
// string. Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	return &Logger{
		module: strings.ToUpper(module),
		level:  parseLevel(levelStr),
		out:    log.New(os.Stderr, "", 0),
	}
}

// SetLevel changes the minimum log level at runtime.
func (l *Logger) SetLevel(levelStr string) {
	l.level = parseLevel(levelStr)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(action, msg string) { l.emit(LevelDebug, action, msg) }

// Info logs at INFO level.
func (l *Logger) Info(action, msg string) { l.emit(LevelInfo, action, msg) }

// Warn logs at WARN level.
func (l *Logger) Warn(action, msg string) { l.emit(LevelWarn, action, msg) }

// Error logs at ERROR level.
func (l *Logger) Error(action, msg string) { l.emit(LevelError, action, msg) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	l.Debug(action, fmt.Sprintf(format, args...))
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(action, format string, args ...any) {
	l.Info(action, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(action, format string, args ...any) {
	l.Warn(action, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(action, format string, args ...any) {
	l.Error(action, fmt.Sprintf(format, args...))
}

// Fatal logs at ERROR level and then calls os.Exit(1). Reserved for
// startup failures (CA init, listener bind) that leave nothing useful to
// serve.
func (l *Logger) Fatal(action, msg string) {
	l.Error(action, msg)
	os.Exit(1)
}

// Fatalf logs a formatted message at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatalf(action, format string, args ...any) {
	l.Fatal(action, fmt.Sprintf(format, args...))
}

// emit assembles the field set for one entry and, if it clears the
// configured level, hands the rendered line to the underlying *log.Logger.
func (l *Logger) emit(level Level, action, msg string) {
	if level < l.level {
		return
	}
	fields := []field{
		{"ts", time.Now().Format("2006-01-02T15:04:05.000Z07:00")},
		{"module", l.module},
		{"level", level.label()},
		{"action", action},
		{"msg", msg},
	}
	l.out.Print(renderLogfmt(fields))
}

// renderLogfmt writes fields as space-separated key=value pairs, quoting
// any value containing whitespace or a quote/equals so the line stays
// parseable by a naive space-split.
func renderLogfmt(fields []field) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(quoteIfNeeded(f.val))
	}
	return b.String()
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// parseLevel converts a string to a Level, defaulting to LevelInfo so a
// typo'd LOG_LEVEL never silences the proxy.
func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
