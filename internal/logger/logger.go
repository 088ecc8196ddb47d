// Package logger provides structured, level-gated logging for the handshake
// service.
//
// Each entry is written as a single line with fixed-width columns, followed by
// optional key=value fields:
//
//	2006-01-02 15:04:05.000 | MODULE       | ACTION                 | LEVEL | message key=value
//
// Levels (lowest to highest): debug, info, warn, error.
// Entries below the configured minimum level are silently dropped.
//
// Field values stored under sensitive keys (text, value, original, ...) and
// any value of type Secret are always written as MaskValue. Document text and
// token maps must never reach a log line; masking is the backstop.
//
// Usage:
//
//	log := logger.New("HANDSHAKE", cfg.LogLevel)
//	log.With("correlation_id", id, "spans", n).Info("anonymized", "document anonymized")
//	log.Warnf("strategy_degraded", "strategy %s failed: %v", name, err)
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Level represents a log severity.
type Level int

// Log severity constants, ordered lowest to highest.
const (
	LevelDebug Level = iota // fine-grained diagnostic output
	LevelInfo               // normal operational messages
	LevelWarn               // unexpected but recoverable conditions
	LevelError              // failures requiring attention
)

// MaskValue replaces sensitive field values.
const MaskValue = "***REDACTED***"

// sensitiveKeys are field keys whose values are never written.
var sensitiveKeys = map[string]bool{
	"text":        true,
	"value":       true,
	"values":      true,
	"original":    true,
	"source_text": true,
	"sourcetext":  true,
	"token_map":   true,
	"tokenmap":    true,
	"draft":       true,
	"final":       true,
	"final_text":  true,
	"body":        true,
	"api_key":     true,
	"token":       true,
	"password":    true,
}

// Secret is a string that always formats as MaskValue.
type Secret string

// String implements fmt.Stringer.
func (Secret) String() string { return MaskValue }

// Format implements fmt.Formatter so every verb is masked.
func (Secret) Format(f fmt.State, _ rune) { io.WriteString(f, MaskValue) } //nolint:errcheck

// Logger writes structured log lines for a single module.
type Logger struct {
	module string
	level  *atomic.Int32
	out    *log.Logger
	fields string // pre-rendered " key=value" pairs
}

// New creates a Logger for the given module, gated at the given level string.
// Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	lvl := new(atomic.Int32)
	lvl.Store(int32(parseLevel(levelStr)))
	return &Logger{
		module: strings.ToUpper(module),
		level:  lvl,
		// No prefix or flags; we supply the full line ourselves.
		out: log.New(os.Stderr, "", 0),
	}
}

// Discard returns a Logger that drops everything. Handy for tests and for
// optional dependencies left unset.
func Discard() *Logger {
	l := New("DISCARD", "error")
	l.out = log.New(io.Discard, "", 0)
	return l
}

// SetOutput redirects the logger (and every logger derived from it via With).
func (l *Logger) SetOutput(w io.Writer) {
	l.out.SetOutput(w)
}

// SetLevel changes the minimum log level at runtime. Loggers derived via With
// share the level.
func (l *Logger) SetLevel(levelStr string) {
	l.level.Store(int32(parseLevel(levelStr)))
}

// Module returns a logger for another module that shares output and level.
func (l *Logger) Module(module string) *Logger {
	return &Logger{module: strings.ToUpper(module), level: l.level, out: l.out}
}

// With returns a logger that appends the given key/value pairs to every line.
// A trailing key without a value is ignored.
func (l *Logger) With(kv ...any) *Logger {
	var b strings.Builder
	b.WriteString(l.fields)
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(renderValue(key, kv[i+1]))
	}
	return &Logger{module: l.module, level: l.level, out: l.out, fields: b.String()}
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(action, msg string) { l.write(LevelDebug, "DEBUG", action, msg) }

// Info logs at INFO level.
func (l *Logger) Info(action, msg string) { l.write(LevelInfo, "INFO ", action, msg) }

// Warn logs at WARN level.
func (l *Logger) Warn(action, msg string) { l.write(LevelWarn, "WARN ", action, msg) }

// Error logs at ERROR level.
func (l *Logger) Error(action, msg string) { l.write(LevelError, "ERROR", action, msg) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	if l.enabled(LevelDebug) {
		l.Debug(action, fmt.Sprintf(format, args...))
	}
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

// Fatal logs at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatal(action, msg string) {
	l.Error(action, msg)
	os.Exit(1)
}

// Fatalf logs a formatted message at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatalf(action, format string, args ...any) {
	l.Fatal(action, fmt.Sprintf(format, args...))
}

func (l *Logger) enabled(level Level) bool {
	return level >= Level(l.level.Load())
}

// write emits one log line if level >= the configured level.
func (l *Logger) write(level Level, levelLabel, action, msg string) {
	if !l.enabled(level) {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.out.Printf("%s | %-12s | %-22s | %s | %s%s", ts, l.module, action, levelLabel, msg, l.fields)
}

func renderValue(key string, v any) string {
	if sensitiveKeys[strings.ToLower(key)] {
		return MaskValue
	}
	if _, ok := v.(Secret); ok {
		return MaskValue
	}
	s := fmt.Sprint(v)
	if strings.ContainsAny(s, " \t\n\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// parseLevel converts a string to a Level, defaulting to LevelInfo.
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
