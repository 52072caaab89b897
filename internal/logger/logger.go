// Package logger provides the process-wide structured logger used by every
// component of the RPC core and its ambient infrastructure.
//
// It is a thin wrapper over log/slog: callers get a package-level
// Debug/Info/Warn/Error API with structured key-value fields, backed by a
// single swappable slog.Handler so the output format (text for a terminal,
// json for a log collector) is a runtime choice, not a compile-time one.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level mirrors slog's levels with names matching the configuration surface
// (Config.Logging.Level: DEBUG, INFO, WARN, ERROR).
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config selects the logger's verbosity, encoding and sink.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR (default INFO)
	Format string // text, json (default text)
	Output io.Writer
}

var (
	mu      sync.RWMutex
	cur     *slog.Logger
	curOut  io.Writer
	level   atomic.Int32
	fmtKind atomic.Value // "text" or "json"
)

func init() {
	level.Store(int32(LevelInfo))
	fmtKind.Store("text")
	rebuild(os.Stderr)
}

// Init (re)configures the global logger. Safe to call more than once; the
// server calls it exactly once at startup after config has been loaded.
func Init(cfg Config) {
	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}
	if cfg.Format != "" {
		setFormat(cfg.Format)
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	rebuild(out)
}

// SetLevel changes the minimum level at which records are emitted.
// Unknown level strings are ignored.
func SetLevel(l string) {
	switch strings.ToUpper(l) {
	case "DEBUG":
		level.Store(int32(LevelDebug))
	case "INFO":
		level.Store(int32(LevelInfo))
	case "WARN", "WARNING":
		level.Store(int32(LevelWarn))
	case "ERROR":
		level.Store(int32(LevelError))
	default:
		return
	}
	rebuild(nil)
}

func setFormat(f string) {
	f = strings.ToLower(f)
	if f != "text" && f != "json" {
		return
	}
	fmtKind.Store(f)
}

// rebuild reconstructs the handler. Passing a nil writer keeps the current
// sink and only applies the current level/format.
func rebuild(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if w == nil {
		w = curOut
	}
	if w == nil {
		w = os.Stderr
	}
	curOut = w

	lv := new(slog.LevelVar)
	lv.Set(Level(level.Load()).slog())
	opts := &slog.HandlerOptions{Level: lv}

	var h slog.Handler
	if fmtKind.Load() == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	cur = slog.New(h)
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return cur
}

// Debug logs a structured debug record: Debug("accepted connection", "addr", addr).
func Debug(msg string, args ...any) { get().Debug(msg, args...) }

// Info logs a structured info record.
func Info(msg string, args ...any) { get().Info(msg, args...) }

// Warn logs a structured warning record.
func Warn(msg string, args ...any) { get().Warn(msg, args...) }

// Error logs a structured error record.
func Error(msg string, args ...any) { get().Error(msg, args...) }

// With returns a child slog.Logger with fields bound, for call sites that
// log the same fields repeatedly (e.g. once per connection).
func With(args ...any) *slog.Logger { return get().With(args...) }

// Fatalf logs at error level then exits the process. Reserved for
// unrecoverable startup failures (bad config, listener bind failure).
func Fatalf(format string, args ...any) {
	get().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
