// Package logger wraps log/slog behind a small package-level API with
// runtime-adjustable level, text or JSON output, and colored terminal
// rendering when stdout is a tty.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents log levels
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logger configuration
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or file path
}

var (
	currentLevel atomic.Int32

	mu       sync.RWMutex
	slogger  *slog.Logger
	output   io.Writer = os.Stdout
	format             = "text"
	useColor           = true
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	if f, ok := output.(*os.File); ok {
		useColor = isTerminal(f.Fd())
	}
	reconfigure()
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func toSlogLevel(l Level) slog.Level {
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

func parseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// reconfigure rebuilds the slog handler from current settings.
// Caller must hold mu.
func reconfigure() {
	levelVar := new(slog.LevelVar)
	levelVar.Set(toSlogLevel(Level(currentLevel.Load())))
	opts := &slog.HandlerOptions{Level: levelVar}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = newColorTextHandler(output, opts, useColor)
	}
	slogger = slog.New(handler)
}

// Init initializes the logger with the given configuration.
// Output can be "stdout", "stderr", or a file path.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log output %q: %w", cfg.Output, err)
		}
		output = f
	}

	useColor = false
	if f, ok := output.(*os.File); ok {
		useColor = isTerminal(f.Fd())
	}

	if cfg.Format != "" {
		format = strings.ToLower(cfg.Format)
	}
	currentLevel.Store(int32(parseLevel(cfg.Level)))

	reconfigure()
	return nil
}

// InitWithWriter points the logger at an arbitrary writer; used by tests.
func InitWithWriter(w io.Writer, level, fmtName string, color bool) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	useColor = color
	if fmtName != "" {
		format = strings.ToLower(fmtName)
	}
	currentLevel.Store(int32(parseLevel(level)))
	reconfigure()
}

// SetLevel adjusts the log level at runtime.
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel.Store(int32(parseLevel(level)))
	reconfigure()
}

func getLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

// Debug logs at debug level with key-value pairs.
func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }

// Info logs at info level with key-value pairs.
func Info(msg string, args ...any) { getLogger().Info(msg, args...) }

// Warn logs at warn level with key-value pairs.
func Warn(msg string, args ...any) { getLogger().Warn(msg, args...) }

// Error logs at error level with key-value pairs.
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }

// With returns a logger carrying the given fields on every record.
func With(args ...any) *slog.Logger { return getLogger().With(args...) }

// Duration returns elapsed milliseconds since start, for KeyDuration.
func Duration(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
