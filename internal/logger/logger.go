package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the guardian's own log output. An empty File means
// stderr. Rotation parameters follow lumberjack semantics and also apply to
// the process log files handled by Rotator.
type Config struct {
	Level      string // debug|info|warn|error
	Format     string // text|json|color
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool // gzip rotated files
}

// ParseLevel maps a config level to slog. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) lumberjack(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Writer returns the output for the guardian log. The closer is a no-op for
// stderr.
func (c Config) Writer() io.WriteCloser {
	if c.File == "" {
		return nopCloser{os.Stderr}
	}
	return c.lumberjack(c.File)
}

// New builds a logger writing to w in the configured format.
func New(c Config, w io.Writer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "color":
		h = NewColorTextHandler(w, opts, true)
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	return slog.New(h), nil
}

// Setup builds the logger for c, installs it as the slog default and returns
// it with the closer for its output.
func Setup(c Config) (*slog.Logger, io.Closer, error) {
	w := c.Writer()
	l, err := New(c, w)
	if err != nil {
		_ = w.Close()
		return nil, nil, err
	}
	slog.SetDefault(l)
	return l, w, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
