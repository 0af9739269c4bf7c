// Package logging builds the process logger: console output plus an
// optional log file rotated every day and kept for a limited number of days.
package logging

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Error is the error class for logger setup.
var Error = errs.Class("logging")

// DefaultMaxAge is how many days of rotated log files are kept.
const DefaultMaxAge = 30

// Config configures New.
type Config struct {
	// Path is the log file. Empty logs to the console only.
	Path string
	// Level is the minimum level: debug, info, warn or error.
	Level string
	// MaxAge is the retention in days; zero means DefaultMaxAge.
	MaxAge int
}

// New returns a logger writing to stderr and, when configured, to a daily
// rotated file. The returned close function flushes and closes the file.
func New(cfg Config) (*zap.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, Error.New("invalid log level %q", cfg.Level)
		}
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(os.Stderr), level),
	}
	closeFn := func() error { return nil }
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, nil, Error.Wrap(err)
		}
		maxAge := cfg.MaxAge
		if maxAge <= 0 {
			maxAge = DefaultMaxAge
		}
		w := NewDailyWriter(&lumberjack.Logger{Filename: cfg.Path, MaxAge: maxAge, LocalTime: true})
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), w, level))
		closeFn = w.Close
	}

	log := zap.New(zapcore.NewTee(cores...))
	return log, func() error {
		_ = log.Sync()
		return Error.Wrap(closeFn())
	}, nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// DailyWriter rotates its lumberjack logger whenever the calendar day
// changes between writes.
type DailyWriter struct {
	mu  sync.Mutex
	out *lumberjack.Logger
	day string

	// Now returns the current time.
	Now func() time.Time
}

// NewDailyWriter wraps out. An existing log file last written on an
// earlier day is rotated on the first write.
func NewDailyWriter(out *lumberjack.Logger) *DailyWriter {
	w := &DailyWriter{out: out, Now: time.Now}
	if info, err := os.Stat(out.Filename); err == nil {
		w.day = dayOf(info.ModTime())
	}
	return w
}

func dayOf(t time.Time) string { return t.Local().Format("2006-01-02") }

// Write implements io.Writer.
func (w *DailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	day := dayOf(w.Now())
	if w.day != "" && w.day != day {
		if err := w.out.Rotate(); err != nil {
			return 0, err
		}
	}
	w.day = day
	return w.out.Write(p)
}

// Sync implements zapcore.WriteSyncer.
func (w *DailyWriter) Sync() error { return nil }

// Close closes the current log file.
func (w *DailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Close()
}
