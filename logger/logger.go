package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

type options struct {
	level     *slog.LevelVar
	format    string
	logToFile bool
	logFile   string
	console   io.Writer
	noColor   bool
}

// Option configures New.
type Option func(*options)

// WithLevel shares level with the returned logger so it can be changed at runtime.
func WithLevel(level *slog.LevelVar) Option {
	return func(o *options) { o.level = level }
}

// WithFormat selects "text" (colored console) or "json" console output.
func WithFormat(format string) Option {
	return func(o *options) { o.format = format }
}

func WithLogToFile(enabled bool) Option {
	return func(o *options) { o.logToFile = enabled }
}

func WithLogFile(path string) Option {
	return func(o *options) { o.logFile = path }
}

// WithConsole redirects console output, mostly for tests.
func WithConsole(w io.Writer) Option {
	return func(o *options) {
		o.console = w
		o.noColor = true
	}
}

// New builds the service logger. Console output goes through tint (or JSON
// when requested); file output is JSON, rotated by lumberjack.
func New(opts ...Option) *slog.Logger {
	o := &options{
		level:   new(slog.LevelVar),
		format:  "text",
		console: os.Stderr,
	}
	for _, opt := range opts {
		opt(o)
	}

	var console slog.Handler
	if o.format == "json" {
		console = slog.NewJSONHandler(o.console, &slog.HandlerOptions{Level: o.level})
	} else {
		console = tint.NewHandler(o.console, &tint.Options{
			Level:      o.level,
			TimeFormat: time.DateTime,
			NoColor:    o.noColor,
		})
	}

	if !o.logToFile || o.logFile == "" {
		return slog.New(console)
	}

	file := slog.NewJSONHandler(&lumberjack.Logger{
		Filename:   o.logFile,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}, &slog.HandlerOptions{Level: o.level, AddSource: true})

	return slog.New(&fanout{handlers: []slog.Handler{console, file}})
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, errors.New("unknown log level " + s)
	}
	return level, nil
}

// fanout sends each record to every handler that accepts its level.
type fanout struct {
	handlers []slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: handlers}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &fanout{handlers: handlers}
}
