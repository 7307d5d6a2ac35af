package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options controls the process logger.
type Options struct {
	Level   string
	Format  string // "json" (default) or "text"
	Service string
	Env     string
}

// New creates a slog logger on stdout. Unknown levels fall back to info and
// unknown formats to JSON. Service and Env are attached to every record.
func New(opts Options) *slog.Logger {
	return newLogger(os.Stdout, opts)
}

func newLogger(w io.Writer, opts Options) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl, AddSource: lvl.Level() <= slog.LevelDebug}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Env != "" {
		logger = logger.With("env", opts.Env)
	}
	return logger
}

// Discard returns a logger that drops all output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
