// Package logging provides the structured logger shared by the decoder and
// the command line tool.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with decoder-specific helpers.
// Field names are kept consistent across packages.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the given handler.
// If handler is nil, uses a text handler to stderr at info level.
func New(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewText creates a Logger that writes human-readable text to w
func NewText(w io.Writer, level slog.Level) *Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewJSON creates a Logger that writes JSON records to w
func NewJSON(w io.Writer, level slog.Level) *Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// ForVerbosity returns an info-level text logger on stderr when verbose is
// set and a warn-level one otherwise
func ForVerbosity(verbose bool) *Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	return NewText(os.Stderr, level)
}

// Noop creates a Logger that discards all output
func Noop() *Logger {
	return New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// WithStage tags records with a pipeline stage name
func (l *Logger) WithStage(stage string) *Logger {
	return &Logger{Logger: l.Logger.With("stage", stage)}
}

// LogStage logs the completion of a pipeline stage
func (l *Logger) LogStage(ctx context.Context, stage string, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "stage failed",
			"stage", stage,
			"elapsed", elapsed,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "stage completed",
		"stage", stage,
		"elapsed", elapsed,
	)
}

// LogLowSignal reports pixels excluded for low signal
func (l *Logger) LogLowSignal(ctx context.Context, pixels, total int, threshold float64) {
	l.WarnContext(ctx, "low signal pixels excluded",
		"pixels", pixels,
		"total", total,
		"threshold", threshold,
	)
}

// LogDecode summarises a finished decode
func (l *Logger) LogDecode(ctx context.Context, pixels, called, molecules, rejected int, elapsed time.Duration) {
	l.InfoContext(ctx, "decode completed",
		"pixels", pixels,
		"called_pixels", called,
		"molecules", molecules,
		"rejected_regions", rejected,
		"elapsed", elapsed,
	)
}
