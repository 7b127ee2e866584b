package server

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"runtime/debug"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RunWithRecovery runs fn in a loop, recovering from panics with exponential backoff.
// It stops when ctx is cancelled.
func RunWithRecovery(ctx context.Context, logger *slog.Logger, name string, fn func(ctx context.Context)) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("goroutine stopped", "name", name, "reason", "context cancelled")
			return
		default:
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("goroutine panicked",
						"name", name,
						"panic", r,
						"stack", string(debug.Stack()),
						"attempt", attempt,
					)
				}
			}()
			fn(ctx)
		}()

		select {
		case <-ctx.Done():
			return
		default:
		}

		// 1s, 2s, 4s, ... max 5min
		attempt++
		backoff := time.Duration(math.Min(
			float64(time.Second)*math.Pow(2, float64(attempt-1)),
			float64(5*time.Minute),
		))
		logger.Warn("goroutine restarting",
			"name", name,
			"attempt", attempt,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// LogOptions selects the log level, format and destination.
type LogOptions struct {
	Level  string // debug, info, warn, error
	Format string // json (default) or text
	// File, when set, receives logs instead of stdout and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogger creates a structured slog.Logger. The returned closer releases
// the log file, if any.
func SetupLogger(opts LogOptions) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize, // megabytes
			MaxBackups: opts.MaxBackups,
			Compress:   opts.Compress,
		}
		w, closer = lj, lj
	}

	hopts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var handler slog.Handler
	if opts.Format == "text" {
		handler = slog.NewTextHandler(w, hopts)
	} else {
		handler = slog.NewJSONHandler(w, hopts)
	}
	return slog.New(handler), closer
}
