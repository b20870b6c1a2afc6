package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/conpanion/conpanion/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogger installs the global slog default logger from the logging section of the
// configuration.
//
// format: "json" → JSONHandler, anything else → TextHandler.
// level:  "debug", "info", "warn", "error" (case-insensitive); defaults to "info".
// output: "stdout" (default), "stderr", or a file path. File output is rotated by
// lumberjack using max_size_mb / max_backups / max_age_days.
//
// The returned Closer flushes and closes the log file; it is a no-op for the
// standard streams.
func SetupLogger(cfg config.LoggingConfig) io.Closer {
	lvl := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	w, closer := logWriter(cfg)

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialised", "format", cfg.Format, "level", lvl.String(), "output", outputName(cfg.Output))
	return closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func logWriter(cfg config.LoggingConfig) (io.Writer, io.Closer) {
	switch outputName(cfg.Output) {
	case "stdout":
		return os.Stdout, nopCloser{}
	case "stderr":
		return os.Stderr, nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return lj, lj
}

func outputName(output string) string {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stdout":
		return "stdout"
	case "stderr":
		return "stderr"
	}
	return output
}
