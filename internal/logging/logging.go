// Package logging builds the process logger. Components receive a *zerolog.Logger
// explicitly; the context helpers exist for request-scoped loggers in the HTTP layer.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config mirrors the log config section.
type Config struct {
	// Level is the minimum level: trace, debug, info, warn, error or disabled.
	Level string `mapstructure:"level"`
	// Format is json, console or auto (console on a terminal).
	Format string `mapstructure:"format"`
	// Output is stderr, stdout, discard or a file path. Files are rotated.
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		Output:     "stderr",
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 14,
	}
}

// New returns a logger for cfg and the closer for its output, if any.
func New(cfg Config) (zerolog.Logger, io.Closer) {
	level := ParseLevel(cfg.Level)
	out, closer := writer(cfg)

	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "iot-sim-gateway").
		Logger()

	if level <= zerolog.DebugLevel {
		logger = logger.With().Caller().Logger()
	}
	return logger, closer
}

func writer(cfg Config) (io.Writer, io.Closer) {
	var (
		out    io.Writer
		closer io.Closer
		isFile bool
	)
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	case "discard", "none":
		out = io.Discard
	default:
		lj := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out, closer, isFile = lj, lj, true
	}

	format := strings.ToLower(cfg.Format)
	if format == "auto" {
		format = "json"
		if f, ok := out.(*os.File); ok {
			if fi, err := f.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
				format = "console"
			}
		}
	}

	// Rotated files always get JSON, colour codes do not belong there.
	if format == "console" && !isFile {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    os.Getenv("NO_COLOR") != "",
		}
	}
	return out, closer
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "warning":
		return zerolog.WarnLevel
	case "none", "off":
		return zerolog.Disabled
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return l
}

type ctxKey struct{}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored in ctx or fallback when there is none.
func FromContext(ctx context.Context, fallback *zerolog.Logger) *zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zerolog.Logger); ok && l != nil {
		return l
	}
	return fallback
}
