// Package logging builds the process logger: text or JSON to stdout, fanned
// out to a rotating JSON file when one is configured.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging settings
type Config struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`

	// Optional rotating JSON log file
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" validate:"gte=0"`
	Compress   bool   `toml:"compress"`
}

// DefaultConfig returns logging defaults
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// ParseLevel maps a configured level name to a slog.Level
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// Setup creates the logger described by cfg. The returned cleanup closes the
// log file, if any.
func Setup(cfg Config) (*slog.Logger, func() error, error) {
	var file io.WriteCloser
	if cfg.File != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}

	logger, err := New(cfg, os.Stdout, file)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() error {
		if file == nil {
			return nil
		}
		return file.Close()
	}
	return logger, cleanup, nil
}

// New builds a logger writing to out and, when file is non-nil, JSON records
// to file as well
func New(cfg Config, out io.Writer, file io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	switch cfg.Format {
	case "json":
		console = slog.NewJSONHandler(out, opts)
	case "", "text":
		console = slog.NewTextHandler(out, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	if file == nil {
		return slog.New(console), nil
	}

	return slog.New(slogmulti.Fanout(console, slog.NewJSONHandler(file, opts))), nil
}
