package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration
type Config struct {
	Level      zerolog.Level
	Format     string // "json" or "console"
	TimeFormat string
	Output     io.Writer
}

// DefaultConfig logs info and above to stderr in console format.
func DefaultConfig() Config {
	return Config{
		Level:      zerolog.InfoLevel,
		Format:     "console",
		TimeFormat: time.RFC3339,
	}
}

// New creates a new zerolog logger with the given configuration
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: cfg.TimeFormat,
		}
	}

	return zerolog.New(out).
		Level(cfg.Level).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps trace, debug, info, warn and error to zerolog levels.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
}
