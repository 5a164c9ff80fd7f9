// Package logging builds the zerolog logger used by batchmux processes.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger output.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr or a file path
	TimeFormat string `mapstructure:"time_format"`
}

// New builds a logger from cfg. Empty fields take defaults: info level,
// json format, stdout and RFC3339 timestamps. An unparseable level falls
// back to info.
//
// The returned closer releases the log file when Output is a path and is a
// no-op for stdout and stderr. Close it once nothing logs any more.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	cfg = sanitize(cfg)

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var (
		output io.Writer
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("batchmux/logging: open %q: %w", cfg.Output, err)
		}
		output, closer = file, file
	}

	return build(output, cfg, level), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func build(output io.Writer, cfg Config, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = cfg.TimeFormat
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: cfg.TimeFormat,
		}
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// sanitize fills empty fields with defaults.
func sanitize(cfg Config) Config {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	return cfg
}
