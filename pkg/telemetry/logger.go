package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// Logger is the process logger built from LoggingConfig. Components take
// the zerolog.Logger it carries.
type Logger struct {
	zlog zerolog.Logger
}

// NewLogger builds the process logger. Output is stdout, stderr or a file
// path opened for append.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, err := logOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return newLogger(w, cfg), nil
}

func newLogger(w io.Writer, cfg LoggingConfig) *Logger {
	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	zlog := ctx.Logger()

	// Sampling applies per level so a burst of poll chatter never hides an
	// error.
	if cfg.EnableSampling {
		zlog = zlog.Sample(zerolog.LevelSampler{
			TraceSampler: burstSampler(cfg),
			DebugSampler: burstSampler(cfg),
			InfoSampler:  burstSampler(cfg),
		})
	}
	return &Logger{zlog: zlog}
}

func logOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output %s: %w", output, err)
	}
	return f, nil
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	default:
		return time.RFC3339
	}
}

func burstSampler(cfg LoggingConfig) zerolog.Sampler {
	return &zerolog.BurstSampler{
		Burst:       uint32(cfg.SamplingInitial),
		Period:      time.Second,
		NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
	}
}

// Zerolog returns the configured logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// resourceLogger scopes a logger to one operation on one resource.
func resourceLogger(zlog zerolog.Logger, operation, resourceID string, kind engine.Kind) zerolog.Logger {
	ctx := zlog.With().Str("operation", operation)
	if resourceID != "" {
		ctx = ctx.Str("resource_id", resourceID)
	}
	if kind != "" {
		ctx = ctx.Str("kind", string(kind))
	}
	return ctx.Logger()
}
