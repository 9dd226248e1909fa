// Package logging builds the zerolog logger from configuration.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/omochice/chat-bridge/internal/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a logger for cfg and a function releasing its sink. Logs go to
// out unless cfg.File is set, in which case they go to a rotated file.
func New(cfg config.LogConfig, out io.Writer) (zerolog.Logger, func() error, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nil, errors.Wrapf(err, "invalid log level %q", cfg.Level)
		}
	}

	closer := func() error { return nil }
	sink := out
	if sink == nil {
		sink = os.Stderr
	}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		sink = rotated
		closer = rotated.Close
	}

	var w io.Writer = sink
	if strings.ToLower(cfg.Format) != "json" && cfg.File == "" {
		w = zerolog.ConsoleWriter{Out: sink, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}
