// Package observability builds the process-wide logger and tracer provider.
package observability

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// LoggingConfig selects level, format and destination of the root logger.
type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

// NewLogger builds the root logger. The returned closer releases the log file, if any.
func NewLogger(name string, cfg LoggingConfig) (hclog.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out, closer = f, f
	}
	level := hclog.LevelFromString(strings.TrimSpace(cfg.Level))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     out,
		JSONFormat: strings.EqualFold(cfg.Format, "json"),
	})
	return logger, closer, nil
}
