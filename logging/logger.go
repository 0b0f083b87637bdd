/*
logger.go - Structured logger construction

PURPOSE:
  Builds the zerolog.Logger shared by the service, the HTTP layer and the
  CLI. Development gets a human-readable console; every other environment
  writes JSON lines.

SEE ALSO:
  - config/config.go: Supplies Env and Level
  - api/server.go: Request logging middleware
*/
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Env   string    // development -> console, anything else -> JSON
	Level string    // trace, debug, info, warn, error
	Out   io.Writer // defaults to os.Stdout
}

// New builds the logger and installs it as zerolog's global logger.
func New(cfg Config) zerolog.Logger {
	w := cfg.Out
	if w == nil {
		w = os.Stdout
	}
	if cfg.Env == "development" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	zl := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	log.Logger = zl
	return zl
}

// ParseLevel maps a level name to zerolog. Unknown names fall back to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
