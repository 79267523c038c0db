// Package logging builds the zerolog logger of a coupled run.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "COUPLER_LOG_LEVEL"
	EnvLogNoColor = "COUPLER_LOG_NOCOLOR"
)

// Config of the console logger.
type Config struct {
	App     string
	Level   zerolog.Level
	NoColor bool
	Out     io.Writer
}

// DefaultConfig logs at info level to stderr, overridden by the environment.
func DefaultConfig(app string) Config {
	cfg := Config{App: app, Level: zerolog.InfoLevel, Out: os.Stderr}
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor))); err == nil {
		cfg.NoColor = v
	}
	return cfg
}

// ParseLevel reads a level name; ok is false for an empty or unknown name.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	}
	return zerolog.InfoLevel, false
}

// New builds the logger, tags it with a fresh run id and installs it as the
// global zerolog logger.
func New(cfg Config) (zerolog.Logger, string) {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	runID := uuid.NewString()
	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    cfg.NoColor,
	}).Level(cfg.Level).With().Timestamp().Str("app", cfg.App).Str("run", runID).Logger()
	log.Logger = logger
	return logger, runID
}
