// Package logging constructs the structured logger shared by every
// capframexd and cfxlayer-sim subsystem.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger. level is any zapcore.Level text ("debug", "info",
// "warn", "error"). format selects the encoder: "console" for a
// human-readable development encoder, anything else for JSON production
// output. Debug forces level to debug regardless of the level argument,
// matching the daemon's -d/--debug flag.
func New(level, format string, debug bool) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if debug {
		zapLevel = zapcore.DebugLevel
	} else if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
