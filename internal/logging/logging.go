// Package logging configures the process-wide structured logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Configure builds a zap.Logger for the given level string
// (debug|info|warn|error) and a production or development encoder depending
// on env. Returns the logger and a sync func to defer at shutdown.
func Configure(level string, production bool) (*zap.Logger, func()) {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn", "warning":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if production {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than crash on a logging config error.
		logger = zap.NewNop()
	}
	return logger, func() { _ = logger.Sync() }
}
