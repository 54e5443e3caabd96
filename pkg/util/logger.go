package util

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a named component logger. Components receive their logger
// at construction; there is no process-wide logger instance.
func NewLogger(component string, debug bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	base, err := cfg.Build()
	if err != nil {
		base = zap.NewNop()
	}
	return base.Named(component).Sugar()
}

// NopLogger returns a silent logger for tests.
func NopLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }
