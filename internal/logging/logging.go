package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Debug controls whether debug logs are printed.
var Debug bool

// New builds the process logger and installs it as the zap global so Debugf
// and zap.S() share its output.
func New(debug bool) (*zap.Logger, error) {
	Debug = debug

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Development = true
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Debugf logs a formatted debug message when Debug is enabled.
func Debugf(format string, v ...any) {
	if Debug {
		zap.S().Debugf(format, v...)
	}
}
