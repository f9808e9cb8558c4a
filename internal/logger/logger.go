package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel parses a log level string.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", s)
	}
}

// New builds the process logger. encoding is "console" or "json".
func New(level, encoding string) (*zap.SugaredLogger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	switch encoding {
	case "json":
		cfg = zap.NewProductionConfig()
	case "", "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.Development = false
	default:
		return nil, fmt.Errorf("invalid log encoding: %s", encoding)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l.Sugar(), nil
}

// NewNop is a logger that drops everything, for tests and optional components.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
