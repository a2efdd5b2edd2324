package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName tags every entry written by the API process.
const ServiceName = "shopcart-api"

const (
	sampleInitial    = 100
	sampleThereafter = 50
)

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	return newConfig(level).Build()
}

// newConfig samples repeated messages past the first hundred per second,
// except at debug level where every entry is kept.
func newConfig(level string) zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.InitialFields = map[string]any{"service": ServiceName}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = &zap.SamplingConfig{Initial: sampleInitial, Thereafter: sampleThereafter}

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.Sampling = nil
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn", "warning":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg
}
