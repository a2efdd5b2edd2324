package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewConfigTagsServiceAndSamples(t *testing.T) {
	testCases := []struct {
		name     string
		level    string
		expected zapcore.Level
		sampled  bool
	}{
		{name: "default", level: "", expected: zapcore.InfoLevel, sampled: true},
		{name: "warning alias", level: " WARNING ", expected: zapcore.WarnLevel, sampled: true},
		{name: "unknown", level: "verbose", expected: zapcore.InfoLevel, sampled: true},
		{name: "debug keeps everything", level: "debug", expected: zapcore.DebugLevel, sampled: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			cfg := newConfig(testCase.level)
			if cfg.Level.Level() != testCase.expected {
				t.Fatalf("expected level %s, got %s", testCase.expected, cfg.Level.Level())
			}
			if cfg.InitialFields["service"] != ServiceName {
				t.Fatalf("expected service field, got %+v", cfg.InitialFields)
			}
			if (cfg.Sampling != nil) != testCase.sampled {
				t.Fatalf("unexpected sampling %+v", cfg.Sampling)
			}
			if testCase.sampled && (cfg.Sampling.Initial != sampleInitial || cfg.Sampling.Thereafter != sampleThereafter) {
				t.Fatalf("unexpected sampling %+v", cfg.Sampling)
			}
		})
	}
}

func TestNewLoggerBuilds(t *testing.T) {
	logger, err := NewLogger("error")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("expected warn entries to be filtered at error level")
	}
}
