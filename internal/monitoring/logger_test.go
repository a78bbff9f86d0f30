package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	called = false
	SetLogger(nil)
	Logf("test message")
	assert.False(t, called, "no-op logger should not have triggered callback")
}

func TestLogfDefault(t *testing.T) {
	require.NotNil(t, Logf)
	assert.NotPanics(t, func() { Logf("default logger %d", 1) })
}

func TestRouteToZap(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	core, logs := observer.New(zapcore.InfoLevel)
	RouteToZap(zap.New(core))

	Logf("[Divvy] path %d discarded\n", 42)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "[Divvy] path 42 discarded", logs.All()[0].Message)
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(tt.level, false)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}

	logger, err := NewLogger("info", true)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
