package monitoring

import (
	"log"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logf is the package-level diagnostic logger used by the conflation stages.
// It defaults to log.Printf but may be replaced by SetLogger. Tests or
// production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// NewLogger builds the structured logger used by the pipeline service and
// the CLI. level is one of debug, info, warn or error; anything else means
// info. development switches to the human-readable console encoder.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	return cfg.Build()
}

// RouteToZap points Logf at logger so stage diagnostics land in the same
// stream as service logs.
func RouteToZap(logger *zap.Logger) {
	sugar := logger.WithOptions(zap.AddCallerSkip(1)).Sugar()
	SetLogger(func(format string, v ...interface{}) {
		sugar.Infof(strings.TrimSuffix(format, "\n"), v...)
	})
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
