// Package logger configures the process-wide structured logger.
//
// Environment variables:
//   - LOG_LEVEL: DEBUG, INFO, WARN, ERROR (default INFO)
//   - LOG_FORMAT: "console" or "json" (default console)
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	defaultLogger *zap.Logger
	once          sync.Once
)

// Init builds the default logger from environment variables. Safe to
// call more than once; only the first call takes effect.
func Init() {
	once.Do(func() {
		defaultLogger = build(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	})
}

func build(levelStr, format string) *zap.Logger {
	level := zapcore.InfoLevel
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = zapcore.DebugLevel
	case "WARN", "WARNING":
		level = zapcore.WarnLevel
	case "ERROR":
		level = zapcore.ErrorLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	if strings.ToLower(format) != "json" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	l, err := cfg.Build(zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		l = zap.NewNop()
	}
	return l
}

// Default returns the default logger, initializing it if needed.
func Default() *zap.Logger {
	if defaultLogger == nil {
		Init()
	}
	return defaultLogger
}

// Named returns a child of the default logger for one component,
// e.g. logger.Named("WebSocketController").
func Named(component string) *zap.Logger {
	return Default().Named(component)
}
