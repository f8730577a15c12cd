package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger() (*zap.Logger, error) {
	var level zapcore.Level
	switch c.LogLevel {
	case "DEBUG":
		level = zapcore.DebugLevel
	case "INFO":
		level = zapcore.InfoLevel
	case "WARNING":
		level = zapcore.WarnLevel
	case "ERROR":
		level = zapcore.ErrorLevel
	case "CRITICAL":
		level = zapcore.DPanicLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = "json"
	if c.LogFormat == "console" {
		zc.Encoding = "console"
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("logger initialization failed: %w", err)
	}
	return logger, nil
}

// Debug reports whether the configured log level enables debug-only routes.
func (c *Config) Debug() bool { return c.LogLevel == "DEBUG" }
