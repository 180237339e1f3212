package cmd

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logLevel string

func setupLogger() (*zap.Logger, error) {
	level := parseLevel(logLevel)

	if GetDebug() || (GetVerbose() && level == zapcore.InfoLevel) {
		level = zapcore.DebugLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.Development = GetDebug()

	return config.Build()
}

// parseLevel maps a level name to a zap level, defaulting to info.
func parseLevel(name string) zapcore.Level {
	switch strings.ToLower(name) {
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
