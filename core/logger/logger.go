// Package logger wraps a process-wide zap logger with context-aware helpers.
package logger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the application-wide logger.
var Logger *zap.Logger

// level backs Logger so the config layer can change verbosity at runtime.
var level = zap.NewAtomicLevelAt(zap.InfoLevel)

// componentNameKey is a context key for storing the component name.
type componentNameKeyType string

const componentNameKey componentNameKeyType = "componentName"

func init() {
	config := zap.NewDevelopmentConfig()
	config.Level = level
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder // Add color to level output
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	var err error
	Logger, err = config.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(Logger)
}

// SetLevel changes the minimum enabled level, e.g. "debug", "info", "warn".
func SetLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	level.SetLevel(l)
	return nil
}

// getComponentNameFromContext extracts the component name from the context.
func getComponentNameFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if name, ok := ctx.Value(componentNameKey).(string); ok {
		return name
	}
	return ""
}

// WithComponentName creates a new context with the component name set.
// Every helper below adds it as a "component" field.
func WithComponentName(ctx context.Context, componentName string) context.Context {
	return context.WithValue(ctx, componentNameKey, componentName)
}

func withComponent(ctx context.Context, fields []zap.Field) []zap.Field {
	if name := getComponentNameFromContext(ctx); name != "" {
		return append(fields, zap.String("component", name))
	}
	return fields
}

// Info logs at info level.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Info(msg, withComponent(ctx, fields)...)
}

// Warn logs at warn level.
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Warn(msg, withComponent(ctx, fields)...)
}

// Error logs at error level.
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Error(msg, withComponent(ctx, fields)...)
}

// Fatal logs at fatal level and exits.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Fatal(msg, withComponent(ctx, fields)...)
}

// Debug logs at debug level.
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Debug(msg, withComponent(ctx, fields)...)
}

// SetLogger allows external packages to set the internal zap.Logger instance.
// This is primarily for testing purposes or advanced logger re-configuration.
func SetLogger(l *zap.Logger) {
	Logger = l
}
