// Package log is the application logger, a thin facade over a zap logger
// which adds the trace id of the active span to context aware calls.
package log

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Init configures the global logger. LOG_LEVEL selects the level, LOG_FORMAT
// switches between json (default) and console output.
func Init() {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		if parsed, err := zapcore.ParseLevel(l); err == nil {
			level.SetLevel(parsed)
		}
	}
	conf := zap.NewProductionConfig()
	if os.Getenv("LOG_FORMAT") == "console" {
		conf = zap.NewDevelopmentConfig()
	}
	conf.Level = level
	l, err := conf.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %s", err))
	}
	SetLogger(l)
}

// SetLogger replaces the global logger, tests use it with zaptest or an
// observer core.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// Logger returns the global logger for components taking a *zap.Logger.
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger.WithOptions(zap.AddCallerSkip(-1))
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func withTrace(ctx context.Context) *zap.Logger {
	l := current()
	if ctx == nil {
		return l
	}
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.HasTraceID() {
		return l
	}
	return l.With(zap.String("traceId", spanCtx.TraceID().String()), zap.String("spanId", spanCtx.SpanID().String()))
}

func Info(format string, args ...any) {
	current().Info(fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	current().Error(fmt.Sprintf(format, args...))
}

func Debug(format string, args ...any) {
	current().Debug(fmt.Sprintf(format, args...))
}

func Infof(ctx context.Context, format string, args ...any) {
	withTrace(ctx).Info(fmt.Sprintf(format, args...))
}

func Debugf(ctx context.Context, format string, args ...any) {
	withTrace(ctx).Debug(fmt.Sprintf(format, args...))
}

func Errorf(ctx context.Context, format string, args ...any) {
	withTrace(ctx).Error(fmt.Sprintf(format, args...))
}
