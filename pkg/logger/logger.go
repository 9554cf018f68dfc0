// Package logger builds the process logger and routes klog output through it.
package logger

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/klog/v2"
)

// Logger wraps zap for the binaries. Library packages log through klog,
// which RouteKlog points at the same core.
type Logger struct {
	*zap.SugaredLogger
	base *zap.Logger
}

var globalLogger *Logger

// NewLogger creates a logger at the given level. Development mode writes
// colored console output, production mode writes JSON.
func NewLogger(level string, development bool) (*Logger, error) {
	var config zap.Config

	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.Encoding = "json"
	}

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	base, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, err
	}
	return FromZap(base), nil
}

// FromZap wraps an existing zap logger
func FromZap(base *zap.Logger) *Logger {
	return &Logger{
		SugaredLogger: base.Sugar(),
		base:          base,
	}
}

// Logr returns the logger as a logr.Logger
func (l *Logger) Logr() logr.Logger {
	return zapr.NewLogger(l.base)
}

// RouteKlog sends all klog output, including klog.V levels, to this logger.
func (l *Logger) RouteKlog() {
	klog.SetLogger(l.Logr())
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...interface{}) *Logger {
	sugared := l.SugaredLogger.With(fields...)
	return &Logger{SugaredLogger: sugared, base: sugared.Desugar()}
}

// WithError returns a logger with an error field
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields("error", err.Error())
}

// InitGlobalLogger builds the process logger and routes klog through it
func InitGlobalLogger(level string, development bool) error {
	logger, err := NewLogger(level, development)
	if err != nil {
		return err
	}
	globalLogger = logger
	logger.RouteKlog()
	return nil
}

// GetLogger returns the global logger, a production logger if none was initialized
func GetLogger() *Logger {
	if globalLogger == nil {
		logger, err := NewLogger("info", false)
		if err != nil {
			globalLogger = FromZap(zap.NewNop())
		} else {
			globalLogger = logger
		}
	}
	return globalLogger
}

// Sync flushes the global logger
func Sync() error {
	return GetLogger().Sync()
}
