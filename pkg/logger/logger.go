// Package logger provides structured logging for platform services.
// It wraps logrus with service-scoped fields so every line carries the
// component that produced it.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a service-scoped structured logger.
type Logger struct {
	entry *logrus.Entry
}

// Config configures a Logger.
type Config struct {
	Service string
	Level   string
	Output  io.Writer
	JSON    bool
}

// New creates a Logger from config.
func New(cfg Config) *Logger {
	l := logrus.New()

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	if cfg.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	return &Logger{entry: l.WithField("service", cfg.Service)}
}

// NewDefault creates a Logger with default settings for the given service.
func NewDefault(service string) *Logger {
	return New(Config{Service: service, Level: "info"})
}

// WithField returns a Logger with an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a Logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

// WithError returns a Logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// Entry exposes the underlying logrus entry for callers that need it.
func (l *Logger) Entry() *logrus.Entry { return l.entry }

// Debug logs at debug level.
func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }

// Debugf logs a formatted message at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

// Info logs at info level.
func (l *Logger) Info(args ...interface{}) { l.entry.Info(args...) }

// Infof logs a formatted message at info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

// Warn logs at warning level.
func (l *Logger) Warn(args ...interface{}) { l.entry.Warn(args...) }

// Warnf logs a formatted message at warning level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

// Error logs at error level.
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }

// Errorf logs a formatted message at error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
