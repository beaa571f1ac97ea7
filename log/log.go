// Package log provides the structured logger used across database-guard. It is a thin layer on top of logrus
// that lets loggers travel inside a context.Context.
package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Fields represents a set of structured log fields.
type Fields = logrus.Fields

// Logger provides a leveled-logging interface.
type Logger interface {
	Print(args ...any)
	Printf(format string, args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)

	WithError(err error) *logrus.Entry
	WithField(key string, value any) *logrus.Entry
	WithFields(fields Fields) *logrus.Entry
}

var _ Logger = (*logrus.Entry)(nil)

type loggerKey struct{}

// WithLogger creates a new context with the provided logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

type options struct {
	ctx    context.Context
	fields Fields
}

// Option customizes the logger returned by GetLogger.
type Option func(*options)

// WithContext returns the logger stored in ctx, when there is one.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		o.ctx = ctx
	}
}

// WithFields attaches the given fields to the returned logger.
func WithFields(fields Fields) Option {
	return func(o *options) {
		o.fields = fields
	}
}

// GetLogger returns a logger. Without options it returns the standard logrus logger.
func GetLogger(opts ...Option) Logger {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var l Logger = logrus.NewEntry(logrus.StandardLogger())
	if o.ctx != nil {
		if ctxLogger, ok := o.ctx.Value(loggerKey{}).(Logger); ok {
			l = ctxLogger
		}
	}

	if len(o.fields) > 0 {
		l = l.WithFields(o.fields)
	}

	return l
}
