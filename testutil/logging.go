package testutil

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gitlab.com/gitlab-org/database-guard/log"
)

type logWriterType struct {
	t testing.TB
}

func (l logWriterType) Write(p []byte) (n int, err error) {
	l.t.Log(string(p))
	return len(p), nil
}

type opts func(l *logrus.Entry)

// WithLogLevel sets the level of the test logger. Unknown levels fall back to debug.
func WithLogLevel(ll string) func(l *logrus.Entry) {
	return func(l *logrus.Entry) {
		lll, err := logrus.ParseLevel(ll)
		if err != nil {
			lll = logrus.DebugLevel
		}
		l.Logger.Level = lll
	}
}

// NewContextWithLogger returns a background context carrying a test logger.
func NewContextWithLogger(tb testing.TB, opts ...opts) context.Context {
	return log.WithLogger(context.Background(), NewTestLogger(tb, opts...))
}

// NewTestLogger returns a logger that writes through tb.Log.
func NewTestLogger(tb testing.TB, opts ...opts) *logrus.Entry {
	logger := logrus.New().WithFields(
		logrus.Fields{
			"test": true,
		},
	)
	logger.Logger.Level = logrus.DebugLevel
	logger.Logger.SetOutput(logWriterType{t: tb})

	for _, opt := range opts {
		opt(logger)
	}

	return logger
}

// NewObservedLogger returns a test logger together with a hook recording every entry, for assertions on
// emitted warnings.
func NewObservedLogger(tb testing.TB) (*logrus.Entry, *test.Hook) {
	logger := NewTestLogger(tb)
	hook := test.NewLocal(logger.Logger)
	return logger, hook
}
