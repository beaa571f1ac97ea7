package log

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestGetLogger_Default(t *testing.T) {
	l := GetLogger()
	require.NotNil(t, l)

	entry, ok := l.(*logrus.Entry)
	require.True(t, ok)
	require.Equal(t, logrus.StandardLogger(), entry.Logger)
}

func TestGetLogger_FromContext(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ctx := WithLogger(context.Background(), logger.WithField("component", "test"))

	GetLogger(WithContext(ctx)).Info("hello")

	require.Len(t, hook.Entries, 1)
	require.Equal(t, "hello", hook.LastEntry().Message)
	require.Equal(t, "test", hook.LastEntry().Data["component"])
}

func TestGetLogger_ContextWithoutLogger(t *testing.T) {
	l := GetLogger(WithContext(context.Background()))

	entry, ok := l.(*logrus.Entry)
	require.True(t, ok)
	require.Equal(t, logrus.StandardLogger(), entry.Logger)
}

func TestGetLogger_WithFields(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ctx := WithLogger(context.Background(), logrus.NewEntry(logger))

	GetLogger(WithContext(ctx), WithFields(Fields{"database": "ci"})).Warn("careful")

	require.Len(t, hook.Entries, 1)
	require.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	require.Equal(t, "ci", hook.LastEntry().Data["database"])
}
