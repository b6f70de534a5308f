package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/storeroute/storeroute/pkg/errors"
)

func TestInit(t *testing.T) {
	require.NoError(t, Init(Config{Level: "debug", Format: "console", OutputPath: "stderr"}))
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))

	SetLevel("warn")
	assert.False(t, L().Core().Enabled(zapcore.InfoLevel))

	SetLevel("not-a-level")
	assert.True(t, L().Core().Enabled(zapcore.WarnLevel))
}

func TestOrNamed(t *testing.T) {
	own := zap.NewNop()
	assert.Same(t, own, OrNamed(own, "worker"))
	assert.NotNil(t, OrNamed(nil, "worker"))
}

func TestContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core).With(TaskKey("snapshot:acme:1:photos"))

	ctx := NewContext(context.Background(), logger)
	WithContext(ctx).Info("executing")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "snapshot:acme:1:photos", entries[0].ContextMap()["task_key"])
}

func TestErrorFields(t *testing.T) {
	assert.Nil(t, ErrorFields(nil))

	core, logs := observer.New(zapcore.InfoLevel)
	err := errors.NewError(errors.ErrCodeQueueTransient, "broker unavailable")
	zap.New(core).Warn("enqueue failed", ErrorFields(err)...)

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "QUEUE_TRANSIENT", fields["error_code"])
	assert.Equal(t, "queue", fields["error_kind"])
	assert.Equal(t, true, fields["retryable"])
}
