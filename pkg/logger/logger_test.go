package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"superpost/pkg/trace"
)

func TestNewLoggerWithLevel(t *testing.T) {
	assert.True(t, NewLoggerWithLevel("debug").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, NewLoggerWithLevel("warn").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, NewLoggerWithLevel("loud").Core().Enabled(zapcore.InfoLevel))
	assert.False(t, NewLoggerWithLevel("").Core().Enabled(zapcore.DebugLevel))
}

func TestFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := trace.WithContext(context.Background(), "t-1")
	WithLetter(WithTrace(ctx, base), "L1", "dispatched").Info("stamped")
	WithTrace(context.Background(), base).Info("untraced")

	entries := logs.AllUntimed()
	assert.Len(t, entries, 2)
	assert.Equal(t, map[string]interface{}{"trace_id": "t-1", "letter_id": "L1", "status": "dispatched"}, entries[0].ContextMap())
	assert.Empty(t, entries[1].ContextMap())
}
