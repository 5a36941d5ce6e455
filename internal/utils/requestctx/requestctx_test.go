package requestctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestID(t *testing.T) {
	assert.Equal(t, "", RequestID(context.Background()))

	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	Logger(context.Background(), base).Info("untagged")
	Logger(WithRequestID(context.Background(), "req-2"), base).Info("tagged")

	entries := logs.All()
	assert.Len(t, entries, 2)
	assert.NotContains(t, entries[0].ContextMap(), "request_id")
	assert.Equal(t, "req-2", entries[1].ContextMap()["request_id"])
}
