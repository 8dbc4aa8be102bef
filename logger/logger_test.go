package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerKeepsTypedFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := &zapLogger{z: zap.New(core)}

	l.Info("order placed", zap.String("symbol", "KRW-SOL"), zap.Float64("price", 101.5))
	l.Warn("spread wide", zap.Int("spread_bps", 42))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "order placed", entries[0].Message)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "KRW-SOL", ctx["symbol"])
	assert.Equal(t, 101.5, ctx["price"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, int64(42), entries[1].ContextMap()["spread_bps"])
}
