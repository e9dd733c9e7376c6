package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerValidatesConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
}

func TestNewLoggerDefaults(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info(context.Background(), "hello")
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "debug", want: zapcore.DebugLevel},
		{in: "info", want: zapcore.InfoLevel},
		{in: "warn", want: zapcore.WarnLevel},
		{in: "error", want: zapcore.ErrorLevel},
		{in: "invalid", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithAgentID(ctx, "agent-7")
	ctx = WithTaskID(ctx, "TASK-001")

	fields := ContextFields(ctx)
	assert.Contains(t, fields, zap.String("agent.id", "agent-7"))
	assert.Contains(t, fields, zap.String("task.id", "TASK-001"))
}

func TestContextFieldsEmittedByLogger(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithTaskID(context.Background(), "TASK-002")
	tl.Info(ctx, "executing step", zap.Int("step", 3))

	entries := tl.FilterMessage("executing step").All()
	require.Len(t, entries, 1)

	keys := make(map[string]bool)
	for _, f := range entries[0].Context {
		keys[f.Key] = true
	}
	assert.True(t, keys["task.id"])
	assert.True(t, keys["step"])
}

func TestNamedAndWith(t *testing.T) {
	tl := NewTestLogger()

	child := tl.Named("lockd").With(zap.String("resource", "a.txt"))
	child.Warn(context.Background(), "reclaiming stale lock")

	entries := tl.FilterMessage("reclaiming stale lock").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "lockd", entries[0].LoggerName)
}
