package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	logger, err := New("")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New("debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = New("loud")
	assert.Error(t, err)
}

func TestNewWithRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "healthd.log")
	logger, err := NewWithRotation("warn", Rotation{Filename: path, MaxSize: 1})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", zap.String("service", "orders"))
	require.NoError(t, logger.Sync())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(b, &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "orders", entry["service"])
	assert.Contains(t, entry, "timestamp")
}

func TestSetLogger(t *testing.T) {
	prev := Logger()
	defer SetLogger(prev)

	logger := zap.NewNop()
	SetLogger(logger)
	assert.Same(t, logger, Logger())
}

func TestCaller(t *testing.T) {
	prev := Logger()
	defer SetLogger(prev)

	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core, zap.AddCaller()))

	Info("from the test")
	Warn("again")

	entries := logs.All()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, e.Caller.Defined)
		assert.Equal(t, "log_test.go", filepath.Base(e.Caller.File), e.Message)
	}
}
