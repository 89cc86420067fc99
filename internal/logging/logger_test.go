package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, slog.LevelDebug)

	l.LogLowSignal(context.Background(), 3, 64, 0.5)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "low signal pixels excluded", rec["msg"])
	assert.EqualValues(t, 3, rec["pixels"])
	assert.EqualValues(t, 64, rec["total"])
}

func TestLogStageLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewText(&buf, slog.LevelInfo)

	l.LogStage(context.Background(), "vectorize", time.Millisecond, nil)
	assert.Empty(t, buf.String(), "success is logged at debug")

	l.LogStage(context.Background(), "vectorize", time.Millisecond, errors.New("boom"))
	assert.Contains(t, buf.String(), "stage failed")
	assert.Contains(t, buf.String(), "boom")
}

func TestWithStage(t *testing.T) {
	var buf bytes.Buffer
	l := NewText(&buf, slog.LevelInfo).WithStage("aggregate")
	l.Info("hello")
	assert.Contains(t, buf.String(), "stage=aggregate")
}

func TestNoop(t *testing.T) {
	assert.False(t, Noop().Enabled(context.Background(), slog.LevelError))
}
