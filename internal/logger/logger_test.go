package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/johnayoung/go-crypto-pipeline/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var records []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		records = append(records, rec)
	}
	return records
}

func TestLoggerManager_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig().Logging
	cfg.ContextFields = map[string]string{"service": "cryptopipe"}

	lm := NewLoggerManagerWithWriter(cfg, &buf)
	lm.GetComponentLogger("pipeline").Info("run started", "tokens", 3)

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, "INFO", records[0]["level"])
	assert.Equal(t, "pipeline", records[0]["component"])
	assert.Equal(t, "cryptopipe", records[0]["service"])
	assert.Equal(t, float64(3), records[0]["tokens"])
}

func TestLoggerManager_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig().Logging
	cfg.Level = "warn"

	lm := NewLoggerManagerWithWriter(cfg, &buf)
	log := lm.GetLogger()
	log.Info("dropped")
	log.Warn("kept")

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, "kept", records[0]["msg"])
	assert.Equal(t, "WARN", records[0]["level"])
}

func TestComponentLoggerIsCached(t *testing.T) {
	lm := NewLoggerManagerWithWriter(config.DefaultConfig().Logging, &bytes.Buffer{})
	assert.Same(t, lm.GetComponentLogger("storage"), lm.GetComponentLogger("storage"))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLoggerManagerWithWriter(config.DefaultConfig().Logging, &buf)

	ctx := WithCoinID(WithRunID(context.Background(), "run-42"), "aave")
	ctx = WithOperation(ctx, "fetch")
	FromContext(ctx, lm.GetLogger()).Info("fetching")

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, "run-42", records[0]["run_id"])
	assert.Equal(t, "aave", records[0]["coin_id"])
	assert.Equal(t, "fetch", records[0]["operation"])

	assert.Equal(t, "run-42", GetRunID(ctx))
	assert.Equal(t, "aave", GetCoinID(ctx))
	assert.Equal(t, "", GetRunID(context.Background()))
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerManagerWithWriter(config.DefaultConfig().Logging, &buf).GetLogger()

	require.NoError(t, TimedOperation(context.Background(), log, "vacuum", func() error { return nil }))

	boom := errors.New("boom")
	err := TimedOperation(context.Background(), log, "vacuum", func() error { return boom })
	assert.ErrorIs(t, err, boom)

	records := decodeLines(t, &buf)
	require.Len(t, records, 2)
	assert.Equal(t, "operation completed", records[0]["msg"])
	assert.Equal(t, "operation failed", records[1]["msg"])
	assert.Equal(t, "ERROR", records[1]["level"])
}

func TestNewLoggerManager_FileOutput(t *testing.T) {
	cfg := config.DefaultConfig().Logging
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(t.TempDir(), "nested", "app.log")

	lm, err := NewLoggerManager(cfg)
	require.NoError(t, err)
	lm.GetLogger().Info("written to file")
	assert.NoError(t, lm.Close())
	assert.FileExists(t, cfg.FilePath)

	cfg.FilePath = ""
	_, err = NewLoggerManager(cfg)
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}
