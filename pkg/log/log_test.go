package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetLogger restores the package logger after a test reconfigures it.
func resetLogger(t *testing.T) {
	t.Helper()
	saved := logger
	t.Cleanup(func() { logger = saved })
}

// captureJSON points the logger at a buffer with JSON output so
// entries can be decoded back.
func captureJSON(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	resetLogger(t)
	require.NoError(t, Init(Config{Level: level, Format: "json", Output: "stdout"}))
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	return &buf
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestInitLevelAndFormat(t *testing.T) {
	resetLogger(t)

	require.NoError(t, Init(Config{Level: "debug", Format: "json", Output: "stdout"}))
	assert.Equal(t, logrus.DebugLevel, logger.Level)
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	require.NoError(t, Init(Config{Level: "warn", Format: "text", Output: "stdout"}))
	assert.Equal(t, logrus.WarnLevel, logger.Level)
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	// Bad level must not fail startup; info is the fallback.
	require.NoError(t, Init(Config{Level: "chatty", Format: "text", Output: "stdout"}))
	assert.Equal(t, logrus.InfoLevel, logger.Level)
}

func TestInitFileOutput(t *testing.T) {
	resetLogger(t)

	path := filepath.Join(t.TempDir(), "logs", "pipeline.log")
	require.NoError(t, Init(Config{
		Level:      "info",
		Format:     "json",
		Output:     "file",
		Filename:   path,
		MaxSize:    10,
		MaxAge:     7,
		MaxBackups: 3,
	}))

	Info("listing pipeline started")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "listing pipeline started")
}

func TestSetLevel(t *testing.T) {
	resetLogger(t)
	require.NoError(t, Init(Config{Level: "info", Format: "text", Output: "stdout"}))

	SetLevel("debug")
	assert.Equal(t, logrus.DebugLevel, logger.Level)

	// Unknown level leaves the current level alone.
	SetLevel("verbose")
	assert.Equal(t, logrus.DebugLevel, logger.Level)
}

func TestLevelFiltering(t *testing.T) {
	resetLogger(t)
	require.NoError(t, Init(Config{Level: "error", Format: "text", Output: "stdout"}))
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	Debugf("fetched %d listings", 3)
	Info("queue drained")
	Warnf("retrying task %s", "t1")
	assert.Empty(t, strings.TrimSpace(buf.String()))

	Errorf("fetch failed for %s", "L-1")
	assert.Contains(t, buf.String(), "fetch failed for L-1")
}

func TestStructuredFields(t *testing.T) {
	buf := captureJSON(t, "debug")

	WithField("task_id", "t-9").Info("task submitted")
	entry := decodeEntry(t, buf)
	assert.Equal(t, "task submitted", entry["msg"])
	assert.Equal(t, "t-9", entry["task_id"])

	buf.Reset()
	WithFields(logrus.Fields{
		"external_id": "L-42",
		"source":      "testmarket",
	}).Info("listing upserted")
	entry = decodeEntry(t, buf)
	assert.Equal(t, "L-42", entry["external_id"])
	assert.Equal(t, "testmarket", entry["source"])

	buf.Reset()
	WithError(assert.AnError).Error("delivery failed")
	entry = decodeEntry(t, buf)
	assert.Equal(t, "delivery failed", entry["msg"])
	assert.Equal(t, assert.AnError.Error(), entry["error"])
}

func TestGetLoggerBeforeInit(t *testing.T) {
	resetLogger(t)
	logger = nil

	l := GetLogger()
	require.NotNil(t, l)
	assert.Same(t, l, GetLogger())
}
