package slogging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("info"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel("warn"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel("WARNING"))
	assert.Equal(t, LogLevelError, ParseLogLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("bogus"))
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LogLevelDebug.String())
	assert.Equal(t, "ERROR", LogLevelError.String())
}

func TestNewLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(Config{
		Level:            LogLevelDebug,
		LogDir:           dir,
		AlsoLogToConsole: false,
	})
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.Info("session %s joined room %s", "alice", "doc1")

	data, err := os.ReadFile(filepath.Join(dir, "collabserver.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "session alice joined room doc1")
}

func TestNewLoggerCreatesLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	logger, err := NewLogger(Config{Level: LogLevelInfo, LogDir: dir})
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
