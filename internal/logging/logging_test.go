package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

// TestNew_FanOut verifies records reach both the console and the JSON file.
func TestNew_FanOut(t *testing.T) {
	var console, file bytes.Buffer

	logger, err := New(Config{Level: "info", Format: "text"}, &console, &file)
	require.NoError(t, err)

	logger.Info("run dispatched", "domain", "payment_sync", "items", 10)
	logger.Debug("filtered out")

	assert.Contains(t, console.String(), "msg=\"run dispatched\"")
	assert.Contains(t, console.String(), "domain=payment_sync")
	assert.NotContains(t, console.String(), "filtered out")

	var record map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &record))
	assert.Equal(t, "run dispatched", record["msg"])
	assert.Equal(t, "payment_sync", record["domain"])
}

// TestNew_JSONConsole verifies the json console format.
func TestNew_JSONConsole(t *testing.T) {
	var console bytes.Buffer

	logger, err := New(Config{Level: "debug", Format: "json"}, &console, nil)
	require.NoError(t, err)

	logger.Debug("state transition", "state", "dispatched")
	assert.True(t, strings.HasPrefix(console.String(), "{"))
}

// TestNew_InvalidFormat verifies unknown formats are rejected.
func TestNew_InvalidFormat(t *testing.T) {
	_, err := New(Config{Level: "info", Format: "xml"}, &bytes.Buffer{}, nil)
	assert.Error(t, err)
}

// TestSetup_RotatingFile verifies the lumberjack file is created and closed.
func TestSetup_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgersync.log")
	cfg := DefaultConfig()
	cfg.File = path

	logger, cleanup, err := Setup(cfg)
	require.NoError(t, err)

	logger.Warn("accounting system not ready")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "accounting system not ready")
}
