package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureConsole(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := GetLevel()
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(nil)
		SetLevel(prev)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"DEBUG":   DEBUG,
		" warn ":  WARN,
		"warning": WARN,
		"error":   ERROR,
		"info":    INFO,
		"":        INFO,
		"verbose": INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureConsole(t)
	SetLevel(WARN)

	InfoC("bus", "hidden")
	WarnC("bus", "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] bus: shown")
}

func TestFieldsAreSorted(t *testing.T) {
	buf := captureConsole(t)
	SetLevel(DEBUG)

	DebugCF("tail", "line skipped", map[string]any{"offset": 12, "error": "bad"})

	assert.Contains(t, buf.String(), "{error=bad, offset=12}")
}

func TestFileLogging(t *testing.T) {
	captureConsole(t)
	SetLevel(INFO)

	path := filepath.Join(t.TempDir(), "logs", "bridge.log")
	require.NoError(t, EnableFileLogging(path))
	t.Cleanup(DisableFileLogging)

	ErrorCF("bridge", "turn failed", map[string]any{"session": "s1"})
	DisableFileLogging()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	assert.Equal(t, "ERROR", entry.Level)
	assert.Equal(t, "bridge", entry.Component)
	assert.Equal(t, "turn failed", entry.Message)
	assert.Equal(t, "s1", entry.Fields["session"])
}
