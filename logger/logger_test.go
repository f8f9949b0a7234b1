package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "castctl.log")

	l, err := New(Config{Level: "warn", Outputs: []string{path}})
	require.NoError(t, err)

	l.Info("dropped")
	l.Warn("kept", "channel", 3)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, "channel=3")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestInitOnlyOnce(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	require.NoError(t, Init(Config{Level: "info", Outputs: []string{first}}))
	require.NoError(t, Init(Config{Level: "info", Outputs: []string{second}}))
	Info("hello")

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "hello"))
	_, err = os.Stat(second)
	assert.True(t, os.IsNotExist(err))
}
