package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"":        INFO,
		"warning": WARN,
		"Warn":    WARN,
		" error ": ERROR,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLogLevel("verbose")
	require.Error(t, err)
}

func TestLoggerFiltersByLevelAndReportsCaller(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(LoggerConfig{Level: WARN, Console: true, ConsoleWriter: &buf})
	require.NoError(t, err)

	l.Info("dropped %d", 1)
	l.Warn("kept %s", "warn")
	l.Error("kept error")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "[WARN] logger_test.go:")
	assert.Contains(t, out, "kept warn")
	assert.Contains(t, out, "[ERROR]")
	assert.NotContains(t, out, "\033[", "custom writers get no colors")
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(LoggerConfig{Level: INFO, ConsoleWriter: &buf, Console: true})
	require.NoError(t, err)

	l.Debug("hidden")
	l.SetLevel(DEBUG)
	l.Debug("shown")
	assert.Equal(t, DEBUG, l.Level())
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerWritesFileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")
	l, err := New(LoggerConfig{Level: DEBUG, FilePath: path, MaxSize: 10, MaxBackups: 2})
	require.NoError(t, err)
	assert.Nil(t, l.console)

	l.Debug("record published")
	require.NoError(t, l.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "[DEBUG]")
	assert.Contains(t, string(b), "record published")
}

func TestLoggerRotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.log")
	l, err := New(LoggerConfig{Level: INFO, FilePath: path, MaxBackups: 2})
	require.NoError(t, err)
	// rotate after every line
	l.maxSize = 1

	for i := 0; i < 6; i++ {
		l.Info("line %d", i)
	}
	require.NoError(t, l.Close())

	backups, err := filepath.Glob(filepath.Join(dir, "bridge.*.log"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), 2)
	assert.NotEmpty(t, backups)
	for _, b := range backups {
		assert.True(t, strings.HasPrefix(filepath.Base(b), "bridge."))
	}
}

func TestPackageLevelFunctionsUseDefault(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(LoggerConfig{Level: DEBUG, Console: true, ConsoleWriter: &buf})
	require.NoError(t, err)

	prev := current()
	SetDefault(l)
	t.Cleanup(func() { SetDefault(prev) })

	Debug("d")
	Info("i")
	Warn("w")
	Error("e")
	require.NoError(t, SetLevel("error"))
	Info("after")

	out := buf.String()
	for _, lvl := range []string{"[DEBUG]", "[INFO]", "[WARN]", "[ERROR]"} {
		assert.Contains(t, out, lvl)
	}
	assert.Contains(t, out, "logger_test.go:")
	assert.NotContains(t, out, "after")
}
