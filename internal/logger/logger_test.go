package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Level: "warn"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())

	log.Info().Msg("hidden")
	log.Warn().Str("service", "billing").Msg("visible")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "billing", entry["service"])
}

func TestDebugOverridesLevel(t *testing.T) {
	log, err := NewWithWriter(Config{Level: "error", Debug: true}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())
}

func TestInvalidLevelFails(t *testing.T) {
	_, err := NewWithWriter(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaylevel.log")
	log, closeLog, err := New(Config{Level: "info", Output: path})
	require.NoError(t, err)
	log.Info().Msg("to file")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"to file"`)
	assert.Error(t, closeLog(), "file is already closed")
}

func TestNewStandardStreamCloseIsNoop(t *testing.T) {
	_, closeLog, err := New(Config{Level: "info", Output: "stderr"})
	require.NoError(t, err)
	assert.NoError(t, closeLog())
	assert.NoError(t, closeLog())
}

func TestNewInvalidLevelReleasesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaylevel.log")
	_, closeLog, err := New(Config{Level: "loud", Output: path})
	require.Error(t, err)
	assert.NoError(t, closeLog())
}

func TestDefaultConfigReadsEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEBUG", "yes")
	t.Setenv("LOG_OUTPUT", "stderr")
	cfg := DefaultConfig()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "stderr", cfg.Output)
}

func TestWithComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	base, err := NewWithWriter(Config{Level: "info"}, &buf)
	require.NoError(t, err)
	engineLog := WithComponent(base, "engine")
	engineLog.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"component":"engine"`)
}

func TestNewTestLoggerIsDisabled(t *testing.T) {
	assert.Equal(t, zerolog.Disabled, NewTestLogger().GetLevel())
}
