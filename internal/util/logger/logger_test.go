package logger

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	t.Cleanup(func() { SetOutput(os.Stderr) })
	return buf
}

func TestLogger_WritesSubsystem(t *testing.T) {
	buf := captureOutput(t)

	Logger("test").Info("test message", "key", "value")

	out := buf.String()
	assert.Contains(t, out, "test message")
	assert.Contains(t, out, "key=value")
	assert.Contains(t, out, "subsystem=test")
}

func TestLogger_Cached(t *testing.T) {
	assert.Same(t, Logger("cached"), Logger("cached"))
}

func TestSetOutput_ExistingLogger(t *testing.T) {
	log := Logger("test2")
	buf := captureOutput(t)

	log.Info("after switch")
	assert.Contains(t, buf.String(), "after switch")
}

func TestSetLevel_AppliesToDerivedLoggers(t *testing.T) {
	buf := captureOutput(t)

	log := Logger("levels")
	derived := log.With("peer", "abc")

	SetLevel("levels", slog.LevelError)
	derived.Info("hidden")
	assert.Empty(t, buf.String())

	SetLevel("levels", slog.LevelDebug)
	derived.Debug("shown")
	assert.Contains(t, buf.String(), "peer=abc")
}

func TestParseConfig(t *testing.T) {
	env := map[string]string{
		EnvLevel:     "dht=debug, transport=warn ,error,bogus=nope",
		EnvFormat:    "JSON",
		EnvAddSource: "1",
	}
	cfg := parseConfig(func(k string) string { return env[k] })

	assert.Equal(t, slog.LevelError, cfg.DefaultLevel)
	assert.Equal(t, slog.LevelDebug, cfg.LevelForSubsystem("dht"))
	assert.Equal(t, slog.LevelWarn, cfg.LevelForSubsystem("transport"))
	assert.Equal(t, slog.LevelError, cfg.LevelForSubsystem("mdns"))
	assert.NotContains(t, cfg.SubsystemLevels, "bogus")
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.True(t, cfg.AddSource)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	buf := captureOutput(t)
	Discard().Error("nothing")
	assert.Empty(t, buf.String())
}
