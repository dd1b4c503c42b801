//go:build unix

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledbf/offload/internal/config"
)

// useConfigFile points the cached configuration at a file holding body.
func useConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("OFFLOAD_CONFIG", path)
	config.Reset()
	t.Cleanup(config.Reset)
	t.Cleanup(func() { _ = log.SetLevel("info") })
	return path
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"offload"}, args...))
	return out.String(), err
}

func TestDebugFlagLeavesConfigUntouched(t *testing.T) {
	useConfigFile(t, `{"log_level": "warn"}`)

	out, err := runApp(t, "--debug", "config")
	require.NoError(t, err)
	assert.Contains(t, out, `"log_level": "warn"`)
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	cfg, err := config.Get()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestConfigInitReplacesInvalidFile(t *testing.T) {
	path := useConfigFile(t, `{"cancel_signal": "SIGNOPE"}`)

	_, err := runApp(t, "config")
	require.Error(t, err)

	out, err := runApp(t, "config", "--init")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), loaded)

	out, err = runApp(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, `"cancel_signal": "SIGTERM"`)
}
