//go:build unix

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	units "github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/aledbf/offload/internal/loader"
	"github.com/aledbf/offload/internal/transfer"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())

	opts := cfg.LoaderOptions()
	assert.Equal(t, unix.SIGTERM, opts.CancelSignal)
	assert.Equal(t, loader.DefaultCancelGrace, opts.CancelGrace)
	assert.Equal(t, int64(512*units.MiB), opts.MaxSegmentBytes)
	assert.Equal(t, transfer.DefaultSniffBytes, opts.SniffBytes)
	assert.Empty(t, opts.Executable)
}

func TestLoadOverridesDefaults(t *testing.T) {
	assets := realTempDir(t)
	path := writeConfig(t, `{
		"cancel_signal": "INT",
		"cancel_grace": "2s",
		"max_segment_size": "64MiB",
		"sniff_bytes": 4096,
		"asset_dir": "`+assets+`",
		"log_level": "debug",
		"log_format": "json"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	opts := cfg.LoaderOptions()
	assert.Equal(t, unix.SIGINT, opts.CancelSignal)
	assert.Equal(t, 2*time.Second, opts.CancelGrace)
	assert.Equal(t, int64(64*units.MiB), opts.MaxSegmentBytes)
	assert.Equal(t, 4096, opts.SniffBytes)

	got, err := cfg.ResolveAsset("shader.glsl")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(assets, "shader.glsl"), got)

	got, err = cfg.ResolveAsset("/abs/photo.png")
	require.NoError(t, err)
	assert.Equal(t, "/abs/photo.png", got)
}

func TestResolveAssetStaysInAssetDir(t *testing.T) {
	assets := realTempDir(t)
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(assets, "escape")))
	cfg := Default()
	cfg.AssetDir = assets

	got, err := cfg.ResolveAsset("../../outside.glsl")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(assets, "outside.glsl"), got)

	got, err = cfg.ResolveAsset("escape")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(assets, "etc", "passwd"), got)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.CancelGrace = "1s"

	require.NoError(t, cfg.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadZeroGraceMeansImmediateKill(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"cancel_grace": "0s"}`))
	require.NoError(t, err)
	assert.Negative(t, cfg.LoaderOptions().CancelGrace)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, `{"cancel_signl": "TERM"}`))
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	_, err := Load(writeConfig(t, `{"cancel_signal": `))
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		CancelSignal:   "SIGNOPE",
		CancelGrace:    "soon",
		MaxSegmentSize: "8",
		SniffBytes:     0,
		DecoderPath:    "/nonexistent/decoder",
		AssetDir:       "/nonexistent/assets",
		LogLevel:       "loud",
		LogFormat:      "xml",
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
	for _, field := range []string{
		"cancel_signal", "cancel_grace", "max_segment_size", "sniff_bytes",
		"decoder_path", "asset_dir", "log_level", "log_format",
	} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestValidateRejectsNegativeGrace(t *testing.T) {
	cfg := Default()
	cfg.CancelGrace = "-1s"
	assert.Error(t, cfg.Validate())
}

func TestSignalForms(t *testing.T) {
	for _, form := range []string{"TERM", "SIGTERM", "15"} {
		cfg := Default()
		cfg.CancelSignal = form
		sig, err := cfg.Signal()
		require.NoError(t, err, form)
		assert.Equal(t, unix.SIGTERM, sig, form)
	}
}

func TestGetReadsEnvironmentPath(t *testing.T) {
	path := writeConfig(t, `{"sniff_bytes": 2048}`)
	t.Setenv("OFFLOAD_CONFIG", path)
	Reset()
	t.Cleanup(Reset)

	cfg, err := Get()
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.SniffBytes)

	again, err := Get()
	require.NoError(t, err)
	assert.Same(t, cfg, again)

	require.NoError(t, os.WriteFile(path, []byte(`{"sniff_bytes": 512}`), 0644))
	Reset()
	reloaded, err := Get()
	require.NoError(t, err)
	assert.Equal(t, 512, reloaded.SniffBytes)
}

func TestApplyLogging(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	require.NoError(t, cfg.ApplyLogging())

	cfg.LogLevel = "info"
	require.NoError(t, cfg.ApplyLogging())
}
