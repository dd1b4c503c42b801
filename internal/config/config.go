//go:build unix

// Package config loads the offload configuration file.
//
// The file is JSON, read from paths.GetConfigPath(). A missing file is not an
// error: every field has a default. Durations and sizes are human readable
// strings ("250ms", "512MiB"); the cancel signal takes any form accepted by
// kill(1) ("TERM", "SIGTERM", "15").
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	units "github.com/docker/go-units"
	"github.com/moby/sys/atomicwriter"
	"github.com/moby/sys/signal"
	"github.com/moby/sys/symlink"

	"github.com/aledbf/offload/internal/loader"
	"github.com/aledbf/offload/internal/paths"
	"github.com/aledbf/offload/internal/transfer"
)

// Config is the on-disk configuration.
type Config struct {
	// CancelSignal is sent to a decoder whose load is abandoned.
	CancelSignal string `json:"cancel_signal"`
	// CancelGrace is how long to wait for CancelSignal before SIGKILL.
	CancelGrace string `json:"cancel_grace"`
	// MaxSegmentSize caps the record a decoder may hand back.
	MaxSegmentSize string `json:"max_segment_size"`
	// SniffBytes is how much of a file is inspected to tell text from images.
	SniffBytes int `json:"sniff_bytes"`

	// DecoderPath replaces the running binary as the decoding child.
	DecoderPath string `json:"decoder_path,omitempty"`
	// AssetDir resolves relative asset paths given on the command line.
	AssetDir string `json:"asset_dir,omitempty"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		CancelSignal:   "SIGTERM",
		CancelGrace:    loader.DefaultCancelGrace.String(),
		MaxSegmentSize: "512MiB",
		SniffBytes:     transfer.DefaultSniffBytes,
		LogLevel:       "info",
		LogFormat:      string(log.TextFormat),
	}
}

var (
	loadMu    sync.Mutex
	loadDone  bool
	loaded    *Config
	loadedErr error
)

// Get loads the configuration from paths.GetConfigPath() once and returns
// the cached result afterwards.
func Get() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()
	if !loadDone {
		loaded, loadedErr = Load(paths.GetConfigPath())
		loadDone = true
	}
	return loaded, loadedErr
}

// Reset drops the cached configuration so the next Get reads the file again.
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	loadDone = false
	loaded, loadedErr = nil, nil
}

// Load reads and validates the file at path. A missing file yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.L.WithField("path", path).Debug("config file not found, using defaults")
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w: %w", path, errdefs.ErrInvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "warning": true,
	"error": true, "fatal": true, "panic": true,
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Signal(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Grace(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SegmentLimit(); err != nil {
		errs = append(errs, err)
	}
	if c.SniffBytes <= 0 {
		errs = append(errs, fmt.Errorf("sniff_bytes must be positive, got %d", c.SniffBytes))
	}
	if c.DecoderPath != "" {
		if err := validateExecutable(c.DecoderPath, "decoder_path"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.AssetDir != "" {
		if err := validateDirectoryExists(c.AssetDir, "asset_dir"); err != nil {
			errs = append(errs, err)
		}
	}
	if !logLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	if c.LogFormat != string(log.TextFormat) && c.LogFormat != string(log.JSONFormat) {
		errs = append(errs, fmt.Errorf("log_format: must be %q or %q, got %q",
			log.TextFormat, log.JSONFormat, c.LogFormat))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err)
	}
	return nil
}

// Signal returns the parsed cancel signal.
func (c *Config) Signal() (syscall.Signal, error) {
	sig, err := signal.ParseSignal(c.CancelSignal)
	if err != nil {
		return 0, fmt.Errorf("cancel_signal: %w", err)
	}
	return sig, nil
}

// Grace returns the parsed cancel grace period.
func (c *Config) Grace() (time.Duration, error) {
	d, err := time.ParseDuration(c.CancelGrace)
	if err != nil {
		return 0, fmt.Errorf("cancel_grace: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("cancel_grace: must not be negative, got %s", d)
	}
	return d, nil
}

// SegmentLimit returns the parsed maximum segment size in bytes.
func (c *Config) SegmentLimit() (int64, error) {
	n, err := units.RAMInBytes(c.MaxSegmentSize)
	if err != nil {
		return 0, fmt.Errorf("max_segment_size: %w", err)
	}
	if n < transfer.HeaderSize {
		return 0, fmt.Errorf("max_segment_size: %s cannot hold a record header", c.MaxSegmentSize)
	}
	return n, nil
}

// LoaderOptions converts the configuration into loader options. The caller
// fills in the Poller. c must be valid.
func (c *Config) LoaderOptions() loader.Options {
	sig, _ := c.Signal()
	grace, _ := c.Grace()
	limit, _ := c.SegmentLimit()
	if grace == 0 {
		// Zero asks the loader for its default; a configured zero means no wait.
		grace = -1
	}
	return loader.Options{
		Executable:      c.DecoderPath,
		CancelSignal:    sig,
		CancelGrace:     grace,
		MaxSegmentBytes: limit,
		SniffBytes:      c.SniffBytes,
	}
}

// ApplyLogging configures the global logger.
func (c *Config) ApplyLogging() error {
	if err := log.SetLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if err := log.SetFormat(log.OutputFormat(c.LogFormat)); err != nil {
		return fmt.Errorf("log_format: %w", err)
	}
	return nil
}

// ResolveAsset resolves relative asset paths inside AssetDir when one is
// set. Symlinks and ".." are followed as if AssetDir were the root, so the
// result never leaves it. Other paths are returned unchanged.
func (c *Config) ResolveAsset(path string) (string, error) {
	if c.AssetDir == "" || filepath.IsAbs(path) {
		return path, nil
	}
	root, err := canonicalizePath(c.AssetDir)
	if err != nil {
		return "", fmt.Errorf("asset_dir: %w", err)
	}
	resolved, err := symlink.FollowSymlinkInScope(filepath.Join(root, filepath.Clean("/"+path)), root)
	if err != nil {
		return "", fmt.Errorf("resolve %s in %s: %w", path, root, err)
	}
	return resolved, nil
}

// Save atomically writes c to path as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := atomicwriter.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// canonicalizePath resolves symlinks in the longest existing prefix of path
// and appends the rest, so paths that do not exist yet still canonicalize.
func canonicalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, rest...)...), nil
}

func validateDirectoryExists(path, field string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !paths.DirExists(canonical) {
		return fmt.Errorf("%s: directory %s does not exist", field, canonical)
	}
	return nil
}

func validateExecutable(path, field string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s: %s is not an executable file", field, canonical)
	}
	return nil
}
