package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// Configuration directory
	ConfigDir = "/etc/offload"

	// Asset directory searched by the CLI for relative paths
	AssetDir = "/usr/share/offload"
)

// GetConfigPath returns the config file path, checking environment variables first
func GetConfigPath() string {
	if path := os.Getenv("OFFLOAD_CONFIG"); path != "" {
		return path
	}
	return filepath.Join(ConfigDir, "config.json")
}

// GetAssetDir returns the default asset directory, checking environment variables first
func GetAssetDir() string {
	if dir := os.Getenv("OFFLOAD_ASSET_DIR"); dir != "" {
		return dir
	}
	return AssetDir
}

// Canonicalize returns the absolute, symlink free form of path. The path
// must exist.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path of %q: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	return resolved, nil
}

// FileExists reports whether path, after following symlinks, is a regular file
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// DirExists reports whether path, after following symlinks, is a directory
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
