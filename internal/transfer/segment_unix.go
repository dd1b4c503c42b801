//go:build unix && !linux

package transfer

import (
	"os"
)

// createSegmentFile falls back to an unlinked temporary file where memfd is
// not available. Only the open descriptor keeps it alive.
func createSegmentFile() (*os.File, error) {
	f, err := os.CreateTemp("", "offload-asset-*")
	if err != nil {
		return nil, err
	}
	if err := os.Remove(f.Name()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}
