//go:build linux

package transfer

import (
	"os"

	"golang.org/x/sys/unix"
)

const segmentName = "offload-asset"

func createSegmentFile() (*os.File, error) {
	fd, err := unix.MemfdCreate(segmentName, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "memfd:"+segmentName), nil
}
