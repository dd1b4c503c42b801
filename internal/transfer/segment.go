//go:build unix

package transfer

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/containerd/log"
	units "github.com/docker/go-units"
	"golang.org/x/sys/unix"
)

// Segment is an anonymous shared memory file. The child writes exactly one
// record into it; the parent reads it after the child has been reaped.
type Segment struct {
	f         *os.File
	closeOnce sync.Once
	closeErr  error
}

// NewSegment creates an empty segment that is not reachable through the
// filesystem. The descriptor is close-on-exec; spawners dup it into the child.
func NewSegment() (*Segment, error) {
	f, err := createSegmentFile()
	if err != nil {
		return nil, fmt.Errorf("create shared memory segment: %w", err)
	}
	return &Segment{f: f}, nil
}

// OpenSegment wraps an inherited descriptor, as seen by the child.
func OpenSegment(fd uintptr) *Segment {
	return &Segment{f: os.NewFile(fd, "offload-segment")}
}

// File returns the underlying file to be passed to the child.
func (s *Segment) File() *os.File {
	return s.f
}

// Write sizes the segment for h and payload, maps it and copies the record in.
// It is called once by the child, after decoding has finished.
func (s *Segment) Write(h Header, payload []byte) error {
	h.PayloadLen = uint64(len(payload))
	size := HeaderSize + len(payload)

	fd := int(s.f.Fd())
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return fmt.Errorf("resize segment to %s: %w", units.HumanSize(float64(size)), err)
	}
	b, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("map segment for writing: %w", err)
	}
	h.put(b)
	copy(b[HeaderSize:], payload)
	return unix.Munmap(b)
}

// ReadContent maps the segment read-only, validates the record, copies the
// payload out and closes the segment. Segments larger than limit are refused
// without being mapped; limit <= 0 disables the check.
func (s *Segment) ReadContent(limit int64) (_ *Content, retErr error) {
	defer func() {
		if err := s.Close(); err != nil && retErr == nil {
			log.L.WithError(err).Warn("failed to close shared memory segment")
		}
	}()

	fi, err := s.f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment: %w", err)
	}
	size := fi.Size()
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: segment holds %d bytes, no record was written", ErrValidation, size)
	}
	if limit > 0 && size > limit {
		return nil, fmt.Errorf("%w: segment of %s exceeds limit of %s", ErrValidation,
			units.HumanSize(float64(size)), units.HumanSize(float64(limit)))
	}

	b, err := unix.Mmap(int(s.f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map segment: %w", err)
	}
	content, err := Decode(b)
	if unmapErr := unix.Munmap(b); unmapErr != nil {
		err = errors.Join(err, fmt.Errorf("unmap segment: %w", unmapErr))
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}

// Close releases the segment. It is safe to call more than once.
func (s *Segment) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.f.Close()
	})
	return s.closeErr
}
