//go:build unix

package transfer

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/containerd/log"
	units "github.com/docker/go-units"
	"github.com/moby/sys/reexec"
	"golang.org/x/exp/mmap"
	"golang.org/x/sys/unix"
)

// ChildEntry is the argv[0] under which the decoding child is registered.
// Binaries that spawn loaders must call reexec.Init first thing in main.
const ChildEntry = "offload-asset-decoder"

// SegmentFD is the descriptor number the segment occupies in the child.
const SegmentFD = 3

func init() {
	reexec.Register(ChildEntry, childMain)
}

// ChildArgs returns the argv that makes the child decode path.
func ChildArgs(path string, sniffBytes int) []string {
	return []string{ChildEntry, strconv.Itoa(sniffBytes), path}
}

// ExitNow terminates the process immediately with exit_group(2). Deferred
// calls, os.Exit hooks and anything else inherited from the parent's view of
// the world are skipped. The decoding child must leave through here.
func ExitNow(code int) {
	unix.Exit(code)
}

func childMain() {
	entry := log.L.WithField("role", "decoder").WithField("pid", os.Getpid())
	ctx := log.WithLogger(context.Background(), entry)

	sniff, path, err := parseChildArgs(os.Args[1:])
	if err != nil {
		log.G(ctx).WithError(err).Error("invalid decoder invocation")
		ExitNow(2)
	}

	seg := OpenSegment(SegmentFD)
	if err := RunChild(ctx, path, seg, DefaultDecoder{SniffBytes: sniff}); err != nil {
		// The segment stays empty; the parent reports the load as failed.
		log.G(ctx).WithError(err).WithField("path", path).Error("asset decode failed")
		ExitNow(1)
	}
	ExitNow(0)
}

func parseChildArgs(args []string) (int, string, error) {
	if len(args) != 2 {
		return 0, "", fmt.Errorf("expected <sniff-bytes> <path>, got %d arguments", len(args))
	}
	sniff, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, "", fmt.Errorf("sniff bytes: %w", err)
	}
	return sniff, args[1], nil
}

// RunChild reads path, decodes it with dec and writes the record into seg.
// Nothing is written to seg unless decoding succeeded.
func RunChild(ctx context.Context, path string, seg *Segment, dec Decoder) error {
	src, err := readSource(path)
	if err != nil {
		return err
	}

	h, payload, err := dec.Decode(src)
	if err != nil {
		return err
	}
	if err := seg.Write(h, payload); err != nil {
		return err
	}

	log.G(ctx).WithField("path", path).
		WithField("kind", h.Kind).
		WithField("size", units.HumanSize(float64(len(payload)))).
		Debug("asset decoded")
	return nil
}

func readSource(path string) ([]byte, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = r.Close() }()

	src := make([]byte, r.Len())
	if len(src) == 0 {
		return src, nil
	}
	if _, err := r.ReadAt(src, 0); err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	return src, nil
}
