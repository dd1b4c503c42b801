package transfer

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrValidation is returned when a record violates its invariants. The
	// payload of such a record is never trusted.
	ErrValidation = fmt.Errorf("invalid transfer record: %w", errdefs.ErrDataLoss)

	// ErrUnsupported is returned by decoders for sources they cannot classify.
	ErrUnsupported = fmt.Errorf("unsupported asset: %w", errdefs.ErrNotImplemented)
)
