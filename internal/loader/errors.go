package loader

import (
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/aledbf/offload/internal/procdesc"
)

var (
	// ErrSpawn is returned synchronously when the segment or the child could
	// not be set up. It is procdesc.ErrSpawn so callers need only one check.
	ErrSpawn = procdesc.ErrSpawn

	// ErrChildCrash describes a child that did not exit cleanly. It is logged
	// only; the record's own validation decides whether a load succeeded.
	ErrChildCrash = fmt.Errorf("decoder child terminated abnormally: %w", errdefs.ErrAborted)

	// ErrCanceled is reported for loads that were canceled before settling.
	ErrCanceled = fmt.Errorf("load canceled: %w", errdefs.ErrAborted)
)
