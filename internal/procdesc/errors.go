package procdesc

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrSpawn is returned when a child process could not be created.
	ErrSpawn = fmt.Errorf("spawn child: %w", errdefs.ErrUnavailable)

	// ErrAlreadyReaped is returned when a handle's child was already reaped.
	ErrAlreadyReaped = fmt.Errorf("child already reaped: %w", errdefs.ErrFailedPrecondition)

	// ErrClosed is returned when a handle is closed twice.
	ErrClosed = fmt.Errorf("process handle closed: %w", errdefs.ErrFailedPrecondition)
)
