package assets

import (
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/aledbf/offload/internal/loader"
)

var (
	// ErrPathResolution is returned synchronously by Load when the path does
	// not resolve to an existing file. No child is started.
	ErrPathResolution = fmt.Errorf("resolve asset path: %w", errdefs.ErrNotFound)

	// ErrClosed is returned by Load after Close, and is the failure recorded
	// on entries that were still loading when the cache closed.
	ErrClosed = fmt.Errorf("asset cache closed: %w", errdefs.ErrUnavailable)

	// ErrReleased is recorded on an entry whose last reference was dropped
	// while it was loading.
	ErrReleased = fmt.Errorf("asset released: %w", loader.ErrCanceled)
)
