//go:build unix

// Package assets deduplicates asset loads by canonical path.
//
// A Cache hands out shared, reference counted Loadable entries. The first
// Load of a path starts a loader; later Loads of the same file, under any
// spelling that resolves to it, share that entry until its last reference
// is released.
package assets

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/log"

	"github.com/aledbf/offload/internal/loader"
	"github.com/aledbf/offload/internal/paths"
)

// Cache maps canonical paths to live entries. It is safe for concurrent
// use; subscriber callbacks never run with its lock held.
type Cache struct {
	opts loader.Options

	mu      sync.Mutex
	entries map[string]*Loadable
	closed  bool
}

// New returns an empty cache whose loads use opts.
func New(opts loader.Options) *Cache {
	return &Cache{
		opts:    opts,
		entries: make(map[string]*Loadable),
	}
}

// Load returns the entry for path, starting a load if no live entry exists.
// The caller owns one reference and must Release it.
//
// A path that does not resolve fails synchronously with ErrPathResolution.
// A child that cannot be spawned does not: the entry is returned already
// failed, so consumers see every failure the same way.
func (c *Cache) Load(ctx context.Context, path string) (*Loadable, error) {
	canonical, err := paths.Canonicalize(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPathResolution, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if l, ok := c.entries[canonical]; ok {
		l.refs++
		log.G(ctx).WithField("path", canonical).WithField("state", l.State()).Debug("asset cache hit")
		return l, nil
	}

	l := newLoadable(c, canonical)
	c.entries[canonical] = l

	ldr, err := loader.Start(ctx, c.opts, canonical, l.complete)
	if err != nil {
		log.G(ctx).WithError(err).WithField("path", canonical).Warn("failed to start asset loader")
		l.settle(nil, err)
		return l, nil
	}
	l.attach(ldr)
	return l, nil
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close cancels every load in flight and detaches all entries. Entries
// that were loading fail with ErrClosed; settled entries keep their
// content until released. Later Loads return ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := make([]*Loadable, 0, len(c.entries))
	for _, l := range c.entries {
		entries = append(entries, l)
	}
	clear(c.entries)
	c.mu.Unlock()

	canceled := 0
	for _, l := range entries {
		ldr := l.inflight()
		if ldr == nil {
			continue
		}
		// Cancel claims the loader, so its completion cannot race settle.
		ldr.Cancel()
		l.settle(nil, fmt.Errorf("%w: %w", ErrClosed, loader.ErrCanceled))
		canceled++
	}
	log.L.WithField("entries", len(entries)).WithField("canceled", canceled).Debug("asset cache closed")
	return nil
}
