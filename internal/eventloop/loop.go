//go:build unix

// Package eventloop is a minimal poll(2) driven readiness loop. It stands in
// for the host application's loop in the CLI and in tests: descriptors are
// registered with a callback that runs on the goroutine calling RunOnce or
// Run whenever the descriptor is readable or hung up.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// DefaultTick bounds how long Run blocks in a single poll.
const DefaultTick = 50 * time.Millisecond

type source struct {
	fd int
	cb func()
}

// Loop dispatches readiness callbacks. Registration is safe from any
// goroutine; callbacks run only inside RunOnce.
type Loop struct {
	mu      sync.Mutex
	next    uint64
	sources map[uint64]*source
}

// New returns an empty loop.
func New() *Loop {
	return &Loop{sources: make(map[uint64]*source)}
}

// Register arranges for onReadable to run whenever fd polls readable. The
// returned function removes the registration; it is idempotent.
func (l *Loop) Register(fd int, onReadable func()) (func(), error) {
	if fd < 0 {
		return nil, fmt.Errorf("register fd %d: %w", fd, errdefs.ErrInvalidArgument)
	}
	if onReadable == nil {
		return nil, fmt.Errorf("register fd %d without callback: %w", fd, errdefs.ErrInvalidArgument)
	}

	l.mu.Lock()
	l.next++
	id := l.next
	l.sources[id] = &source{fd: fd, cb: onReadable}
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.sources, id)
		l.mu.Unlock()
	}, nil
}

// Len returns the number of registered descriptors.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}

// RunOnce polls all registered descriptors for up to timeout and runs the
// callbacks of those that are ready. It returns the number of callbacks run.
func (l *Loop) RunOnce(timeout time.Duration) (int, error) {
	l.mu.Lock()
	ids := make([]uint64, 0, len(l.sources))
	fds := make([]unix.PollFd, 0, len(l.sources))
	for id, s := range l.sources {
		ids = append(ids, id)
		fds = append(fds, unix.PollFd{Fd: int32(s.fd), Events: unix.POLLIN})
	}
	l.mu.Unlock()

	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	dispatched := 0
	for i, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		// A callback earlier in this round may have removed this source.
		l.mu.Lock()
		s, ok := l.sources[ids[i]]
		l.mu.Unlock()
		if !ok {
			continue
		}
		s.cb()
		dispatched++
	}
	return dispatched, nil
}

// Run dispatches until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := l.RunOnce(DefaultTick); err != nil {
			return err
		}
	}
}

// RunUntil dispatches until done returns true or ctx is done.
func (l *Loop) RunUntil(ctx context.Context, done func() bool) error {
	for !done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := l.RunOnce(DefaultTick); err != nil {
			return err
		}
	}
	return nil
}
