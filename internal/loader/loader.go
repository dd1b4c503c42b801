//go:build unix

// Package loader decodes one asset in a short lived child process and hands
// the result back through shared memory.
//
// A Loader owns a transfer segment and the child writing into it. The child's
// wait descriptor is registered with the host's Poller; once it is readable
// the child is reaped, the record validated and the completion callback run,
// all on the goroutine that dispatches the Poller's callbacks.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"github.com/aledbf/offload/internal/procdesc"
	"github.com/aledbf/offload/internal/transfer"
)

const (
	// DefaultCancelSignal asks the child to stop before it is killed.
	DefaultCancelSignal = unix.SIGTERM

	// DefaultCancelGrace is how long Cancel waits after DefaultCancelSignal
	// before escalating to SIGKILL.
	DefaultCancelGrace = 250 * time.Millisecond

	// DefaultMaxSegmentBytes caps the record a child may hand back.
	DefaultMaxSegmentBytes = 512 * units.MiB
)

// Poller is the host event loop. Register arranges for onReadable to run
// when fd polls readable and returns a function that removes the
// registration. Callbacks must not run concurrently with each other, nor from
// within Register.
type Poller interface {
	Register(fd int, onReadable func()) (deregister func(), err error)
}

// Options configures a Loader. Zero values select the defaults.
type Options struct {
	Spawner procdesc.Spawner
	Poller  Poller

	// Executable is re-executed as the decoding child. Defaults to the
	// running binary, which must call reexec.Init first thing in main.
	Executable string

	CancelSignal syscall.Signal
	// CancelGrace < 0 skips straight to SIGKILL.
	CancelGrace time.Duration

	MaxSegmentBytes int64
	SniffBytes      int
}

func (o Options) withDefaults() Options {
	if o.Spawner == nil {
		o.Spawner = procdesc.Default()
	}
	if o.Executable == "" {
		o.Executable = reexec.Self()
	}
	if o.CancelSignal == 0 {
		o.CancelSignal = DefaultCancelSignal
	}
	if o.CancelGrace == 0 {
		o.CancelGrace = DefaultCancelGrace
	}
	if o.MaxSegmentBytes == 0 {
		o.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if o.SniffBytes <= 0 {
		o.SniffBytes = transfer.DefaultSniffBytes
	}
	return o
}

// Result is the outcome of a load. Exactly one of Content and Err is set.
type Result struct {
	Content *transfer.Content
	Err     error
}

// OK reports whether the load produced content.
func (r Result) OK() bool {
	return r.Err == nil && r.Content != nil
}

// Loader is one in-flight load. It settles exactly once: either the
// completion callback runs, or Cancel wins and it never does.
type Loader struct {
	id      string
	path    string
	opts    Options
	started time.Time
	entry   *log.Entry

	handle *procdesc.Handle
	seg    *transfer.Segment

	mu         sync.Mutex
	settled    bool
	deregister func()
	onDone     func(Result)
}

// Start spawns a child decoding path and registers its wait descriptor with
// opts.Poller. onDone runs once from a Poller callback when the child has
// exited. If the segment, the child or the registration cannot be set up,
// Start returns an error matching ErrSpawn, onDone is never called and no
// process is left behind.
func Start(ctx context.Context, opts Options, path string, onDone func(Result)) (*Loader, error) {
	if opts.Poller == nil {
		return nil, fmt.Errorf("start loader for %s without poller: %w", path, errdefs.ErrInvalidArgument)
	}
	if onDone == nil {
		return nil, fmt.Errorf("start loader for %s without callback: %w", path, errdefs.ErrInvalidArgument)
	}
	opts = opts.withDefaults()

	l := &Loader{
		id:     uuid.NewString(),
		path:   path,
		opts:   opts,
		onDone: onDone,
	}
	l.entry = log.G(ctx).WithField("loader", l.id).WithField("path", path)

	seg, err := transfer.NewSegment()
	if err != nil {
		RecordSpawn(false)
		return nil, spawnError(path, err)
	}

	l.started = time.Now()
	h, err := opts.Spawner.Spawn(ctx, procdesc.Command{
		Path:       opts.Executable,
		Args:       transfer.ChildArgs(path, opts.SniffBytes),
		ExtraFiles: []*os.File{seg.File()},
	})
	if err != nil {
		_ = seg.Close()
		RecordSpawn(false)
		return nil, spawnError(path, err)
	}
	l.handle = h
	l.seg = seg

	// Hold mu so a callback racing with registration sees deregister set.
	l.mu.Lock()
	deregister, err := opts.Poller.Register(h.WaitFD(), l.onReadable)
	if err != nil {
		l.settled = true
		l.mu.Unlock()
		if closeErr := h.Close(); closeErr != nil {
			l.entry.WithError(closeErr).Warn("failed to kill unregistered decoder")
		}
		_ = seg.Close()
		RecordSpawn(false)
		return nil, spawnError(path, err)
	}
	l.deregister = deregister
	l.mu.Unlock()

	RecordSpawn(true)
	l.entry.WithField("pid", h.Pid()).Debug("decoder started")
	return l, nil
}

func spawnError(path string, err error) error {
	if errors.Is(err, ErrSpawn) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return fmt.Errorf("load %s: %w: %w", path, ErrSpawn, err)
}

// ID returns the correlation id used in this loader's log entries.
func (l *Loader) ID() string {
	return l.id
}

// Path returns the path handed to the child.
func (l *Loader) Path() string {
	return l.path
}

// Pid returns the child's process id.
func (l *Loader) Pid() int {
	return l.handle.Pid()
}

// Settled reports whether the loader completed or was canceled.
func (l *Loader) Settled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settled
}

// settle claims the single transition out of the spawned state.
func (l *Loader) settle() (deregister func(), onDone func(Result), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return nil, nil, false
	}
	l.settled = true
	deregister, onDone = l.deregister, l.onDone
	l.deregister, l.onDone = nil, nil
	return deregister, onDone, true
}

func (l *Loader) onReadable() {
	deregister, onDone, ok := l.settle()
	if !ok {
		return
	}
	deregister()

	status, err := l.handle.Reap()
	switch {
	case err != nil:
		l.entry.WithError(err).Warn("failed to reap decoder")
	case !status.Success():
		l.entry.WithError(fmt.Errorf("%w: %s", ErrChildCrash, status)).Debug("decoder exited")
	}
	if err := l.handle.Close(); err != nil {
		l.entry.WithError(err).Warn("failed to release decoder handle")
	}

	// The record decides the outcome; the exit status is only a diagnostic.
	var (
		res   Result
		bytes int
	)
	content, err := l.seg.ReadContent(l.opts.MaxSegmentBytes)
	if err != nil {
		res.Err = fmt.Errorf("load %s: %w", l.path, err)
		l.entry.WithError(err).Warn("asset load failed")
	} else {
		res.Content = content
		bytes = content.PayloadLen()
		l.entry.WithField("kind", content.Kind).
			WithField("size", units.HumanSize(float64(content.PayloadLen()))).
			Debug("asset loaded")
	}
	RecordLoad(res.OK(), bytes, time.Since(l.started))

	onDone(res)
}

// Cancel abandons the load: the child is asked to stop with the cancel
// signal, killed if it is still running after the grace period, reaped and
// the segment released. The completion callback is never run. Cancel is
// idempotent and does nothing once the loader has completed.
func (l *Loader) Cancel() {
	deregister, _, ok := l.settle()
	if !ok {
		return
	}
	deregister()

	if err := l.handle.Signal(l.opts.CancelSignal); err != nil {
		l.entry.WithError(err).Warn("failed to signal decoder")
	}
	if !waitReadable(l.handle.WaitFD(), l.opts.CancelGrace) {
		l.entry.WithField("grace", l.opts.CancelGrace).Debug("decoder ignored cancel signal, killing")
		if err := l.handle.Signal(unix.SIGKILL); err != nil {
			l.entry.WithError(err).Warn("failed to kill decoder")
		}
	}

	status, err := l.handle.Reap()
	if err != nil {
		l.entry.WithError(err).Warn("failed to reap canceled decoder")
	}
	if err := l.handle.Close(); err != nil {
		l.entry.WithError(err).Warn("failed to release decoder handle")
	}
	if err := l.seg.Close(); err != nil {
		l.entry.WithError(err).Warn("failed to close shared memory segment")
	}

	RecordCancel()
	l.entry.WithField("status", status.String()).Debug("load canceled")
}

// waitReadable blocks until fd is readable or timeout elapses.
func waitReadable(fd int, timeout time.Duration) bool {
	if fd < 0 {
		return true
	}
	if timeout < 0 {
		return false
	}
	deadline := time.Now().Add(timeout)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		n, err := unix.Poll(fds, int(remaining.Milliseconds()))
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return false
		}
		return n > 0
	}
}
