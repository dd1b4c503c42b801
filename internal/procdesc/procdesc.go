//go:build unix

// Package procdesc spawns child processes behind a pollable wait descriptor.
//
// A Handle exposes a file descriptor that becomes readable once the child has
// exited, so the caller can hand it to any readiness based event loop instead
// of reaping from a SIGCHLD handler. Two backends implement Spawner:
//
//   - PidfdSpawner (Linux): the wait descriptor is a pidfd and signals are
//     delivered with pidfd_send_signal, so no PID is ever reused by mistake.
//   - PipeSpawner (any unix): the child inherits the only write end of a pipe;
//     the read end reports HUP when the child exits.
//
// Default returns the backend selected for the build.
//
// Exit status fidelity depends on the platform. Treat ExitStatus as a
// diagnostic, never as proof that the child did its job.
package procdesc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// Command describes the child to start.
type Command struct {
	// Path is the executable, e.g. reexec.Self().
	Path string
	// Args is the full argv, including argv[0].
	Args []string
	// Env defaults to the parent's environment when nil.
	Env []string
	// ExtraFiles[i] becomes fd 3+i in the child.
	ExtraFiles []*os.File
}

// Spawner starts children and returns handles to them.
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (*Handle, error)
}

// ExitStatus is the status a child terminated with.
type ExitStatus struct {
	Code   int
	Signal syscall.Signal
}

// Success reports whether the child exited normally with code 0.
func (s ExitStatus) Success() bool {
	return s.Signal == 0 && s.Code == 0
}

// Signaled reports whether the child was terminated by a signal.
func (s ExitStatus) Signaled() bool {
	return s.Signal != 0
}

func (s ExitStatus) String() string {
	if s.Signaled() {
		return fmt.Sprintf("signal: %s", unix.SignalName(s.Signal))
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

type handleState int

const (
	stateLive handleState = iota
	stateReaped
	stateClosed
)

// Handle refers to one spawned child.
//
// At most one Reap succeeds. Reap and Close release the wait descriptor
// exactly once, whichever happens first.
type Handle struct {
	mu     sync.Mutex
	pid    int
	waitFD int
	signal func(h *Handle, sig syscall.Signal) error
	state  handleState
	status ExitStatus
}

func newHandle(pid, waitFD int, signal func(*Handle, syscall.Signal) error) *Handle {
	return &Handle{
		pid:    pid,
		waitFD: waitFD,
		signal: signal,
	}
}

// Pid returns the child's process id. Only meaningful while the handle is live.
func (h *Handle) Pid() int {
	return h.pid
}

// WaitFD returns the descriptor that becomes readable when the child exits.
// It is owned by the handle and must not be closed by the caller.
func (h *Handle) WaitFD() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateLive {
		return -1
	}
	return h.waitFD
}

// Reaped reports whether the exit status has been collected.
func (h *Handle) Reaped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state != stateLive
}

// Signal delivers sig to the child. Delivery is best effort.
func (h *Handle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateLive {
		return fmt.Errorf("signal %s to pid %d: %w", unix.SignalName(sig), h.pid, ErrAlreadyReaped)
	}
	if err := h.signal(h, sig); err != nil {
		// The child may already be a zombie; that is not a failure.
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal %s to pid %d: %w", unix.SignalName(sig), h.pid, err)
	}
	return nil
}

// Reap waits for the child to terminate and returns its exit status. Callers
// are expected to wait for WaitFD to become readable first, in which case Reap
// does not block. A second Reap returns ErrAlreadyReaped.
func (h *Handle) Reap() (ExitStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateLive {
		return h.status, lifecycleViolation(fmt.Errorf("reap pid %d: %w", h.pid, ErrAlreadyReaped))
	}
	return h.reapLocked()
}

// Close releases the handle. A child that was never reaped is killed and
// reaped first so that no zombie outlives the handle. Close after Reap is a
// no-op; closing twice returns ErrClosed.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case stateClosed:
		return lifecycleViolation(fmt.Errorf("close pid %d: %w", h.pid, ErrClosed))
	case stateReaped:
		h.state = stateClosed
		return nil
	}

	if err := h.signal(h, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		log.L.WithError(err).WithField("pid", h.pid).Warn("failed to kill abandoned child")
	}
	_, err := h.reapLocked()
	h.state = stateClosed
	return err
}

func (h *Handle) reapLocked() (ExitStatus, error) {
	var (
		ws  unix.WaitStatus
		err error
	)
	// wait4 on the pid is race free here: an unreaped child keeps its pid and
	// this handle is its only reaper.
	for {
		_, err = unix.Wait4(h.pid, &ws, 0, nil)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}

	closeErr := unix.Close(h.waitFD)
	h.waitFD = -1
	h.state = stateReaped

	if err != nil {
		h.status = ExitStatus{Code: -1}
		return h.status, errors.Join(fmt.Errorf("wait4 pid %d: %w", h.pid, err), closeErr)
	}
	h.status = statusFromWait(ws)
	if closeErr != nil {
		return h.status, fmt.Errorf("close wait descriptor of pid %d: %w", h.pid, closeErr)
	}
	return h.status, nil
}

func statusFromWait(ws unix.WaitStatus) ExitStatus {
	switch {
	case ws.Exited():
		return ExitStatus{Code: ws.ExitStatus()}
	case ws.Signaled():
		return ExitStatus{Code: -1, Signal: ws.Signal()}
	default:
		return ExitStatus{Code: -1}
	}
}

// procAttr wires stdio through and places ExtraFiles at fd 3 onwards.
// Additional trailing descriptors may be appended by the backend.
func procAttr(cmd Command, trailing ...uintptr) *syscall.ProcAttr {
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	files := []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd()}
	for _, f := range cmd.ExtraFiles {
		files = append(files, f.Fd())
	}
	files = append(files, trailing...)
	return &syscall.ProcAttr{
		Env:   env,
		Files: files,
	}
}

func checkCommand(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	if cmd.Path == "" || len(cmd.Args) == 0 {
		return fmt.Errorf("%w: empty command", ErrSpawn)
	}
	return nil
}
