//go:build unix

package procdesc

import (
	"context"
	"fmt"
	"syscall"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// PipeSpawner is the portable fallback. The child inherits the write end of a
// pipe that nobody else holds, so the read end reports HUP exactly when the
// child (and with it the last writer) is gone. Signals go through kill(2),
// which is safe while the child is unreaped.
type PipeSpawner struct{}

// Spawn forks and execs cmd. The exit pipe occupies the descriptor right
// after cmd.ExtraFiles in the child and must be left open there.
func (PipeSpawner) Spawn(ctx context.Context, cmd Command) (*Handle, error) {
	if err := checkCommand(ctx, cmd); err != nil {
		return nil, err
	}

	// Hold ForkLock so that no concurrent fork inherits the pipe before
	// close-on-exec is set.
	syscall.ForkLock.RLock()
	var p [2]int
	err := unix.Pipe(p[:])
	if err == nil {
		unix.CloseOnExec(p[0])
		unix.CloseOnExec(p[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("%w: exit pipe: %w", ErrSpawn, err)
	}

	pid, err := syscall.ForkExec(cmd.Path, cmd.Args, procAttr(cmd, uintptr(p[1])))
	// The parent must not keep a writer, otherwise HUP never arrives.
	_ = unix.Close(p[1])
	if err != nil {
		_ = unix.Close(p[0])
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, cmd.Path, err)
	}

	log.G(ctx).WithField("pid", pid).WithField("exitfd", p[0]).Debug("spawned child")
	return newHandle(pid, p[0], killSignal), nil
}

func killSignal(h *Handle, sig syscall.Signal) error {
	return unix.Kill(h.pid, sig)
}
