//go:build linux

package procdesc

import (
	"context"
	"fmt"
	"syscall"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// PidfdSpawner starts children with CLONE_PIDFD. The pidfd doubles as the
// wait descriptor: it polls readable once the child has terminated.
type PidfdSpawner struct{}

// Spawn forks and execs cmd.
func (PidfdSpawner) Spawn(ctx context.Context, cmd Command) (*Handle, error) {
	if err := checkCommand(ctx, cmd); err != nil {
		return nil, err
	}

	pidfd := -1
	attr := procAttr(cmd)
	attr.Sys = &syscall.SysProcAttr{PidFD: &pidfd}

	pid, err := syscall.ForkExec(cmd.Path, cmd.Args, attr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, cmd.Path, err)
	}
	if pidfd < 0 {
		// Kernel without pidfd support: do not leave the child behind.
		_ = unix.Kill(pid, unix.SIGKILL)
		var ws unix.WaitStatus
		_, _ = unix.Wait4(pid, &ws, 0, nil)
		return nil, fmt.Errorf("%w: kernel did not return a pidfd", ErrSpawn)
	}

	log.G(ctx).WithField("pid", pid).WithField("pidfd", pidfd).Debug("spawned child")
	return newHandle(pid, pidfd, pidfdSignal), nil
}

func pidfdSignal(h *Handle, sig syscall.Signal) error {
	return unix.PidfdSendSignal(h.waitFD, sig, nil, 0)
}
