//go:build unix

package procdesc

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/sys/reexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	entryExit7 = "procdesc-test-exit7"
	entrySleep = "procdesc-test-sleep"
)

func init() {
	reexec.Register(entryExit7, func() { os.Exit(7) })
	reexec.Register(entrySleep, func() {
		time.Sleep(time.Minute)
		os.Exit(0)
	})
}

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

func spawners() map[string]Spawner {
	s := map[string]Spawner{"pipe": PipeSpawner{}}
	if _, ok := Default().(PipeSpawner); !ok {
		s["default"] = Default()
	}
	return s
}

func command(entry string) Command {
	return Command{Path: reexec.Self(), Args: []string{entry}}
}

func waitReadable(t *testing.T, fd int, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		require.NoError(t, err)
		return n > 0
	}
}

func processGone(pid int) bool {
	return errors.Is(unix.Kill(pid, 0), unix.ESRCH)
}

func TestSpawnReapExitCode(t *testing.T) {
	for name, sp := range spawners() {
		t.Run(name, func(t *testing.T) {
			h, err := sp.Spawn(t.Context(), command(entryExit7))
			require.NoError(t, err)
			require.Greater(t, h.Pid(), 0)
			require.GreaterOrEqual(t, h.WaitFD(), 0)

			require.True(t, waitReadable(t, h.WaitFD(), 10*time.Second), "wait descriptor never became readable")

			status, err := h.Reap()
			require.NoError(t, err)
			assert.Equal(t, 7, status.Code)
			assert.False(t, status.Success())
			assert.False(t, status.Signaled())
			assert.Equal(t, "exit status 7", status.String())
			assert.True(t, h.Reaped())
			assert.Equal(t, -1, h.WaitFD())
		})
	}
}

func TestReapTwiceFails(t *testing.T) {
	for name, sp := range spawners() {
		t.Run(name, func(t *testing.T) {
			h, err := sp.Spawn(t.Context(), command(entryExit7))
			require.NoError(t, err)

			_, err = h.Reap()
			require.NoError(t, err)

			_, err = h.Reap()
			require.ErrorIs(t, err, ErrAlreadyReaped)
			assert.True(t, errdefs.IsFailedPrecondition(err))

			require.NoError(t, h.Close(), "close after reap is a no-op")
			require.ErrorIs(t, h.Close(), ErrClosed)
		})
	}
}

func TestSignalTerminatesChild(t *testing.T) {
	for name, sp := range spawners() {
		t.Run(name, func(t *testing.T) {
			h, err := sp.Spawn(t.Context(), command(entrySleep))
			require.NoError(t, err)

			assert.False(t, waitReadable(t, h.WaitFD(), 50*time.Millisecond), "sleeping child reported exit")

			require.NoError(t, h.Signal(unix.SIGTERM))
			require.True(t, waitReadable(t, h.WaitFD(), 10*time.Second))

			status, err := h.Reap()
			require.NoError(t, err)
			assert.True(t, status.Signaled())
			assert.Equal(t, syscall.Signal(unix.SIGTERM), status.Signal)

			require.ErrorIs(t, h.Signal(unix.SIGTERM), ErrAlreadyReaped)
		})
	}
}

func TestCloseKillsAbandonedChild(t *testing.T) {
	for name, sp := range spawners() {
		t.Run(name, func(t *testing.T) {
			h, err := sp.Spawn(t.Context(), command(entrySleep))
			require.NoError(t, err)
			pid := h.Pid()

			require.NoError(t, h.Close())
			assert.True(t, h.Reaped())
			assert.True(t, processGone(pid), "child %d still exists after Close", pid)
		})
	}
}

func TestSpawnInvalidCommand(t *testing.T) {
	for name, sp := range spawners() {
		t.Run(name, func(t *testing.T) {
			_, err := sp.Spawn(t.Context(), Command{})
			require.ErrorIs(t, err, ErrSpawn)

			_, err = sp.Spawn(t.Context(), Command{
				Path: "/nonexistent/offload-binary",
				Args: []string{"offload-binary"},
			})
			require.ErrorIs(t, err, ErrSpawn)
			assert.True(t, errdefs.IsUnavailable(err))
		})
	}
}

func TestSpawnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := Default().Spawn(ctx, command(entryExit7))
	require.ErrorIs(t, err, ErrSpawn)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExitStatusString(t *testing.T) {
	assert.Equal(t, "exit status 0", ExitStatus{}.String())
	assert.True(t, ExitStatus{}.Success())
	assert.Equal(t, "signal: SIGKILL", ExitStatus{Code: -1, Signal: unix.SIGKILL}.String())
}
