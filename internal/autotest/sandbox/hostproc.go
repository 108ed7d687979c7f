package sandbox

import (
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// HostProcess polls a host process started in its own process group.
type HostProcess struct {
	proc *os.Process

	mu       sync.Mutex
	reaped   bool
	exitCode int
}

// NewHostProcess wraps p. The caller must not Wait on p.
func NewHostProcess(p *os.Process) *HostProcess {
	return &HostProcess{proc: p}
}

func (h *HostProcess) Pid() int {
	return h.proc.Pid
}

// Poll reaps the process if it exited, using wait4 with WNOHANG.
func (h *HostProcess) Poll() (bool, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reaped {
		return true, h.exitCode, nil
	}
	return h.wait(unix.WNOHANG)
}

// Kill sends SIGKILL to the whole process group and reaps the leader.
func (h *HostProcess) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reaped {
		return nil
	}
	if err := unix.Kill(-h.proc.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	_, _, err := h.wait(0)
	return err
}

// Release kills any processes left in the group and frees the handle.
func (h *HostProcess) Release() error {
	_ = unix.Kill(-h.proc.Pid, unix.SIGKILL)
	return h.proc.Release()
}

func (h *HostProcess) wait(options int) (bool, int, error) {
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(h.proc.Pid, &status, options, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, -1, err
		}
		if pid == 0 {
			return false, 0, nil
		}
		break
	}
	h.reaped = true
	switch {
	case status.Exited():
		h.exitCode = status.ExitStatus()
	case status.Signaled():
		h.exitCode = 128 + int(status.Signal())
	default:
		h.exitCode = -1
	}
	return true, h.exitCode, nil
}
