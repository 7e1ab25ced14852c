package procattr

import (
	"errors"
	"os"
	"syscall"
	"time"
)

// SignalGroup delivers sig to every process in p's group.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Terminate sends SIGTERM to p's group, waits up to grace for exited to be
// closed, then sends SIGKILL. It returns true if the group had to be killed.
func Terminate(p *os.Process, grace time.Duration, exited <-chan struct{}) (bool, error) {
	if p == nil {
		return false, nil
	}
	if err := SignalGroup(p, syscall.SIGTERM); err != nil {
		return false, err
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-exited:
		return false, nil
	case <-timer.C:
	}
	return true, SignalGroup(p, syscall.SIGKILL)
}
