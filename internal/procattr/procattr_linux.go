//go:build linux

// Package procattr isolates backend subprocesses in their own process group
// so a whole tool tree can be signalled at once.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set places cmd in a new process group and asks the kernel to SIGTERM it
// if the switchboard process dies first.
func Set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pdeathsig = syscall.SIGTERM
}
