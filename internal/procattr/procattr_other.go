//go:build !linux

// Package procattr isolates backend subprocesses in their own process group
// so a whole tool tree can be signalled at once.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set places cmd in a new process group. Pdeathsig has no equivalent here.
func Set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
