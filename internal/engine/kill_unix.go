//go:build !windows

package engine

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child into its own process group so the whole
// subtree can be signalled at once.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree terminates the child's entire process group. The group ID equals
// the PID of the group leader; a negative PID addresses the group.
func killTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGTERM)
}
