//go:build windows

package engine

import (
	"os/exec"
	"strconv"
)

// setProcAttr is a no-op on Windows; taskkill addresses the subtree.
func setProcAttr(cmd *exec.Cmd) {
}

// killTree terminates the child and everything it spawned.
func killTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	return exec.Command("taskkill", "/f", "/t", "/pid", strconv.Itoa(pid)).Run()
}
