//go:build !windows

package service

import (
	"os/exec"
	"syscall"
)

// detachProcess puts the child in its own process group so proxy signals
// (Ctrl-C, service stop) do not take the REPL down with them.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
