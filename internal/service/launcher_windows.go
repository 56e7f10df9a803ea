//go:build windows

package service

import (
	"os/exec"
	"syscall"
)

// detachProcess starts the child in a new process group so proxy console
// events do not propagate to the REPL.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
