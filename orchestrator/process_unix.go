//go:build unix

package orchestrator

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals every process in the worker's process group.
func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	return unix.Kill(-cmd.Process.Pid, sig)
}
