//go:build !unix

package orchestrator

import (
	"os"
	"os/exec"
)

type signal int

const (
	sigTerm signal = iota
	sigKill
)

func setProcessGroup(cmd *exec.Cmd) {}

// signalGroup kills the worker process; there are no process groups here.
func signalGroup(cmd *exec.Cmd, _ signal) error {
	return cmd.Process.Signal(os.Kill)
}
