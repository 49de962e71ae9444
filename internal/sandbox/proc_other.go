//go:build !unix

package sandbox

import (
	"os/exec"
	"syscall"
)

func setProcAttrs(cmd *exec.Cmd) {}

// SignalGroup kills the process; there are no process groups here.
func SignalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
