//go:build unix

package orchestrator

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// startPTY starts cmd on a new pseudo-terminal and returns the master side.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	// pty.Start makes the child a session leader, which already leads its
	// own group. Setpgid on top of Setsid fails with EPERM.
	if cmd.SysProcAttr != nil {
		cmd.SysProcAttr.Setpgid = false
	}
	return pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 120})
}
