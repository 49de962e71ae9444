//go:build !unix

package orchestrator

import (
	"errors"
	"os"
	"os/exec"
)

func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return nil, errors.New("pty not supported on this platform")
}
