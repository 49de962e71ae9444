// Package sandbox gives each room a private working directory and runs the
// room's commands inside it.
package sandbox

import (
	"context"
	"os/exec"
)

// Sandbox provides isolated execution of commands.
type Sandbox interface {
	// Exec prepares a command that runs in Dir with the sandbox environment.
	Exec(ctx context.Context, name string, args []string) (*exec.Cmd, error)
	// Dir is the directory project files are mounted into.
	Dir() string
	// Attach applies resource limits to a started process.
	Attach(pid int) error
	// Destroy removes the directory and releases limits. Processes must have
	// exited first.
	Destroy() error
}

// Config holds sandbox creation parameters.
type Config struct {
	Isolation Level
	// Root is the parent of the sandbox directory; empty uses os.TempDir.
	Root string
	// Env is appended to the environment the isolation level allows.
	Env      []string
	MemLimit uint64 // bytes, 0 for none
	PIDLimit uint32 // 0 for none
}

// New creates a sandbox for one room.
func New(cfg Config) (Sandbox, error) {
	return newProcessSandbox(cfg)
}
