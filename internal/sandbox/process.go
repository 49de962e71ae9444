package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ehrlich-b/chatndev/internal/logger"
)

type processSandbox struct {
	cfg    Config
	tmpDir string
	cgroup *cgroupManager
}

func newProcessSandbox(cfg Config) (Sandbox, error) {
	if cfg.Root != "" {
		if err := os.MkdirAll(cfg.Root, 0755); err != nil {
			return nil, fmt.Errorf("create sandbox root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(cfg.Root, "chatndev-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox tmpdir: %w", err)
	}
	// Resolve symlinks (macOS /var → /private/var) so Dir matches what
	// commands see as their working directory.
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	cg, err := newCgroupManager(uuid.NewString()[:8], cfg.MemLimit, cfg.PIDLimit)
	if err != nil {
		logger.Warn("sandbox: resource limits unavailable", "err", err)
	}
	logger.Debug("sandbox created", "dir", dir, "isolation", cfg.Isolation.String())
	return &processSandbox{cfg: cfg, tmpDir: dir, cgroup: cg}, nil
}

func (s *processSandbox) Exec(ctx context.Context, name string, args []string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = s.tmpDir
	cmd.Env = s.buildEnv()
	setProcAttrs(cmd)
	return cmd, nil
}

func (s *processSandbox) Dir() string { return s.tmpDir }

func (s *processSandbox) Attach(pid int) error {
	return s.cgroup.AddPID(pid)
}

func (s *processSandbox) Destroy() error {
	if err := s.cgroup.Destroy(); err != nil {
		logger.Warn("sandbox: remove cgroup", "err", err)
	}
	return os.RemoveAll(s.tmpDir)
}

func (s *processSandbox) buildEnv() []string {
	var env []string
	switch s.cfg.Isolation {
	case Privileged:
		env = os.Environ()
	case Standard:
		for _, k := range inherited {
			if v, ok := os.LookupEnv(k); ok {
				env = append(env, k+"="+v)
			}
		}
		if _, ok := os.LookupEnv("PATH"); !ok {
			env = append(env, "PATH=/usr/local/bin:/usr/bin:/bin")
		}
	default:
		env = []string{"PATH=/usr/local/bin:/usr/bin:/bin"}
	}
	env = append(env,
		"HOME="+s.tmpDir,
		"TMPDIR="+s.tmpDir,
		"CI=1",
	)
	return append(env, s.cfg.Env...)
}
