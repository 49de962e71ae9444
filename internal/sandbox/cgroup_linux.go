//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ehrlich-b/chatndev/internal/logger"
)

const cgroupRoot = "/sys/fs/cgroup"

// cgroupManager owns one cgroup v2 leaf holding a room's processes, giving
// real RSS and process-tree limits.
type cgroupManager struct {
	path string
}

// newCgroupManager creates the leaf. It returns nil, nil when no limit is
// asked for or the host does not let us delegate; commands then run without
// limits.
func newCgroupManager(id string, memLimit uint64, pidLimit uint32) (*cgroupManager, error) {
	if memLimit == 0 && pidLimit == 0 {
		return nil, nil
	}
	if _, err := os.Stat(filepath.Join(cgroupRoot, "cgroup.controllers")); err != nil {
		logger.Info("sandbox: cgroups v2 not available, running without limits")
		return nil, nil
	}
	own, err := readOwnCgroup()
	if err != nil {
		return nil, err
	}
	parent := filepath.Join(cgroupRoot, own)
	leaf := filepath.Join(parent, "chatndev-"+id)
	if err := os.MkdirAll(leaf, 0755); err != nil {
		logger.Info("sandbox: cannot create cgroup, running without limits", "path", leaf, "err", err)
		return nil, nil
	}

	var controllers []string
	limits := map[string]string{}
	if memLimit > 0 {
		controllers = append(controllers, "+memory")
		limits["memory.max"] = strconv.FormatUint(memLimit, 10)
	}
	if pidLimit > 0 {
		controllers = append(controllers, "+pids")
		limits["pids.max"] = strconv.FormatUint(uint64(pidLimit), 10)
	}
	if err := enableControllers(parent, controllers); err != nil {
		os.Remove(leaf)
		logger.Info("sandbox: cannot enable cgroup controllers, running without limits", "err", err)
		return nil, nil
	}
	for file, value := range limits {
		if err := os.WriteFile(filepath.Join(leaf, file), []byte(value), 0644); err != nil {
			os.Remove(leaf)
			logger.Info("sandbox: cannot set cgroup limit, running without limits", "file", file, "err", err)
			return nil, nil
		}
	}
	logger.Debug("sandbox: cgroup created", "path", leaf, "memory", memLimit, "pids", pidLimit)
	return &cgroupManager{path: leaf}, nil
}

// AddPID moves a process into the cgroup. Children it forks afterwards stay
// there.
func (c *cgroupManager) AddPID(pid int) error {
	if c == nil {
		return nil
	}
	return os.WriteFile(filepath.Join(c.path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644)
}

// Destroy removes the cgroup. It must be empty.
func (c *cgroupManager) Destroy() error {
	if c == nil {
		return nil
	}
	return os.Remove(c.path)
}

// parseCgroupV2Path returns the path of the unified ("0::") entry of a
// /proc/<pid>/cgroup file.
func parseCgroupV2Path(content string) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "0::"); ok {
			return rest, nil
		}
	}
	return "", fmt.Errorf("no cgroup v2 entry found")
}

func readOwnCgroup() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", fmt.Errorf("read /proc/self/cgroup: %w", err)
	}
	return parseCgroupV2Path(string(data))
}

// enableControllers writes cgroup.subtree_control. If the parent still holds
// processes (EBUSY under the no-internal-processes rule), the server moves
// itself into a sibling leaf and retries.
func enableControllers(parent string, controllers []string) error {
	if len(controllers) == 0 {
		return nil
	}
	payload := []byte(strings.Join(controllers, " "))
	control := filepath.Join(parent, "cgroup.subtree_control")

	err := os.WriteFile(control, payload, 0644)
	if err == nil || !errors.Is(err, syscall.EBUSY) {
		return err
	}
	self := filepath.Join(parent, "chatndev-server")
	if err := os.MkdirAll(self, 0755); err != nil {
		return fmt.Errorf("create server cgroup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(self, "cgroup.procs"), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("move server to leaf cgroup: %w", err)
	}
	return os.WriteFile(control, payload, 0644)
}
