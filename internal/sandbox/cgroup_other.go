//go:build !linux

package sandbox

// cgroupManager is a no-op off Linux.
type cgroupManager struct{}

func newCgroupManager(id string, memLimit uint64, pidLimit uint32) (*cgroupManager, error) {
	return nil, nil
}

func (c *cgroupManager) AddPID(pid int) error { return nil }
func (c *cgroupManager) Destroy() error        { return nil }
