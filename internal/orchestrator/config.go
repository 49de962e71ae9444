package orchestrator

import (
	"time"

	"github.com/ehrlich-b/chatndev/internal/sandbox"
)

// Config describes how a room's project is installed and run.
type Config struct {
	// Manifests trigger the install stage when any is present at the root.
	Manifests []string
	Install   []string
	Run       []string
	// ReadyMarkers are substrings of run output that mean the program is
	// serving.
	ReadyMarkers []string
	// PreviewHost is the scheme and host of preview URLs.
	PreviewHost string
	// DefaultPort is used when a ready line names no port.
	DefaultPort int
	// AssignPort gives every run a free port through $PORT.
	AssignPort bool
	// UsePTY attaches run processes to a terminal.
	UsePTY bool
	// StopTimeout is how long a process gets between SIGTERM and SIGKILL.
	StopTimeout time.Duration
	Sandbox     sandbox.Config
}

// DefaultConfig runs Node projects the way npm does.
func DefaultConfig() Config {
	return Config{
		Manifests:    []string{"package.json"},
		Install:      []string{"npm", "install"},
		Run:          []string{"npm", "start"},
		ReadyMarkers: []string{"Server listening"},
		PreviewHost:  "http://localhost",
		DefaultPort:  3000,
		StopTimeout:  5 * time.Second,
		Sandbox:      sandbox.Config{Isolation: sandbox.Standard},
	}
}

// withDefaults fills every unset field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Manifests == nil {
		c.Manifests = d.Manifests
	}
	if len(c.Install) == 0 {
		c.Install = d.Install
	}
	if len(c.Run) == 0 {
		c.Run = d.Run
	}
	if len(c.ReadyMarkers) == 0 {
		c.ReadyMarkers = d.ReadyMarkers
	}
	if c.PreviewHost == "" {
		c.PreviewHost = d.PreviewHost
	}
	if c.DefaultPort == 0 {
		c.DefaultPort = d.DefaultPort
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}
