package room

import (
	"sync"

	"github.com/ehrlich-b/chatndev/internal/filetree"
	"github.com/ehrlich-b/chatndev/internal/logger"
	"github.com/ehrlich-b/chatndev/internal/metrics"
	"github.com/ehrlich-b/chatndev/internal/ws"
)

// Registry maps project ids to live rooms.
type Registry struct {
	mu        sync.Mutex
	rooms     map[string]*Room
	newRunner RunnerFactory
	metrics   *metrics.Registry
}

// NewRegistry returns an empty registry. newRunner may be nil, in which case
// rooms have no runner.
func NewRegistry(newRunner RunnerFactory, m *metrics.Registry) *Registry {
	return &Registry{
		rooms:     make(map[string]*Room),
		newRunner: newRunner,
		metrics:   m,
	}
}

// Join adds m to the room for key, creating the room seeded with seed if it
// does not exist yet.
func (reg *Registry) Join(key string, m *Member, seed filetree.Tree) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[key]
	if !ok {
		r = &Room{
			key:     key,
			metrics: reg.metrics,
			members: make(map[string]*Member),
		}
		r.SetTree(seed)
		if reg.newRunner != nil {
			r.runner = reg.newRunner(key, func(typ string, v any) {
				var err error
				if out, ok := v.(ws.SandboxOutput); ok {
					err = r.BroadcastOutput(out)
				} else {
					err = r.BroadcastEvent(typ, v, "")
				}
				if err != nil {
					logger.Warn("emit failed", "room", key, "type", typ, "err", err)
				}
			})
		}
		reg.rooms[key] = r
		reg.metrics.SetRooms(len(reg.rooms))
		logger.Info("room created", "room", key)
	}
	r.mu.Lock()
	r.members[m.ID] = m
	r.mu.Unlock()
	return r
}

// Leave removes m. When the room becomes empty it is discarded and its runner
// closed; a later Join starts from a fresh seed.
func (reg *Registry) Leave(key string, m *Member) {
	reg.mu.Lock()
	r, ok := reg.rooms[key]
	if !ok {
		reg.mu.Unlock()
		return
	}
	r.mu.Lock()
	delete(r.members, m.ID)
	empty := len(r.members) == 0
	runner := r.runner
	if empty {
		r.runner = nil
	}
	r.mu.Unlock()
	if empty {
		delete(reg.rooms, key)
		reg.metrics.SetRooms(len(reg.rooms))
	}
	reg.mu.Unlock()

	m.Close()
	if empty {
		logger.Info("room discarded", "room", key)
		if runner != nil {
			if err := runner.Close(); err != nil {
				logger.Warn("close runner", "room", key, "err", err)
			}
		}
	}
}

// Broadcast sends frame to every member of key except excluding. It returns
// the number of members the frame was queued for.
func (reg *Registry) Broadcast(key string, frame []byte, excluding string) int {
	r := reg.Get(key)
	if r == nil {
		return 0
	}
	return r.Broadcast(frame, excluding)
}

// Get returns the live room for key, or nil.
func (reg *Registry) Get(key string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.rooms[key]
}

// Len returns the number of live rooms.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// CloseAll discards every room and closes their runners. Used at shutdown.
func (reg *Registry) CloseAll() {
	reg.mu.Lock()
	rooms := reg.rooms
	reg.rooms = make(map[string]*Room)
	reg.metrics.SetRooms(0)
	reg.mu.Unlock()

	for key, r := range rooms {
		r.mu.Lock()
		runner := r.runner
		r.runner = nil
		for _, m := range r.members {
			m.Close()
		}
		r.mu.Unlock()
		if runner != nil {
			if err := runner.Close(); err != nil {
				logger.Warn("close runner", "room", key, "err", err)
			}
		}
	}
}
