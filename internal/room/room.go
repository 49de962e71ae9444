// Package room tracks the live members of each project and fans frames out
// to them.
package room

import (
	"context"
	"sync"

	"github.com/ehrlich-b/chatndev/internal/filetree"
	"github.com/ehrlich-b/chatndev/internal/logger"
	"github.com/ehrlich-b/chatndev/internal/metrics"
	"github.com/ehrlich-b/chatndev/internal/ws"
)

// Runner executes a room's file tree. The orchestrator implements it.
type Runner interface {
	Sync(ctx context.Context, tree filetree.Tree) error
	Run(ctx context.Context) error
	Stop() error
	Close() error
}

// Emitter publishes an event to every member of a room.
type Emitter func(typ string, v any)

// RunnerFactory builds the runner for a newly created room.
type RunnerFactory func(key string, emit Emitter) Runner

// Room is the live state of one project: members, the authoritative file
// tree and the attached runner.
type Room struct {
	key     string
	metrics *metrics.Registry

	mu      sync.Mutex
	members map[string]*Member
	tree    filetree.Tree
	runner  Runner

	lane sync.Mutex
}

func (r *Room) Key() string { return r.key }

// Broadcast queues frame for every member except the one with id excluding.
// Frames are issued under the room lock, so all members see the same order.
// A member too far behind to take the frame is closed.
func (r *Room) Broadcast(frame []byte, excluding string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, m := range r.members {
		if id == excluding {
			continue
		}
		if m.Send(frame) {
			n++
			continue
		}
		if m.Overflowed() {
			r.metrics.Dropped()
			logger.Warn("member fell behind, closing", "room", r.key, "member", id)
		}
	}
	return n
}

// BroadcastEvent encodes and broadcasts one event.
func (r *Room) BroadcastEvent(typ string, v any, excluding string) error {
	frame, err := ws.Encode(typ, v)
	if err != nil {
		return err
	}
	r.Broadcast(frame, excluding)
	return nil
}

// BroadcastOutput sends a line of process output to every member. Members
// with a backed-up queue skip it and later get a count of what they missed.
func (r *Room) BroadcastOutput(out ws.SandboxOutput) error {
	frame, err := ws.Encode(ws.TypeSandboxOutput, out)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if !m.SendOutput(frame, out.Stage) {
			r.metrics.Dropped()
		}
	}
	return nil
}

// SendTo queues a frame for a single member.
func (r *Room) SendTo(memberID string, frame []byte) bool {
	r.mu.Lock()
	m := r.members[memberID]
	r.mu.Unlock()
	if m == nil {
		return false
	}
	return m.Send(frame)
}

// Members returns the number of connected members.
func (r *Room) Members() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Tree returns a copy of the room's file tree.
func (r *Room) Tree() filetree.Tree {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Clone()
}

// SetTree replaces the room's file tree.
func (r *Room) SetTree(t filetree.Tree) {
	t = t.Clone()
	if t == nil {
		t = filetree.Tree{}
	}
	r.mu.Lock()
	r.tree = t
	r.mu.Unlock()
}

// Runner returns the attached runner, or nil if the registry has none.
func (r *Room) Runner() Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runner
}

// Exclusive runs fn while holding the room's assistant lane, so requests
// addressed to the assistant in one room are answered one at a time.
func (r *Room) Exclusive(fn func()) {
	r.lane.Lock()
	defer r.lane.Unlock()
	fn()
}
