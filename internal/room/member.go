package room

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ehrlich-b/chatndev/internal/auth"
	"github.com/ehrlich-b/chatndev/internal/ws"
)

// DefaultOutbox is the per-member frame buffer when none is given.
const DefaultOutbox = 64

// reliableFactor bounds how far chat and control frames may grow the queue
// past the lossy limit before the member is cut off.
const reliableFactor = 4

// Member is one live connection in a room. Frames wait in an ordered queue
// that the connection's writer drains. Process output is admitted only
// while the queue is shorter than the outbox size; anything else is never
// skipped, and a member that falls too far behind is closed instead.
type Member struct {
	ID       string
	Identity auth.Identity

	limit int

	mu           sync.Mutex
	queue        [][]byte
	skipped      int
	skippedStage string

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
	overflow  atomic.Bool
}

func NewMember(id auth.Identity, buffer int) *Member {
	if buffer <= 0 {
		buffer = DefaultOutbox
	}
	return &Member{
		ID:       uuid.NewString(),
		Identity: id,
		limit:    buffer,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Send queues a frame that must be delivered. If the member is so far
// behind that the queue is full even for reliable frames, the member is
// closed and Send returns false.
func (m *Member) Send(frame []byte) bool {
	m.mu.Lock()
	if m.closedLocked() {
		m.mu.Unlock()
		return false
	}
	if len(m.queue) >= m.limit*reliableFactor {
		m.mu.Unlock()
		m.overflow.Store(true)
		m.Close()
		return false
	}
	m.flushSkippedLocked()
	m.queue = append(m.queue, frame)
	m.mu.Unlock()
	m.signal()
	return true
}

// SendOutput queues a process output frame. It is skipped when the queue is
// at the outbox size; the next admitted frame is preceded by one output line
// telling the client how many lines it missed.
func (m *Member) SendOutput(frame []byte, stage string) bool {
	m.mu.Lock()
	if m.closedLocked() {
		m.mu.Unlock()
		return false
	}
	if len(m.queue) >= m.limit {
		m.skipped++
		m.skippedStage = stage
		m.mu.Unlock()
		m.dropped.Add(1)
		return false
	}
	m.flushSkippedLocked()
	m.queue = append(m.queue, frame)
	m.mu.Unlock()
	m.signal()
	return true
}

func (m *Member) flushSkippedLocked() {
	if m.skipped == 0 {
		return
	}
	marker, err := ws.Encode(ws.TypeSandboxOutput, ws.SandboxOutput{
		Stage:   m.skippedStage,
		Line:    fmt.Sprintf("[%d lines skipped]", m.skipped),
		Skipped: m.skipped,
	})
	if err != nil {
		return
	}
	m.queue = append(m.queue, marker)
	m.skipped = 0
}

func (m *Member) closedLocked() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Member) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Pending is signalled after frames are queued. Drain with Next.
func (m *Member) Pending() <-chan struct{} { return m.wake }

// Next dequeues the oldest frame, or returns false if none is waiting.
func (m *Member) Next() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	frame := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return frame, true
}

// Queued returns the number of frames waiting.
func (m *Member) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Member) Done() <-chan struct{} { return m.done }

// Dropped counts output frames skipped because the queue was full.
func (m *Member) Dropped() int64 { return m.dropped.Load() }

// Overflowed reports whether the member was closed for falling behind.
func (m *Member) Overflowed() bool { return m.overflow.Load() }

func (m *Member) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}
