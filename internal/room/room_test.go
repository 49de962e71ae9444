package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/chatndev/internal/auth"
	"github.com/ehrlich-b/chatndev/internal/filetree"
	"github.com/ehrlich-b/chatndev/internal/ws"
)

type fakeRunner struct {
	closed atomic.Int32
	emit   Emitter
}

func (f *fakeRunner) Sync(context.Context, filetree.Tree) error { return nil }
func (f *fakeRunner) Run(context.Context) error                  { return nil }
func (f *fakeRunner) Stop() error                                { return nil }
func (f *fakeRunner) Close() error {
	f.closed.Add(1)
	return nil
}

func newMember(name string) *Member {
	return NewMember(auth.Identity{ID: name, Email: name + "@example.com"}, 16)
}

func drain(m *Member) []string {
	var out []string
	for {
		f, ok := m.Next()
		if !ok {
			return out
		}
		out = append(out, string(f))
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg := NewRegistry(nil, nil)
	a, b, c := newMember("a"), newMember("b"), newMember("c")
	reg.Join("p1", a, nil)
	reg.Join("p1", b, nil)
	reg.Join("p2", c, nil)

	n := reg.Broadcast("p1", []byte("hello"), a.ID)
	assert.Equal(t, 1, n)
	assert.Empty(t, drain(a))
	assert.Equal(t, []string{"hello"}, drain(b))
	assert.Empty(t, drain(c), "other rooms never see the frame")
}

func TestBroadcastUnknownRoom(t *testing.T) {
	reg := NewRegistry(nil, nil)
	assert.Zero(t, reg.Broadcast("nope", []byte("x"), ""))
}

func TestBackedUpMemberSkipsOutputOnly(t *testing.T) {
	reg := NewRegistry(nil, nil)
	slow := NewMember(auth.Identity{ID: "slow"}, 2)
	fast := newMember("fast")
	r := reg.Join("p", slow, nil)
	reg.Join("p", fast, nil)

	for i := 1; i <= 5; i++ {
		require.NoError(t, r.BroadcastOutput(ws.SandboxOutput{Stage: "run", Line: fmt.Sprint(i)}))
	}
	require.NoError(t, r.BroadcastEvent(ws.TypeSandboxReady, ws.SandboxReady{URL: "http://localhost:3000", Port: 3000}, ""))

	assert.Equal(t, int64(3), slow.Dropped())
	var lines []string
	var skipped int
	var ready int
	for _, raw := range drain(slow) {
		var f ws.Frame
		require.NoError(t, json.Unmarshal([]byte(raw), &f))
		switch f.Type {
		case ws.TypeSandboxOutput:
			var out ws.SandboxOutput
			require.NoError(t, f.Decode(&out))
			lines = append(lines, out.Line)
			skipped += out.Skipped
		case ws.TypeSandboxReady:
			ready++
		}
	}
	assert.Equal(t, []string{"1", "2", "[3 lines skipped]"}, lines)
	assert.Equal(t, 3, skipped)
	assert.Equal(t, 1, ready, "control frames are never skipped")
	assert.False(t, slow.Overflowed())
	assert.Len(t, drain(fast), 6)
}

func TestMemberTooFarBehindIsClosed(t *testing.T) {
	reg := NewRegistry(nil, nil)
	slow := NewMember(auth.Identity{ID: "slow"}, 1)
	r := reg.Join("p", slow, nil)

	for i := 0; i < reliableFactor; i++ {
		r.Broadcast([]byte(fmt.Sprint(i)), "")
	}
	select {
	case <-slow.Done():
		t.Fatal("closed before the queue was full")
	default:
	}

	r.Broadcast([]byte("one too many"), "")
	select {
	case <-slow.Done():
	default:
		t.Fatal("member still open after overflow")
	}
	assert.True(t, slow.Overflowed())
	assert.False(t, slow.Send([]byte("late")))
}

func TestPendingSignalsQueuedFrames(t *testing.T) {
	m := newMember("a")
	require.True(t, m.Send([]byte("x")))
	select {
	case <-m.Pending():
	default:
		t.Fatal("no wake-up after Send")
	}
	f, ok := m.Next()
	require.True(t, ok)
	assert.Equal(t, "x", string(f))
	_, ok = m.Next()
	assert.False(t, ok)
}

func TestConcurrentBroadcastOrderIsShared(t *testing.T) {
	reg := NewRegistry(nil, nil)
	members := make([]*Member, 4)
	for i := range members {
		members[i] = NewMember(auth.Identity{ID: fmt.Sprint(i)}, 1024)
		reg.Join("p", members[i], nil)
	}
	r := reg.Get("p")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Broadcast([]byte(fmt.Sprintf("%d-%d", w, i)), "")
			}
		}(w)
	}
	wg.Wait()

	first := drain(members[0])
	require.Len(t, first, 200)
	for _, m := range members[1:] {
		assert.Equal(t, first, drain(m))
	}
}

func TestLastLeaveDiscardsRoomAndClosesRunner(t *testing.T) {
	var runners []*fakeRunner
	reg := NewRegistry(func(key string, emit Emitter) Runner {
		f := &fakeRunner{emit: emit}
		runners = append(runners, f)
		return f
	}, nil)

	seed := filetree.Tree{"index.js": filetree.File("v1")}
	a, b := newMember("a"), newMember("b")
	r := reg.Join("p", a, seed)
	reg.Join("p", b, nil)
	require.Len(t, runners, 1)
	assert.Same(t, runners[0], r.Runner())

	r.SetTree(filetree.Tree{"index.js": filetree.File("edited")})

	reg.Leave("p", a)
	assert.Equal(t, 1, reg.Len())
	assert.Zero(t, runners[0].closed.Load())
	select {
	case <-a.Done():
	default:
		t.Fatal("member not closed on leave")
	}

	reg.Leave("p", b)
	assert.Zero(t, reg.Len())
	assert.Equal(t, int32(1), runners[0].closed.Load())

	// Rejoining starts from the persisted seed, not the discarded edits.
	r2 := reg.Join("p", newMember("c"), seed)
	assert.NotSame(t, r, r2)
	assert.Equal(t, "v1", r2.Tree()["index.js"].Contents)
	assert.Len(t, runners, 2)
}

func TestRunnerEmitReachesMembers(t *testing.T) {
	var emit Emitter
	reg := NewRegistry(func(key string, e Emitter) Runner {
		emit = e
		return &fakeRunner{}
	}, nil)
	a := newMember("a")
	reg.Join("p", a, nil)

	emit(ws.TypeSandboxState, ws.SandboxState{State: "running"})

	frames := drain(a)
	require.Len(t, frames, 1)
	var f ws.Frame
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &f))
	assert.Equal(t, ws.TypeSandboxState, f.Type)
}

func TestSendAfterCloseFails(t *testing.T) {
	m := newMember("a")
	m.Close()
	m.Close()
	assert.False(t, m.Send([]byte("x")))
}

func TestTreeIsCopied(t *testing.T) {
	reg := NewRegistry(nil, nil)
	seed := filetree.Tree{"a.js": filetree.File("1")}
	r := reg.Join("p", newMember("a"), seed)
	seed["a.js"] = filetree.File("mutated")
	got := r.Tree()
	got["b.js"] = filetree.File("2")
	assert.Equal(t, filetree.Tree{"a.js": filetree.File("1")}, r.Tree())
}

func TestCloseAll(t *testing.T) {
	f := &fakeRunner{}
	reg := NewRegistry(func(string, Emitter) Runner { return f }, nil)
	a := newMember("a")
	reg.Join("p", a, nil)
	reg.CloseAll()
	assert.Zero(t, reg.Len())
	assert.Equal(t, int32(1), f.closed.Load())
	assert.False(t, a.Send([]byte("x")))
}
