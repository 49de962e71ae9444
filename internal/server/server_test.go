package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/chatndev/internal/assistant"
	"github.com/ehrlich-b/chatndev/internal/auth"
	"github.com/ehrlich-b/chatndev/internal/filetree"
	"github.com/ehrlich-b/chatndev/internal/logger"
	"github.com/ehrlich-b/chatndev/internal/metrics"
	"github.com/ehrlich-b/chatndev/internal/orchestrator"
	"github.com/ehrlich-b/chatndev/internal/room"
	"github.com/ehrlich-b/chatndev/internal/router"
	"github.com/ehrlich-b/chatndev/internal/store"
	"github.com/ehrlich-b/chatndev/internal/ws"
)

var secret = []byte("test-secret-0123456789")

var (
	alice = auth.Identity{ID: "u-alice", Email: "alice@example.com"}
	bob   = auth.Identity{ID: "u-bob", Email: "bob@example.com"}
)

type echoGen struct{}

func (echoGen) Generate(_ context.Context, prompt string) (string, error) {
	if prompt == "fail" {
		return "", errors.New("generator unavailable")
	}
	return `{"text":"echo: ` + prompt + `"}`, nil
}

func (echoGen) Name() string { return "echo" }

// fakeRunner records sandbox requests. Run reports nothing mounted until
// Sync has been called.
type fakeRunner struct {
	mu    sync.Mutex
	syncs []filetree.Tree
	runs  int
	stops int
}

func (f *fakeRunner) Sync(_ context.Context, t filetree.Tree) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, t)
	return nil
}

func (f *fakeRunner) Run(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.syncs) == 0 {
		return orchestrator.ErrNothingMounted
	}
	f.runs++
	return nil
}

func (f *fakeRunner) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeRunner) Close() error { return nil }

func (f *fakeRunner) counts() (syncs, runs, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.syncs), f.runs, f.stops
}

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	store  *store.Store
	rooms  *room.Registry
	runner *fakeRunner
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	runner := &fakeRunner{}
	e := newEnvWith(t, func(string, room.Emitter) room.Runner { return runner })
	e.runner = runner
	return e
}

// newEnvWith builds a server whose rooms get runners from newRunner.
func newEnvWith(t *testing.T, newRunner room.RunnerFactory) *testEnv {
	t.Helper()
	logger.Discard()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m := metrics.New()
	rooms := room.NewRegistry(newRunner, m)
	rt := router.New(router.Options{
		Pipeline:  assistant.New(echoGen{}, time.Second, m),
		Recorder:  store.NewRecorder(st, 16, m),
		Trees:     st,
		Metrics:   m,
		Serialize: true,
	})
	srv := New(Options{
		Store:          st,
		Rooms:          rooms,
		Router:         rt,
		Verifier:       auth.NewVerifier(secret),
		Metrics:        m,
		AllowedOrigins: []string{"http://localhost:5173"},
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(rooms.CloseAll)
	return &testEnv{srv: srv, ts: ts, store: st, rooms: rooms}
}

func token(t *testing.T, id auth.Identity) string {
	t.Helper()
	tok, err := auth.Issue(secret, id, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *testEnv) project(t *testing.T, tree filetree.Tree) *store.Project {
	t.Helper()
	p, err := e.store.CreateProject("demo", []string{alice.ID, bob.ID}, tree)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (e *testEnv) wsURL(projectID string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?projectId=" + projectID
}

func (e *testEnv) dial(t *testing.T, projectID string, id auth.Identity) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, e.wsURL(projectID), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token(t, id)}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	// Every join starts with the room's tree.
	if f := readFrame(t, conn); f.Type != ws.TypeFileTree {
		t.Fatalf("first frame = %q, want file-tree", f.Type)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ws.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f ws.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return f
}

func writeRaw(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expectClose dials and reports the close status and reason the server sent.
func expectClose(t *testing.T, url string, header http.Header) (websocket.StatusCode, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	_, _, err = conn.Read(ctx)
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected close error, got %v", err)
	}
	return ce.Code, ce.Reason
}

func TestHandshakeRejections(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, nil)
	good := http.Header{"Authorization": {"Bearer " + token(t, alice)}}

	tests := []struct {
		name   string
		url    string
		header http.Header
		reason string
	}{
		{"malformed project id", e.wsURL("not-a-uuid"), good, "Invalid projectId"},
		{"missing project id", e.wsURL(""), good, "Invalid projectId"},
		{"unknown project", e.wsURL("3f1c1e2a-7d5b-4c1e-9a53-1f6e2b7c8d90"), good, "Invalid projectId"},
		{"no token", e.wsURL(p.ID), nil, "Authentication error"},
		{"bad token", e.wsURL(p.ID), http.Header{"Authorization": {"Bearer nope"}}, "Authentication error"},
		// The project is checked before the credential.
		{"bad project and token", e.wsURL("x"), nil, "Invalid projectId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, reason := expectClose(t, tt.url, tt.header)
			if code != websocket.StatusPolicyViolation {
				t.Errorf("code = %v, want policy violation", code)
			}
			if reason != tt.reason {
				t.Errorf("reason = %q, want %q", reason, tt.reason)
			}
		})
	}
	if e.rooms.Len() != 0 {
		t.Errorf("rejected handshakes created %d rooms", e.rooms.Len())
	}
}

func TestJoinSendsSeedTree(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, filetree.Tree{"index.js": filetree.File("start()")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, e.wsURL(p.ID)+"&token="+token(t, alice), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	f := readFrame(t, conn)
	var msg ws.FileTreeMsg
	if err := f.Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.FileTree["index.js"].Contents != "start()" {
		t.Errorf("seed tree = %v", msg.FileTree)
	}
}

func TestSubprotocolToken(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, e.wsURL(p.ID), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol, auth.ProtocolPrefix + token(t, bob)},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	if conn.Subprotocol() != Subprotocol {
		t.Errorf("subprotocol = %q", conn.Subprotocol())
	}
	if f := readFrame(t, conn); f.Type != ws.TypeFileTree {
		t.Errorf("first frame = %q", f.Type)
	}
}

func TestRelayToOthers(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, nil)
	a := e.dial(t, p.ID, alice)
	b := e.dial(t, p.ID, bob)

	raw := `{"message":"hello bob","sender":{"id":"u-alice","email":"alice@example.com"}}`
	writeRaw(t, a, `{"type":"project-message","data":`+raw+`}`)

	f := readFrame(t, b)
	if f.Type != ws.TypeProjectMessage || string(f.Data) != raw {
		t.Errorf("bob got %s %s", f.Type, f.Data)
	}

	// Alice does not hear her own message: her next frame is the reply flow
	// for the message after it.
	writeRaw(t, a, `{"type":"project-message","data":{"message":"@ai ping","sender":{"id":"u-alice","email":"alice@example.com"}}}`)
	if f := readFrame(t, a); f.Type != ws.TypeAIProcessing {
		t.Errorf("alice's next frame = %s %s", f.Type, f.Data)
	}
}

func TestAssistantFlow(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, nil)
	a := e.dial(t, p.ID, alice)
	b := e.dial(t, p.ID, bob)

	writeRaw(t, a, `{"type":"project-message","data":{"message":"@ai write hello","sender":{"id":"u-alice","email":"alice@example.com"}}}`)

	if f := readFrame(t, b); f.Type != ws.TypeProjectMessage {
		t.Fatalf("frame 1 = %s", f.Type)
	}
	var proc ws.AIProcessing
	f := readFrame(t, b)
	if f.Type != ws.TypeAIProcessing || f.Decode(&proc) != nil || !proc.Processing {
		t.Fatalf("frame 2 = %s %s", f.Type, f.Data)
	}
	var reply ws.ProjectMessage
	f = readFrame(t, b)
	if f.Type != ws.TypeProjectMessage || f.Decode(&reply) != nil {
		t.Fatalf("frame 3 = %s %s", f.Type, f.Data)
	}
	if reply.Sender != ws.AssistantSender || !reply.IsAIMessage {
		t.Errorf("reply sender = %+v ai=%v", reply.Sender, reply.IsAIMessage)
	}
	if reply.Message.Kind != ws.KindText || reply.Message.Text != "echo: write hello" {
		t.Errorf("reply = %+v", reply.Message)
	}
	f = readFrame(t, b)
	if f.Type != ws.TypeAIProcessing || f.Decode(&proc) != nil || proc.Processing {
		t.Fatalf("frame 4 = %s %s", f.Type, f.Data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.srv.Drain(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestAssistantFailureReachesEveryMember(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, nil)
	a := e.dial(t, p.ID, alice)
	b := e.dial(t, p.ID, bob)

	writeRaw(t, a, `{"type":"project-message","data":{"message":"@ai fail","sender":{"id":"u-alice","email":"alice@example.com"}}}`)

	if f := readFrame(t, b); f.Type != ws.TypeProjectMessage {
		t.Fatalf("bob frame 1 = %s", f.Type)
	}
	for name, conn := range map[string]*websocket.Conn{"alice": a, "bob": b} {
		var proc ws.AIProcessing
		f := readFrame(t, conn)
		if f.Type != ws.TypeAIProcessing || f.Decode(&proc) != nil || !proc.Processing {
			t.Fatalf("%s: processing on = %s %s", name, f.Type, f.Data)
		}
		var reply ws.ProjectMessage
		f = readFrame(t, conn)
		if f.Type != ws.TypeProjectMessage || f.Decode(&reply) != nil {
			t.Fatalf("%s: reply = %s %s", name, f.Type, f.Data)
		}
		if reply.Message.Text != assistant.Apology || reply.Sender != ws.AssistantSender {
			t.Errorf("%s: reply = %+v from %+v", name, reply.Message, reply.Sender)
		}
		f = readFrame(t, conn)
		if f.Type != ws.TypeAIProcessing || f.Decode(&proc) != nil || proc.Processing {
			t.Fatalf("%s: processing off = %s %s", name, f.Type, f.Data)
		}
	}
}

func TestInvalidMessageGetsError(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, nil)
	a := e.dial(t, p.ID, alice)

	cases := []string{
		`not json`,
		`{"type":"project-message","data":{"sender":{"id":"u-alice"}}}`,
		`{"type":"project-message","data":{"message":"hi","sender":{"id":"u-bob"}}}`,
		`{"type":"project-message"}`,
		`{"type":"mystery"}`,
		`{"type":"file-tree","data":{"fileTree":{"../x":"y"}}}`,
	}
	for _, c := range cases {
		writeRaw(t, a, c)
		if f := readFrame(t, a); f.Type != ws.TypeError {
			t.Errorf("%s: got %s, want error", c, f.Type)
		}
	}
}

func TestFileTreeEvent(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, nil)
	a := e.dial(t, p.ID, alice)
	b := e.dial(t, p.ID, bob)

	writeRaw(t, a, `{"type":"file-tree","data":{"fileTree":{"app.js":{"file":{"contents":"x"}}}}}`)
	f := readFrame(t, b)
	var msg ws.FileTreeMsg
	if f.Type != ws.TypeFileTree || f.Decode(&msg) != nil || !msg.FileTree.Has("app.js") {
		t.Fatalf("bob got %s %s", f.Type, f.Data)
	}

	eventually(t, "tree persisted", func() bool {
		got, err := e.store.GetProject(p.ID)
		return err == nil && got.FileTree.Has("app.js")
	})
	eventually(t, "runner synced", func() bool {
		syncs, _, _ := e.runner.counts()
		return syncs == 1
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("timed out waiting for %s", what)
}

func TestSandboxControl(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, filetree.Tree{"index.js": filetree.File("x")})
	a := e.dial(t, p.ID, alice)

	// First run of a seeded room mounts the seed.
	writeRaw(t, a, `{"type":"sandbox.run"}`)
	writeRaw(t, a, `{"type":"sandbox.run"}`)
	writeRaw(t, a, `{"type":"sandbox.stop"}`)

	eventually(t, "one sync, run and stop", func() bool {
		s, r, st := e.runner.counts()
		return s == 1 && r == 1 && st == 1
	})
}

func TestLastLeaveDiscardsRoom(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, nil)
	a := e.dial(t, p.ID, alice)
	if e.rooms.Len() != 1 {
		t.Fatalf("rooms = %d", e.rooms.Len())
	}
	a.Close(websocket.StatusNormalClosure, "bye")

	eventually(t, "room discarded", func() bool { return e.rooms.Len() == 0 })
}

func do(t *testing.T, e *testEnv, method, path, body string, id *auth.Identity) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if id != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, *id))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var out map[string]any
	json.Unmarshal(data, &out)
	return resp, out
}

func TestMessageEndpoints(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, nil)
	base := "/projects/" + p.ID + "/messages"

	for _, body := range []string{
		`{"message":"first"}`,
		`{"message":{"poem":{"title":"T","author":"A","lines":["l"]}}}`,
		`{"message":"third"}`,
	} {
		resp, _ := do(t, e, "POST", base, body, &alice)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("POST status = %d", resp.StatusCode)
		}
	}
	if resp, _ := do(t, e, "POST", base, `{}`, &alice); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST without message = %d", resp.StatusCode)
	}

	resp, page := do(t, e, "GET", base+"?page=1&limit=2", "", &alice)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	if page["total"] != float64(3) || page["pages"] != float64(2) {
		t.Errorf("page = %v", page)
	}
	msgs := page["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["message"] != "third" {
		t.Errorf("page 1 = %v", msgs)
	}

	_, recent := do(t, e, "GET", base+"/recent?limit=2", "", &alice)
	rm := recent["messages"].([]any)
	if len(rm) != 2 || rm[1].(map[string]any)["message"] != "third" {
		t.Errorf("recent = %v", rm)
	}
	if poem, ok := rm[0].(map[string]any)["message"].(map[string]any); !ok || poem["poem"] == nil {
		t.Errorf("poem content not preserved: %v", rm[0])
	}

	if resp, _ := do(t, e, "GET", base+"?limit=0", "", &alice); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d", resp.StatusCode)
	}

	_, del := do(t, e, "DELETE", base, "", &alice)
	if del["deleted"] != float64(3) {
		t.Errorf("delete = %v", del)
	}
}

func TestHTTPAuthAndLookup(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, nil)

	if resp, _ := do(t, e, "GET", "/projects/"+p.ID, "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token = %d", resp.StatusCode)
	}
	if resp, _ := do(t, e, "GET", "/projects/bad", "", &alice); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id = %d", resp.StatusCode)
	}
	if resp, _ := do(t, e, "GET", "/projects/3f1c1e2a-7d5b-4c1e-9a53-1f6e2b7c8d90", "", &alice); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id = %d", resp.StatusCode)
	}
	resp, got := do(t, e, "GET", "/projects/"+p.ID, "", &alice)
	if resp.StatusCode != http.StatusOK || got["id"] != p.ID {
		t.Errorf("get project = %d %v", resp.StatusCode, got)
	}
}

func TestCreateAndListProjects(t *testing.T) {
	e := newEnv(t)
	resp, created := do(t, e, "POST", "/projects", `{"name":"todo app","fileTree":{"a.js":"1"}}`, &alice)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d %v", resp.StatusCode, created)
	}
	_, list := do(t, e, "GET", "/projects", "", &alice)
	if ps := list["projects"].([]any); len(ps) != 1 {
		t.Errorf("alice projects = %v", ps)
	}
	_, list = do(t, e, "GET", "/projects", "", &bob)
	if ps := list["projects"].([]any); len(ps) != 0 {
		t.Errorf("bob projects = %v", ps)
	}
}

func TestPutFileTreeUpdatesLiveRoom(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, nil)
	b := e.dial(t, p.ID, bob)

	resp, _ := do(t, e, "PUT", "/projects/"+p.ID+"/file-tree", `{"fileTree":{"server.js":"listen()"}}`, &alice)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT = %d", resp.StatusCode)
	}
	f := readFrame(t, b)
	var msg ws.FileTreeMsg
	if f.Type != ws.TypeFileTree || f.Decode(&msg) != nil || !msg.FileTree.Has("server.js") {
		t.Errorf("bob got %s %s", f.Type, f.Data)
	}

	if resp, _ := do(t, e, "PUT", "/projects/"+p.ID+"/file-tree", `{"fileTree":{"../x":"y"}}`, &alice); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("traversal PUT = %d", resp.StatusCode)
	}
}

func TestHeaders(t *testing.T) {
	e := newEnv(t)
	req, _ := http.NewRequest("OPTIONS", e.ts.URL+"/projects", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow origin = %q", got)
	}
	if got := resp.Header.Get("Cross-Origin-Embedder-Policy"); got != "require-corp" {
		t.Errorf("COEP = %q", got)
	}

	req, _ = http.NewRequest("GET", e.ts.URL+"/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS granted to an unlisted origin")
	}
	if resp.Header.Get("Cross-Origin-Opener-Policy") != "same-origin" {
		t.Error("COOP missing")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	expectClose(t, e.wsURL("bad"), nil)

	resp, err := http.Get(e.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `reason="project"`) {
		t.Errorf("rejection not counted:\n%s", body)
	}
}
