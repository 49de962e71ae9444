// Package orchestrator mounts a room's file tree into a sandbox, installs its
// dependencies, runs it, and reports every step as room events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ehrlich-b/chatndev/internal/filetree"
	"github.com/ehrlich-b/chatndev/internal/logger"
	"github.com/ehrlich-b/chatndev/internal/metrics"
	"github.com/ehrlich-b/chatndev/internal/sandbox"
	"github.com/ehrlich-b/chatndev/internal/ws"
)

var (
	ErrClosed         = errors.New("orchestrator closed")
	ErrNothingMounted = errors.New("no file tree to run")
	ErrProcessActive  = errors.New("a process is already running")
	ErrSpawn          = errors.New("spawn failed")
)

// Orchestrator owns one room's sandbox. Sync, Run and Stop return as soon
// as the request is queued; requests execute one at a time and a newer
// request interrupts the one in progress.
type Orchestrator struct {
	key     string
	cfg     Config
	emit    func(typ string, v any)
	metrics *metrics.Registry
	log     *slog.Logger

	base       context.Context
	cancelBase context.CancelFunc

	lane sync.Mutex
	ops  sync.WaitGroup

	mu        sync.Mutex
	state     State
	gen       uint64
	cancelOp  context.CancelFunc
	requested filetree.Tree
	mounted   filetree.Tree
	sb        sandbox.Sandbox
	proc      *Process
	closed    bool
}

// New returns an idle orchestrator. The sandbox is created on first mount.
func New(key string, cfg Config, emit func(typ string, v any), m *metrics.Registry) *Orchestrator {
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		key:        key,
		cfg:        cfg.withDefaults(),
		emit:       emit,
		metrics:    m,
		log:        logger.With("orchestrator").With("room", key),
		base:       base,
		cancelBase: cancel,
	}
}

// Sync mounts tree, replacing whatever was mounted, then installs and runs
// it. A running program is terminated first.
func (o *Orchestrator) Sync(ctx context.Context, tree filetree.Tree) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tree == nil {
		tree = filetree.Tree{}
	}
	if err := tree.Validate(); err != nil {
		return err
	}
	tree = tree.Clone()
	return o.submit(func() error {
		o.requested = tree
		return nil
	}, func(ctx context.Context) {
		o.mountAndRun(ctx, tree)
	})
}

// Run restarts the program for the latest synced tree.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var tree filetree.Tree
	return o.submit(func() error {
		if o.requested == nil {
			return ErrNothingMounted
		}
		tree = o.requested
		return nil
	}, func(ctx context.Context) {
		o.mu.Lock()
		sb, mounted := o.sb, o.mounted
		o.mu.Unlock()
		if sb == nil || !tree.Equal(mounted) {
			o.mountAndRun(ctx, tree)
			return
		}
		_ = o.start(ctx, sb)
	})
}

// Stop terminates the running program and abandons any step in progress.
func (o *Orchestrator) Stop() error {
	return o.submit(nil, func(context.Context) {
		o.mu.Lock()
		if o.state.busy() {
			o.setStateLocked(Idle, "")
		}
		o.mu.Unlock()
	})
}

// Close terminates everything and removes the sandbox. Later calls return
// ErrClosed.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.closed = true
	if o.cancelOp != nil {
		o.cancelOp()
	}
	o.cancelBase()
	o.mu.Unlock()

	o.ops.Wait()
	o.terminate()

	o.mu.Lock()
	sb := o.sb
	o.sb = nil
	o.mu.Unlock()
	if sb == nil {
		return nil
	}
	return sb.Destroy()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Dir is the mount directory, empty before the first mount.
func (o *Orchestrator) Dir() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sb == nil {
		return ""
	}
	return o.sb.Dir()
}

// Wait blocks until queued requests have executed.
func (o *Orchestrator) Wait() {
	o.ops.Wait()
}

// submit registers a request and interrupts the current one. prepare runs
// under the state lock and may refuse the request.
func (o *Orchestrator) submit(prepare func() error, op func(context.Context)) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			o.mu.Unlock()
			return err
		}
	}
	o.gen++
	gen := o.gen
	if o.cancelOp != nil {
		o.cancelOp()
	}
	o.ops.Add(1)
	o.mu.Unlock()

	go o.execute(gen, op)
	return nil
}

func (o *Orchestrator) execute(gen uint64, op func(context.Context)) {
	defer o.ops.Done()
	o.lane.Lock()
	defer o.lane.Unlock()

	o.mu.Lock()
	if o.closed || gen != o.gen {
		o.mu.Unlock()
		return
	}
	// Cancelled by the next request or Close; a run process lives until then.
	ctx, cancel := context.WithCancel(o.base)
	o.cancelOp = cancel
	o.mu.Unlock()

	o.terminate()
	op(ctx)
}

func (o *Orchestrator) mountAndRun(ctx context.Context, tree filetree.Tree) {
	o.setState(Mounting, "")
	sb, err := o.sandbox()
	if err != nil {
		o.fail("could not prepare the sandbox", err)
		return
	}

	o.mu.Lock()
	prev := o.mounted
	o.mu.Unlock()
	if err := filetree.Sync(sb.Dir(), prev, tree); err != nil {
		o.fail("could not write the project files", err)
		return
	}
	o.mu.Lock()
	o.mounted = tree
	o.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	if o.needsInstall(tree) {
		o.setState(Installing, "")
		code, err := o.install(ctx, sb)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			o.fail(fmt.Sprintf("could not start %s", o.cfg.Install[0]), err)
			return
		}
		if code != 0 {
			o.emit(ws.TypeSandboxOutput, ws.SandboxOutput{
				Stage: "install",
				Line:  fmt.Sprintf("install exited with code %d", code),
			})
		}
	}
	_ = o.start(ctx, sb)
}

func (o *Orchestrator) needsInstall(tree filetree.Tree) bool {
	for _, m := range o.cfg.Manifests {
		if tree.Has(m) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) install(ctx context.Context, sb sandbox.Sandbox) (int, error) {
	p, err := o.spawn(ctx, sb, o.cfg.Install, false, nil)
	if err != nil {
		return 0, err
	}
	for line := range p.Output() {
		o.emit(ws.TypeSandboxOutput, ws.SandboxOutput{Stage: "install", Line: line})
	}
	code := p.ExitCode()
	o.log.Info("install finished", "code", code)
	return code, nil
}

func (o *Orchestrator) start(ctx context.Context, sb sandbox.Sandbox) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	if o.proc != nil && !o.proc.exited() {
		o.mu.Unlock()
		return ErrProcessActive
	}
	o.mu.Unlock()

	o.setState(Starting, "")
	port := o.cfg.DefaultPort
	if o.cfg.AssignPort {
		if p, err := freePort(); err == nil {
			port = p
		} else {
			o.log.Warn("no free port, using default", "err", err)
		}
	}
	p, err := o.spawn(ctx, sb, o.cfg.Run, o.cfg.UsePTY, []string{"PORT=" + strconv.Itoa(port)})
	if err != nil {
		o.metrics.SandboxRun("spawn_failed")
		o.fail(fmt.Sprintf("could not start %s", o.cfg.Run[0]), err)
		return err
	}

	o.mu.Lock()
	o.proc = p
	o.setStateLocked(Running, "")
	o.mu.Unlock()
	o.metrics.SandboxRun("started")
	o.log.Info("run process started", "pid", p.Pid(), "cmd", strings.Join(o.cfg.Run, " "))

	go o.watch(p, port)
	return nil
}

// watch forwards run output, announces readiness once, and reports the exit.
func (o *Orchestrator) watch(p *Process, fallbackPort int) {
	defer close(p.watched)
	ready := false
	for line := range p.Output() {
		o.emit(ws.TypeSandboxOutput, ws.SandboxOutput{Stage: "run", Line: line})
		if ready || !o.isReady(line) {
			continue
		}
		ready = true
		port := portFromLine(line, fallbackPort)
		o.metrics.SandboxRun("ready")
		o.emit(ws.TypeSandboxReady, ws.SandboxReady{
			URL:  fmt.Sprintf("%s:%d", o.cfg.PreviewHost, port),
			Port: port,
		})
	}

	code := <-p.Exit()
	o.log.Info("run process exited", "code", code)
	o.emit(ws.TypeSandboxExited, ws.SandboxExited{Code: code})
	o.mu.Lock()
	if o.proc == p {
		o.setStateLocked(Exited, "")
	}
	o.mu.Unlock()
}

func (o *Orchestrator) isReady(line string) bool {
	for _, m := range o.cfg.ReadyMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

var portPattern = regexp.MustCompile(`(?i)(?:port\s*[:=]?\s*|:)(\d{2,5})\b`)

// portFromLine finds the port a ready line announces.
func portFromLine(line string, fallback int) int {
	m := portPattern.FindStringSubmatch(line)
	if m == nil {
		return fallback
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port < 1 || port > 65535 {
		return fallback
	}
	return port
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// terminate stops the run process, if any, and waits for its exit to be
// reported.
func (o *Orchestrator) terminate() {
	o.mu.Lock()
	p := o.proc
	o.mu.Unlock()
	if p == nil {
		return
	}
	if !p.exited() {
		_ = p.Signal(syscall.SIGTERM)
		select {
		case <-p.Done():
		case <-time.After(o.cfg.StopTimeout):
			o.log.Warn("run process ignored SIGTERM, killing", "pid", p.Pid())
			_ = p.Kill()
			<-p.Done()
		}
	}
	<-p.watched

	o.mu.Lock()
	if o.proc == p {
		o.proc = nil
	}
	o.mu.Unlock()
}

func (o *Orchestrator) sandbox() (sandbox.Sandbox, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sb != nil {
		return o.sb, nil
	}
	sb, err := sandbox.New(o.cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	o.sb = sb
	return sb, nil
}

// spawn starts argv in the sandbox. Cancelling ctx sends SIGTERM to the
// process group and SIGKILL after StopTimeout.
func (o *Orchestrator) spawn(ctx context.Context, sb sandbox.Sandbox, argv []string, usePTY bool, env []string) (*Process, error) {
	cmd, err := sb.Exec(ctx, argv[0], argv[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, argv[0], err)
	}
	cmd.Env = append(cmd.Env, env...)
	cmd.Cancel = func() error { return sandbox.SignalGroup(cmd, syscall.SIGTERM) }
	cmd.WaitDelay = o.cfg.StopTimeout

	p := newProcess(cmd)
	w := newLineWriter(p.output)

	if usePTY {
		ptmx, err := startPTY(cmd)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, argv[0], err)
		}
		o.attach(sb, p)
		copied := make(chan struct{})
		go func() {
			_, _ = io.Copy(w, ptmx)
			close(copied)
		}()
		go func() {
			err := cmd.Wait()
			select {
			case <-copied:
			case <-time.After(o.cfg.StopTimeout):
			}
			ptmx.Close()
			<-copied
			w.Close()
			p.finish(err)
		}()
		return p, nil
	}

	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, argv[0], err)
	}
	o.attach(sb, p)
	go func() {
		err := cmd.Wait()
		w.Close()
		p.finish(err)
	}()
	return p, nil
}

func (o *Orchestrator) attach(sb sandbox.Sandbox, p *Process) {
	if err := sb.Attach(p.Pid()); err != nil {
		o.log.Warn("resource limits not applied", "pid", p.Pid(), "err", err)
	}
}

func (o *Orchestrator) setState(s State, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setStateLocked(s, msg)
}

func (o *Orchestrator) setStateLocked(s State, msg string) {
	o.state = s
	o.emit(ws.TypeSandboxState, ws.SandboxState{State: s.String(), Error: msg})
}

// fail reports a step failure. Nothing is retried.
func (o *Orchestrator) fail(msg string, err error) {
	o.log.Error("sandbox step failed", "msg", msg, "err", err)
	o.setState(Failed, msg)
}
