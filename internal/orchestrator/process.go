package orchestrator

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ehrlich-b/chatndev/internal/sandbox"
)

// Process is a command running in a sandbox. Output lines arrive in order on
// Output, which is closed before the exit code is delivered on Exit.
type Process struct {
	Command string
	Args    []string
	Dir     string

	cmd    *exec.Cmd
	output chan string
	exit   chan int
	done   chan struct{}
	code   int

	// watched is closed once the orchestrator has finished reacting to the
	// exit.
	watched chan struct{}
}

func newProcess(cmd *exec.Cmd) *Process {
	p := &Process{
		Command: cmd.Path,
		Args:    cmd.Args[1:],
		Dir:     cmd.Dir,
		cmd:     cmd,
		output:  make(chan string, 256),
		exit:    make(chan int, 1),
		done:    make(chan struct{}),
		watched: make(chan struct{}),
	}
	return p
}

func (p *Process) Output() <-chan string { return p.output }

// Exit delivers the exit code once. Killed processes report -1.
func (p *Process) Exit() <-chan int { return p.exit }

func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode is valid after Done is closed.
func (p *Process) ExitCode() int {
	<-p.done
	return p.code
}

func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Signal sends sig to the process and its children.
func (p *Process) Signal(sig syscall.Signal) error {
	return sandbox.SignalGroup(p.cmd, sig)
}

// Kill ends the process group immediately.
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// finish records the exit once output is flushed.
func (p *Process) finish(waitErr error) {
	p.code = exitCode(p.cmd, waitErr)
	close(p.output)
	p.exit <- p.code
	close(p.exit)
	close(p.done)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

const (
	// partialLineIdle is how long an unterminated line waits for more bytes
	// before it is sent as is.
	partialLineIdle = 100 * time.Millisecond
	maxLineBytes    = 4096
)

// lineWriter splits a byte stream into lines. It is used as both Stdout and
// Stderr, so exec serializes its writes. A trailing partial line is sent
// once the stream has been quiet for idle, or when it grows past
// maxLineBytes.
type lineWriter struct {
	mu     sync.Mutex
	buf    []byte
	out    chan<- string
	idle   time.Duration
	timer  *time.Timer
	closed bool
}

func newLineWriter(out chan<- string) *lineWriter {
	return &lineWriter{out: out, idle: partialLineIdle}
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(b), nil
	}
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLineBytes {
		w.emit(string(w.buf[:maxLineBytes]))
		w.buf = w.buf[maxLineBytes:]
	}
	switch {
	case len(w.buf) == 0:
		if w.timer != nil {
			w.timer.Stop()
		}
	case w.timer == nil:
		w.timer = time.AfterFunc(w.idle, w.flushPartial)
	default:
		w.timer.Reset(w.idle)
	}
	return len(b), nil
}

func (w *lineWriter) flushPartial() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || len(w.buf) == 0 {
		return
	}
	w.emit(string(w.buf))
	w.buf = nil
}

// Close sends a trailing partial line. Nothing is sent afterwards.
func (w *lineWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) emit(line string) {
	w.out <- strings.TrimRight(line, "\r")
}

var _ io.Writer = (*lineWriter)(nil)
