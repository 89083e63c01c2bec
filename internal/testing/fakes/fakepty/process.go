// Package fakepty provides a scriptable stand-in for a shell on a
// pseudo-terminal.
package fakepty

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/whit3rabbit/manus-open/internal/pty"
)

// ErrClosed is returned by Write after Close or Exit.
var ErrClosed = errors.New("fake process closed")

// Process is a fake shell process. Output is injected with Emit and input
// is captured for inspection.
type Process struct {
	mu        sync.Mutex
	out       chan []byte
	pending   []byte
	written   bytes.Buffer
	responder func(input string) string
	ignoreSig bool
	writeErr  error
	exitCode  int
	exited    bool
	closed    bool
	terminate int

	done    chan struct{}
	outDone chan struct{}
	pid     int
}

// NewProcess creates a running fake process.
func NewProcess(pid int) *Process {
	return &Process{
		out:      make(chan []byte, 256),
		done:     make(chan struct{}),
		outDone:  make(chan struct{}),
		exitCode: -1,
		pid:      pid,
	}
}

// Emit queues output as if the shell had printed it. Output emitted after
// exit is discarded.
func (p *Process) Emit(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.out <- []byte(s)
}

// SetResponder installs a function whose result is emitted after each write,
// which is enough to simulate echo and prompts.
func (p *Process) SetResponder(fn func(input string) string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responder = fn
}

// IgnoreSignals makes Terminate wait out the grace period before the
// forced kill, like a shell that traps SIGHUP and SIGTERM.
func (p *Process) IgnoreSignals() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ignoreSig = true
}

// FailWrites makes every Write return err.
func (p *Process) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Exit ends the process with code. Pending output stays readable.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitLocked(code)
}

func (p *Process) exitLocked(code int) {
	if p.exited {
		return
	}
	p.exited = true
	p.exitCode = code
	close(p.out)
	close(p.done)
}

// Written returns everything written to the process so far.
func (p *Process) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// Terminations returns how often Terminate was called.
func (p *Process) Terminations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminate
}

// Read returns emitted output, then io.EOF once the process has exited or
// been closed.
func (p *Process) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	select {
	case chunk, ok := <-p.out:
		if !ok {
			return 0, io.EOF
		}
		n := copy(b, chunk)
		if n < len(chunk) {
			p.mu.Lock()
			p.pending = append(p.pending, chunk[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case <-p.outDone:
		return 0, io.EOF
	}
}

// Write captures input and emits the responder's reply.
func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	if p.exited || p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	p.written.Write(b)
	responder := p.responder
	p.mu.Unlock()

	if responder != nil {
		if reply := responder(string(b)); reply != "" {
			p.Emit(reply)
		}
	}
	return len(b), nil
}

// Pid returns the fake process id.
func (p *Process) Pid() int {
	return p.pid
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code, or -1 while running or when killed.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Terminate exits the process. If signals are ignored it first waits for
// grace, then force-kills.
func (p *Process) Terminate(grace time.Duration) error {
	p.mu.Lock()
	p.terminate++
	ignore := p.ignoreSig
	p.mu.Unlock()

	if ignore {
		select {
		case <-p.done:
			return nil
		case <-time.After(grace):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitLocked(-1)
	return nil
}

// Close releases the terminal. Reads return io.EOF afterwards.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.outDone)
	p.exitLocked(-1)
	return nil
}

// Spawner hands out fake processes and records how they were requested.
type Spawner struct {
	mu      sync.Mutex
	procs   []*Process
	options []pty.Options
	fail    error
	setup   func(*Process)
	nextPid int
}

// NewSpawner creates a Spawner. setup, if non-nil, runs on every new
// process before it is returned.
func NewSpawner(setup func(*Process)) *Spawner {
	return &Spawner{setup: setup, nextPid: 1000}
}

// Fail makes subsequent spawns return err; nil restores success.
func (s *Spawner) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Spawn creates a new fake process.
func (s *Spawner) Spawn(opts pty.Options) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.options = append(s.options, opts)
	if s.fail != nil {
		return nil, s.fail
	}
	s.nextPid++
	proc := NewProcess(s.nextPid)
	if s.setup != nil {
		s.setup(proc)
	}
	s.procs = append(s.procs, proc)
	return proc, nil
}

// Processes returns every process spawned so far, oldest first.
func (s *Spawner) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Last returns the newest process, or nil.
func (s *Spawner) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// Options returns the options of every spawn attempt.
func (s *Spawner) Options() []pty.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pty.Options(nil), s.options...)
}
