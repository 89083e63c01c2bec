// Package pty spawns shell processes attached to a pseudo-terminal and owns
// their termination and reaping.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ErrProcessTimeout is returned when a process did not exit within the
// requested grace period. It only drives escalation to a forced kill.
var ErrProcessTimeout = errors.New("process did not exit within grace period")

// Default terminal settings, matching the sandbox shell.
const (
	DefaultShell = "/bin/bash"
	DefaultTerm  = "xterm-256color"
	DefaultRows  = 24
	DefaultCols  = 80
)

// Options configures process spawning.
type Options struct {
	Shell string   // Shell binary (default: /bin/bash)
	Args  []string // Shell arguments (default: --norc --noprofile for bash)
	Term  string   // TERM value (default: xterm-256color)
	Rows  uint16
	Cols  uint16
	Dir   string   // Initial working directory
	Env   []string // Extra KEY=VALUE pairs appended to the server environment
}

// LocalProcess is a shell running on a local pseudo-terminal.
// Exactly one goroutine waits on the OS process, so it is always reaped.
type LocalProcess struct {
	cmd *exec.Cmd
	pty *os.File

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	waitErr error
}

// Start spawns a shell on a new PTY.
func Start(opts Options) (*LocalProcess, error) {
	opts = withDefaults(opts)

	cmd := exec.Command(opts.Shell, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}

	cmd.Env = append(os.Environ(),
		"TERM="+opts.Term,
		fmt.Sprintf("COLUMNS=%d", opts.Cols),
		fmt.Sprintf("LINES=%d", opts.Rows),
	)
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: opts.Rows,
		Cols: opts.Cols,
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &LocalProcess{
		cmd:  cmd,
		pty:  ptmx,
		done: make(chan struct{}),
	}
	go p.wait()

	return p, nil
}

func withDefaults(opts Options) Options {
	if opts.Shell == "" {
		opts.Shell = DefaultShell
	}
	if opts.Args == nil && isBash(opts.Shell) {
		opts.Args = []string{"--norc", "--noprofile"}
	}
	if opts.Term == "" {
		opts.Term = DefaultTerm
	}
	if opts.Rows == 0 {
		opts.Rows = DefaultRows
	}
	if opts.Cols == 0 {
		opts.Cols = DefaultCols
	}
	return opts
}

func isBash(shell string) bool {
	for i := len(shell) - 1; i >= 0; i-- {
		if shell[i] == '/' {
			return shell[i+1:] == "bash"
		}
	}
	return shell == "bash"
}

// wait reaps the process and records its exit status.
func (p *LocalProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

// Pid returns the OS process id of the shell.
func (p *LocalProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Read reads from the PTY output.
func (p *LocalProcess) Read(b []byte) (int, error) {
	return p.pty.Read(b)
}

// Write writes to the PTY input.
func (p *LocalProcess) Write(b []byte) (int, error) {
	return p.pty.Write(b)
}

// Signal sends a signal to the shell and every descendant it spawned.
func (p *LocalProcess) Signal(sig syscall.Signal) error {
	pid := p.Pid()
	if pid == 0 {
		return fmt.Errorf("process not started")
	}
	if p.Exited() {
		return nil
	}
	return signalTree(pid, sig)
}

// Done is closed once the process has exited and been reaped.
func (p *LocalProcess) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has been reaped.
func (p *LocalProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code once the process has exited, or -1.
func (p *LocalProcess) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// waitTimeout blocks until the process exits or the timeout elapses.
func (p *LocalProcess) waitTimeout(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return ErrProcessTimeout
	}
}

// Terminate asks the process tree to exit (SIGHUP, then SIGTERM) and
// escalates to SIGKILL once grace has elapsed. Descendants are captured
// before the first signal, so a job that ignores the signals is killed even
// when the shell itself exits in time. It returns after the shell has been
// reaped.
func (p *LocalProcess) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}

	deadline := time.Now().Add(grace)
	tree := snapshotTree(p.Pid())

	for _, sig := range []syscall.Signal{syscall.SIGHUP, syscall.SIGTERM} {
		_ = signalEach(tree, sig)
		_ = p.Signal(sig)
	}

	var errs []error
	if err := p.waitTimeout(grace); errors.Is(err, ErrProcessTimeout) {
		if err := p.Signal(syscall.SIGKILL); err != nil {
			errs = append(errs, fmt.Errorf("kill process tree: %w", err))
		}
		<-p.done
	}

	if left := awaitTree(tree, deadline); len(left) > 0 {
		if err := signalEach(left, syscall.SIGKILL); err != nil {
			errs = append(errs, fmt.Errorf("kill descendants: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Close closes the PTY master and kills the shell if it is still running.
// Closing the master unblocks any pending Read.
func (p *LocalProcess) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error

	if err := p.pty.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pty: %w", err))
	}

	if !p.Exited() && p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill process: %w", err))
		}
	}

	return errors.Join(errs...)
}
