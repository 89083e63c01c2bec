package session

import (
	"io"
	"time"

	"github.com/whit3rabbit/manus-open/internal/pty"
)

// Process is the shell behind a session. *pty.LocalProcess implements it.
type Process interface {
	io.Reader
	io.Writer

	Pid() int

	// Terminate stops the process tree, escalating to a forced kill after
	// grace, and returns once the shell is reaped.
	Terminate(grace time.Duration) error

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// ExitCode is valid after Done is closed; -1 if killed by a signal.
	ExitCode() int

	// Close releases the terminal and unblocks pending reads.
	Close() error
}

// Spawner starts a shell process.
type Spawner func(opts pty.Options) (Process, error)

// LocalSpawner starts shells on local pseudo-terminals.
func LocalSpawner(opts pty.Options) (Process, error) {
	proc, err := pty.Start(opts)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

var _ Process = (*pty.LocalProcess)(nil)
