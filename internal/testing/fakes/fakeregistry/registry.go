// Package fakeregistry provides a scripted session registry for testing
// tool and route handlers without spawning shells.
package fakeregistry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/whit3rabbit/manus-open/internal/session"
)

// Call records one registry invocation.
type Call struct {
	Op      string
	ID      string
	Data    string
	Enter   bool
	Full    bool
	Timeout time.Duration
}

type fakeSession struct {
	status     session.Status
	generation int
	output     []string
	seen       map[string]int
}

// Registry is a fake registry. Sessions are created on write and run.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	calls    []Call

	// RunFunc, if set, answers Run instead of the default echo.
	RunFunc func(id, command string, timeout time.Duration) (session.RunResult, error)

	// Err, if set, is returned by every operation.
	Err error
}

// New creates an empty fake Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*fakeSession)}
}

// AddSession registers a running session with the given output lines.
func (r *Registry) AddSession(id string, output ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &fakeSession{
		status:     session.StatusWaitingInput,
		generation: 1,
		output:     output,
		seen:       make(map[string]int),
	}
}

// Calls returns the recorded calls in order.
func (r *Registry) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Status returns the status of id, or "" when unknown.
func (r *Registry) Status(id string) session.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s.status
	}
	return ""
}

func (r *Registry) record(c Call) error {
	r.calls = append(r.calls, c)
	return r.Err
}

func (r *Registry) getOrCreate(id string) *fakeSession {
	s, ok := r.sessions[id]
	if !ok {
		s = &fakeSession{status: session.StatusRunning, generation: 1, seen: make(map[string]int)}
		r.sessions[id] = s
	}
	return s
}

func (r *Registry) lookup(id string) (*fakeSession, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}

// Write appends the text to the session's output, creating the session.
func (r *Registry) Write(_ context.Context, id, data string, enter bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(Call{Op: "write", ID: id, Data: data, Enter: enter}); err != nil {
		return err
	}
	s := r.getOrCreate(id)
	if s.status.Terminal() {
		return session.ErrSessionNotRunning
	}
	s.output = append(s.output, data)
	return nil
}

// View returns unseen output lines for consumer, or all of them with full.
func (r *Registry) View(_ context.Context, id string, full bool, consumer string) (session.View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(Call{Op: "view", ID: id, Full: full}); err != nil {
		return session.View{}, err
	}
	s, err := r.lookup(id)
	if err != nil {
		return session.View{}, err
	}
	lines := s.output
	if !full {
		lines = s.output[s.seen[consumer]:]
	}
	s.seen[consumer] = len(s.output)

	out := strings.Join(lines, "\n")
	if out != "" {
		out += "\n"
	}
	return session.View{
		SessionID:  id,
		Status:     s.status,
		Generation: s.generation,
		Seq:        uint64(len(s.output)),
		Output:     out,
	}, nil
}

// Kill marks the session killed.
func (r *Registry) Kill(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(Call{Op: "kill", ID: id}); err != nil {
		return err
	}
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	switch s.status {
	case session.StatusExited:
		return session.ErrSessionNotRunning
	case session.StatusKilled:
		return nil
	}
	s.status = session.StatusKilled
	return nil
}

// Reset starts a new generation with empty output.
func (r *Registry) Reset(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(Call{Op: "reset", ID: id}); err != nil {
		return err
	}
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.reset()
	return nil
}

// ResetAll resets every session.
func (r *Registry) ResetAll(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(Call{Op: "reset_all"}); err != nil {
		return err
	}
	for _, s := range r.sessions {
		s.reset()
	}
	return nil
}

func (s *fakeSession) reset() {
	s.status = session.StatusRunning
	s.generation++
	s.output = nil
	s.seen = make(map[string]int)
}

// Run answers with RunFunc, or echoes the command back as its output.
func (r *Registry) Run(_ context.Context, id, command string, timeout time.Duration) (session.RunResult, error) {
	r.mu.Lock()
	if err := r.record(Call{Op: "run", ID: id, Data: command, Timeout: timeout}); err != nil {
		r.mu.Unlock()
		return session.RunResult{}, err
	}
	s := r.getOrCreate(id)
	s.status = session.StatusWaitingInput
	fn := r.RunFunc
	r.mu.Unlock()

	if fn != nil {
		return fn(id, command, timeout)
	}
	return session.RunResult{
		SessionID: id,
		Output:    command + "\n",
		Status:    session.StatusWaitingInput,
		Prompt:    "ubuntu@sandbox:~$",
	}, nil
}

// List returns a summary of every session, sorted by id.
func (r *Registry) List() []session.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.Info, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, session.Info{ID: id, Status: s.status, Generation: s.generation})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
