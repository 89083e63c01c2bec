// Package session runs persistent interactive shells. A Session owns one
// process at a time and an expecter goroutine that turns its output into
// history, status changes and events. The Registry serializes operations per
// session id.
package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/whit3rabbit/manus-open/internal/config"
	"github.com/whit3rabbit/manus-open/internal/logging"
	"github.com/whit3rabbit/manus-open/internal/metrics"
	"github.com/whit3rabbit/manus-open/internal/output"
	"github.com/whit3rabbit/manus-open/internal/ports"
	"github.com/whit3rabbit/manus-open/internal/prompt"
	"github.com/whit3rabbit/manus-open/internal/pty"
	"github.com/whit3rabbit/manus-open/internal/recording"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusWaitingInput Status = "waiting_input"
	StatusExited       Status = "exited"
	StatusKilled       Status = "killed"
)

// Terminal reports whether no process is running in this state.
func (s Status) Terminal() bool {
	return s == StatusExited || s == StatusKilled
}

// Settings controls how a session spawns and observes its shell.
type Settings struct {
	Process       pty.Options
	IdleThreshold time.Duration
	KillGrace     time.Duration
	DrainTimeout  time.Duration
	HistoryBytes  int
}

// SettingsFromConfig derives session settings from the terminal config.
// The PS1 marker is exported to the shell so prompts can be recognized.
func SettingsFromConfig(t config.TerminalConfig) Settings {
	env := make([]string, 0, len(t.Env)+1)
	env = append(env, t.Env...)
	if t.PS1 != "" {
		env = append(env, "PS1="+t.PS1)
	}

	return Settings{
		Process: pty.Options{
			Shell: t.Shell,
			Args:  t.Args,
			Term:  t.Term,
			Rows:  t.Rows,
			Cols:  t.Cols,
			Dir:   t.DefaultDir,
			Env:   env,
		},
		IdleThreshold: t.IdleThreshold,
		KillGrace:     t.KillGrace,
		DrainTimeout:  t.DrainTimeout,
		HistoryBytes:  t.HistoryBytes,
	}
}

// Recorder persists terminal I/O. *recording.Manager implements it.
type Recorder interface {
	Start(opts recording.Options) error
	Output(sessionID string, data []byte)
	Input(sessionID string, data []byte, masked bool)
	Stop(sessionID string) error
}

type noopRecorder struct{}

func (noopRecorder) Start(recording.Options) error { return nil }
func (noopRecorder) Output(string, []byte)         {}
func (noopRecorder) Input(string, []byte, bool)    {}
func (noopRecorder) Stop(string) error             { return nil }

// deps are the collaborators a session shares with its registry.
type deps struct {
	spawn    Spawner
	clock    ports.Clock
	sink     EventSink
	detector *prompt.Detector
	shell    *prompt.ShellMatcher
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Session is a persistent shell addressed by id. Mutating methods are not
// meant to be called concurrently; the Registry serializes them.
type Session struct {
	id      string
	deps    deps
	history *output.History
	logger  *slog.Logger
	created time.Time

	mu           sync.Mutex
	settings     Settings
	status       Status
	generation   int
	lastActivity time.Time
	proc         Process
	exp          *expecter
	prompt       *prompt.ShellPrompt
	detection    *prompt.Detection
	exitCode     int
	promptCh     chan struct{}
	promptDue    bool // the shell owes a prompt for its startup or a submitted line
}

func newSession(id string, settings Settings, d deps) *Session {
	now := d.clock.Now()
	return &Session{
		id:           id,
		deps:         d,
		history:      output.NewHistory(settings.HistoryBytes),
		logger:       d.logger.With(slog.String("session_id", id)),
		created:      now,
		settings:     settings,
		status:       StatusStarting,
		lastActivity: now,
		exitCode:     -1,
		promptCh:     make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Generation returns how many processes this id has had.
func (s *Session) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// History returns the output history.
func (s *Session) History() *output.History {
	return s.history
}

// start spawns a new generation. The caller holds the registry token.
func (s *Session) start() error {
	s.mu.Lock()
	s.generation++
	s.status = StatusStarting
	s.prompt = nil
	s.detection = nil
	s.exitCode = -1
	s.promptDue = true
	s.lastActivity = s.deps.clock.Now()
	gen := s.generation
	opts := s.settings.Process
	s.mu.Unlock()

	s.publishStatus(StatusStarting, StatusDetail{Generation: gen})

	proc, err := s.deps.spawn(opts)
	s.deps.metrics.Spawned(err)
	if err != nil {
		s.logger.Error("failed to spawn shell",
			slog.String("shell", opts.Shell),
			slog.String("error", err.Error()),
		)
		s.mu.Lock()
		s.status = StatusExited
		s.mu.Unlock()
		s.publishStatus(StatusExited, StatusDetail{Generation: gen, Error: err.Error()})
		s.notifyPrompt()
		return fmt.Errorf("%w: %w", ErrSpawnFailure, err)
	}

	if err := s.deps.recorder.Start(recording.Options{
		SessionID:  s.id,
		Generation: gen,
		Shell:      opts.Shell,
		Term:       opts.Term,
		Rows:       opts.Rows,
		Cols:       opts.Cols,
	}); err != nil {
		s.logger.Warn("failed to start recording", slog.String("error", err.Error()))
	}

	exp := newExpecter(s, proc, gen)
	s.mu.Lock()
	s.proc = proc
	s.exp = exp
	s.mu.Unlock()

	s.logger.Info("shell started",
		slog.Int("pid", proc.Pid()),
		slog.Int("generation", gen),
	)

	go exp.run()
	return nil
}

// Write sends data to the shell, followed by a newline when enter is set.
func (s *Session) Write(data string, enter bool) error {
	s.mu.Lock()
	if s.status.Terminal() || s.proc == nil {
		s.mu.Unlock()
		return ErrSessionNotRunning
	}
	proc, exp := s.proc, s.exp
	masked := s.detection != nil && s.detection.Type() == prompt.PromptTypePassword
	s.lastActivity = s.deps.clock.Now()
	if enter || strings.ContainsAny(data, "\r\n") {
		s.promptDue = true
	}
	s.mu.Unlock()

	payload := data
	if enter {
		payload += "\n"
	}

	// Signal before writing so the expecter sees the input ahead of any
	// output it causes.
	exp.signalInput()

	if _, err := proc.Write([]byte(payload)); err != nil {
		return fmt.Errorf("write to terminal: %w", err)
	}

	s.deps.recorder.Input(s.id, []byte(payload), masked)
	if !masked {
		s.logger.Debug("wrote input", slog.String("input", logging.Snippet(data, 80)))
	}
	return nil
}

// Kill terminates the process tree and waits for the expecter to finish.
// Killing a killed session is a no-op; killing an exited one is an error.
func (s *Session) Kill() error {
	s.mu.Lock()
	switch s.status {
	case StatusKilled:
		s.mu.Unlock()
		return nil
	case StatusExited:
		s.mu.Unlock()
		return ErrSessionNotRunning
	}
	proc, exp, grace := s.proc, s.exp, s.settings.KillGrace
	s.mu.Unlock()

	s.terminate(proc, exp, grace)
	return nil
}

func (s *Session) terminate(proc Process, exp *expecter, grace time.Duration) {
	if exp == nil {
		return
	}
	exp.killed.Store(true)
	if err := proc.Terminate(grace); err != nil {
		s.logger.Warn("terminate failed", slog.String("error", err.Error()))
	}
	exp.stop()
	<-exp.done
}

// Restart replaces the process under the same id. History is cleared but
// sequence numbers keep increasing.
func (s *Session) Restart() error {
	s.mu.Lock()
	proc, exp, grace := s.proc, s.exp, s.settings.KillGrace
	live := !s.status.Terminal()
	s.mu.Unlock()

	if live {
		s.terminate(proc, exp, grace)
	} else if exp != nil {
		<-exp.done
	}

	s.history.Reset()
	return s.start()
}

// View is a snapshot of a session's output and state.
type View struct {
	SessionID  string         `json:"session_id"`
	Status     Status         `json:"status"`
	Generation int            `json:"generation"`
	Prompt     string         `json:"prompt,omitempty"`
	PromptType string         `json:"prompt_type,omitempty"`
	Hint       string         `json:"hint,omitempty"`
	Seq        uint64         `json:"seq"`
	Output     string         `json:"output"`
	Chunks     []output.Chunk `json:"chunks"`
}

// Lines splits Output into lines, dropping a trailing empty line.
func (v View) Lines() []string {
	if v.Output == "" {
		return []string{}
	}
	lines := strings.Split(v.Output, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// View returns the full history, or the chunks consumer has not seen yet.
// Either way the consumer's cursor moves to the newest chunk.
func (s *Session) View(full bool, consumer string) View {
	var chunks []output.Chunk
	if full {
		chunks = s.history.SnapshotFor(consumer)
	} else {
		chunks = s.history.Since(consumer)
	}

	seq := s.history.Cursor(consumer)
	if n := len(chunks); n > 0 && chunks[n-1].Seq > seq {
		seq = chunks[n-1].Seq
	}

	s.mu.Lock()
	v := View{
		SessionID:  s.id,
		Status:     s.status,
		Generation: s.generation,
		Seq:        seq,
		Chunks:     chunks,
	}
	if s.prompt != nil {
		v.Prompt = s.prompt.String()
	}
	if s.detection != nil {
		v.PromptType = string(s.detection.Type())
		v.Hint = s.detection.Hint()
	}
	s.mu.Unlock()

	v.Output = s.deps.shell.Render(output.Text(chunks))
	return v
}

// Info summarizes a session for listings.
type Info struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	Generation   int       `json:"generation"`
	Pid          int       `json:"pid,omitempty"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	Prompt       string    `json:"prompt,omitempty"`
	Seq          uint64    `json:"seq"`
	HistoryBytes int       `json:"history_bytes"`
	Truncations  int       `json:"truncations,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Info returns a summary of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:           s.id,
		Status:       s.status,
		Generation:   s.generation,
		Seq:          s.history.LastSeq(),
		HistoryBytes: s.history.Size(),
		Truncations:  s.history.Truncations(),
		CreatedAt:    s.created,
		LastActivity: s.lastActivity,
	}
	if s.proc != nil {
		info.Pid = s.proc.Pid()
	}
	if s.status == StatusExited && s.exitCode >= 0 {
		code := s.exitCode
		info.ExitCode = &code
	}
	if s.prompt != nil {
		info.Prompt = s.prompt.String()
	}
	return info
}

// PromptWait returns a channel closed at the next shell prompt or when the
// process ends.
func (s *Session) PromptWait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptCh
}

// pendingPrompt returns the prompt channel and whether a prompt is still
// owed for earlier input or the shell's startup.
func (s *Session) pendingPrompt() (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptCh, s.promptDue && !s.status.Terminal()
}

func (s *Session) applySettings(fn func(*Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
}

func (s *Session) idleThreshold() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.IdleThreshold
}

func (s *Session) drainTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.DrainTimeout
}

func (s *Session) touch(t time.Time) {
	s.mu.Lock()
	s.lastActivity = t
	s.mu.Unlock()
}

func (s *Session) notifyPrompt() {
	s.mu.Lock()
	close(s.promptCh)
	s.promptCh = make(chan struct{})
	s.mu.Unlock()
}

// transition moves to a new status and publishes it. It is a no-op if the
// status is unchanged.
func (s *Session) transition(to Status, detail StatusDetail) {
	s.mu.Lock()
	if s.status == to {
		s.mu.Unlock()
		return
	}
	from := s.status
	s.status = to
	detail.Generation = s.generation
	s.mu.Unlock()

	s.logger.Debug("status changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	s.publishStatus(to, detail)
}

func (s *Session) publishStatus(status Status, detail StatusDetail) {
	s.deps.metrics.StatusChanged(string(status))
	s.publish(Event{
		Type:   EventStatusChange,
		Data:   string(status),
		Seq:    s.history.LastSeq(),
		Detail: detail,
	})
}

func (s *Session) publish(ev Event) {
	ev.SessionID = s.id
	if ev.Timestamp == 0 {
		ev.Timestamp = Timestamp(s.deps.clock.Now())
	}
	s.deps.metrics.EventPublished(string(ev.Type))
	s.deps.sink.Publish(ev)
}
