package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/whit3rabbit/manus-open/internal/adapters/realclock"
	"github.com/whit3rabbit/manus-open/internal/config"
	"github.com/whit3rabbit/manus-open/internal/metrics"
	"github.com/whit3rabbit/manus-open/internal/output"
	"github.com/whit3rabbit/manus-open/internal/ports"
	"github.com/whit3rabbit/manus-open/internal/prompt"
	"github.com/whit3rabbit/manus-open/internal/security"
)

// resetConcurrency bounds parallel resets in ResetAll and Shutdown.
const resetConcurrency = 8

// entry pairs a session with its operation token. The token is a channel
// of capacity one: holding it means owning the session for one operation,
// and blocked acquirers are served in arrival order.
type entry struct {
	session *Session
	token   chan struct{}
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) release() {
	<-e.token
}

// CreateOptions customizes a session created on first use.
type CreateOptions struct {
	Cwd string
	Env []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithSpawner replaces the local PTY spawner.
func WithSpawner(spawn Spawner) Option {
	return func(r *Registry) { r.deps.spawn = spawn }
}

// WithClock sets the clock used for idle detection and timeouts.
func WithClock(clock ports.Clock) Option {
	return func(r *Registry) { r.deps.clock = clock }
}

// WithSink sets where session events are published.
func WithSink(sink EventSink) Option {
	return func(r *Registry) { r.deps.sink = sink }
}

// WithMetrics records session metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.deps.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.deps.logger = logger }
}

// WithRecorder records session I/O.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.deps.recorder = rec }
}

// Registry is the authoritative map of sessions. The map lock only guards
// insert and lookup; each session's operations are serialized by its own
// token, so different sessions never contend.
type Registry struct {
	deps   deps
	filter *security.CommandFilter
	dirs   *security.DirPolicy

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	cfgMu       sync.RWMutex
	settings    Settings
	maxSessions int
	runTimeout  time.Duration
}

// NewRegistry builds a registry from validated configuration.
func NewRegistry(cfg *config.Config, opts ...Option) (*Registry, error) {
	filter, err := security.NewCommandFilter(cfg.Security.CommandBlocklist, cfg.Security.CommandAllowlist)
	if err != nil {
		return nil, fmt.Errorf("command filter: %w", err)
	}
	dirs, err := security.NewDirPolicy(cfg.Terminal.AllowedDirs)
	if err != nil {
		return nil, fmt.Errorf("allowed dirs: %w", err)
	}
	shell, err := prompt.NewShellMatcher(cfg.Terminal.PS1Pattern)
	if err != nil {
		return nil, err
	}
	detector := prompt.NewDetector()
	if err := loadPatterns(detector, cfg.PromptDetection.CustomPatterns); err != nil {
		return nil, err
	}

	r := &Registry{
		deps: deps{
			spawn:    LocalSpawner,
			clock:    realclock.New(),
			sink:     SinkFunc(func(Event) {}),
			detector: detector,
			shell:    shell,
			recorder: noopRecorder{},
			logger:   slog.Default(),
		},
		filter:      filter,
		dirs:        dirs,
		entries:     make(map[string]*entry),
		settings:    SettingsFromConfig(cfg.Terminal),
		maxSessions: cfg.Terminal.MaxSessions,
		runTimeout:  cfg.Terminal.RunTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func loadPatterns(d *prompt.Detector, patterns []config.PatternConfig) error {
	custom := make([]prompt.Pattern, 0, len(patterns))
	for _, p := range patterns {
		compiled, err := prompt.CompilePattern(p.Name, p.Regex, p.Type, p.SuggestedResponse)
		if err != nil {
			return err
		}
		custom = append(custom, compiled)
	}
	d.SetCustomPatterns(custom)
	return nil
}

// ApplyConfig updates tunables from a reloaded config. Running sessions
// pick up the new idle threshold, kill grace and drain timeout; new
// sessions also get the new spawn options.
func (r *Registry) ApplyConfig(cfg *config.Config) error {
	if err := r.filter.Update(cfg.Security.CommandBlocklist, cfg.Security.CommandAllowlist); err != nil {
		return fmt.Errorf("command filter: %w", err)
	}
	if err := r.dirs.Update(cfg.Terminal.AllowedDirs); err != nil {
		return fmt.Errorf("allowed dirs: %w", err)
	}
	if err := loadPatterns(r.deps.detector, cfg.PromptDetection.CustomPatterns); err != nil {
		return err
	}

	settings := SettingsFromConfig(cfg.Terminal)
	r.cfgMu.Lock()
	r.settings = settings
	r.maxSessions = cfg.Terminal.MaxSessions
	r.runTimeout = cfg.Terminal.RunTimeout
	r.cfgMu.Unlock()

	for _, e := range r.snapshot() {
		e.session.applySettings(func(s *Settings) {
			s.IdleThreshold = settings.IdleThreshold
			s.KillGrace = settings.KillGrace
			s.DrainTimeout = settings.DrainTimeout
		})
	}
	return nil
}

func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e, nil
}

// insert adds a new session whose token is already held by the caller.
// It returns the existing entry instead if id is taken.
func (r *Registry) insert(id string, opts CreateOptions) (*entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false, ErrRegistryClosed
	}
	if e, ok := r.entries[id]; ok {
		return e, false, nil
	}

	r.cfgMu.RLock()
	settings := r.settings
	limit := r.maxSessions
	r.cfgMu.RUnlock()

	if limit > 0 && len(r.entries) >= limit {
		return nil, false, fmt.Errorf("%w (%d)", ErrMaxSessions, limit)
	}
	if opts.Cwd != "" {
		if err := r.dirs.Check(opts.Cwd); err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrDirNotAllowed, err)
		}
		settings.Process.Dir = opts.Cwd
	}
	if len(opts.Env) > 0 {
		env := make([]string, 0, len(settings.Process.Env)+len(opts.Env))
		env = append(env, settings.Process.Env...)
		settings.Process.Env = append(env, opts.Env...)
	}

	e := &entry{
		session: newSession(id, settings, r.deps),
		token:   make(chan struct{}, 1),
	}
	e.token <- struct{}{}
	r.entries[id] = e
	r.deps.metrics.SessionAdded()
	return e, true, nil
}

// acquire returns the entry for id with its token held. With create set, a
// missing session is created and started first.
func (r *Registry) acquire(ctx context.Context, id string, create bool, opts CreateOptions) (*entry, error) {
	if !create {
		e, err := r.lookup(id)
		if err != nil {
			return nil, err
		}
		if err := e.acquire(ctx); err != nil {
			return nil, err
		}
		return e, nil
	}

	e, created, err := r.insert(id, opts)
	if err != nil {
		return nil, err
	}
	if created {
		r.deps.logger.Info("session created", slog.String("session_id", id))
		if err := e.session.start(); err != nil {
			e.release()
			return nil, err
		}
		return e, nil
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// GetOrCreate returns the session for id, spawning it on first use. An
// empty id creates a session with a generated id.
func (r *Registry) GetOrCreate(ctx context.Context, id string, opts CreateOptions) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	e, err := r.acquire(ctx, id, true, opts)
	if err != nil {
		return nil, err
	}
	defer e.release()
	return e.session, nil
}

// Get returns the session for id without creating it.
func (r *Registry) Get(id string) (*Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.session, nil
}

// Write sends input to a session, creating it if needed. Input submitted
// with enter is checked against the command filter first.
func (r *Registry) Write(ctx context.Context, id, data string, enter bool) error {
	if enter {
		if err := r.filter.Check(data); err != nil {
			r.deps.metrics.CommandBlocked()
			r.deps.logger.Warn("command blocked",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%w: %w", ErrCommandBlocked, err)
		}
	}

	e, err := r.acquire(ctx, id, true, CreateOptions{})
	if err != nil {
		return err
	}
	defer e.release()
	return e.session.Write(data, enter)
}

// Kill terminates the process of a session. The session stays registered.
func (r *Registry) Kill(ctx context.Context, id string) error {
	e, err := r.acquire(ctx, id, false, CreateOptions{})
	if err != nil {
		return err
	}
	defer e.release()
	return e.session.Kill()
}

// Reset replaces the process of a session, keeping its id.
func (r *Registry) Reset(ctx context.Context, id string) error {
	e, err := r.acquire(ctx, id, false, CreateOptions{})
	if err != nil {
		return err
	}
	defer e.release()
	return e.session.Restart()
}

// ResetAll resets every session registered when it is called. Sessions
// created while it runs may or may not be reset.
func (r *Registry) ResetAll(ctx context.Context) error {
	ids := r.IDs()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(resetConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := r.Reset(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("reset %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// View returns output of a session. With full unset only chunks consumer
// has not seen are returned.
func (r *Registry) View(ctx context.Context, id string, full bool, consumer string) (View, error) {
	e, err := r.acquire(ctx, id, false, CreateOptions{})
	if err != nil {
		return View{}, err
	}
	defer e.release()
	return e.session.View(full, consumer), nil
}

// Forget drops consumer's read cursor on session id. Unknown ids are
// ignored.
func (r *Registry) Forget(id, consumer string) {
	e, err := r.lookup(id)
	if err != nil {
		return
	}
	e.session.history.Forget(consumer)
}

// RunResult is the outcome of Run.
type RunResult struct {
	SessionID string `json:"session_id"`
	Output    string `json:"output"`
	Status    Status `json:"status"`
	Prompt    string `json:"prompt,omitempty"`
	TimedOut  bool   `json:"timed_out"`
}

// Run writes command and waits until the shell prints its next prompt,
// the process ends, or timeout elapses. Output excludes the echoed command
// and prompt markers.
//
// If the shell still owes a prompt, for its startup or an earlier line, Run
// waits for it before writing so that prompt is not taken as the end of
// command. The wait counts against timeout.
func (r *Registry) Run(ctx context.Context, id, command string, timeout time.Duration) (RunResult, error) {
	if timeout <= 0 {
		r.cfgMu.RLock()
		timeout = r.runTimeout
		r.cfgMu.RUnlock()
	}
	if err := r.filter.Check(command); err != nil {
		r.deps.metrics.CommandBlocked()
		return RunResult{}, fmt.Errorf("%w: %w", ErrCommandBlocked, err)
	}

	deadline := r.deps.clock.After(timeout)
	var e *entry
	for {
		var err error
		if e, err = r.acquire(ctx, id, true, CreateOptions{}); err != nil {
			return RunResult{}, err
		}
		due, pending := e.session.pendingPrompt()
		if !pending {
			break
		}
		e.release()

		select {
		case <-due:
		case <-deadline:
			info := e.session.Info()
			return RunResult{SessionID: id, Status: info.Status, Prompt: info.Prompt, TimedOut: true}, nil
		case <-ctx.Done():
			return RunResult{}, ctx.Err()
		}
	}

	s := e.session
	start := s.history.LastSeq()
	wait := s.PromptWait()
	err := s.Write(command, true)
	e.release()
	if err != nil {
		return RunResult{}, err
	}

	res := RunResult{SessionID: id}
	select {
	case <-wait:
	case <-deadline:
		res.TimedOut = true
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}

	info := s.Info()
	res.Status = info.Status
	res.Prompt = info.Prompt
	res.Output = stripEcho(r.deps.shell.Strip(output.Text(s.history.After(start))), command)
	return res, nil
}

// stripEcho drops the terminal's echo of a single-line command.
func stripEcho(text, command string) string {
	if strings.Contains(command, "\n") {
		return text
	}
	first, rest, found := strings.Cut(text, "\n")
	if found && strings.TrimSpace(first) == strings.TrimSpace(command) {
		return rest
	}
	return text
}

// IDs returns the registered session ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns a summary of every session, sorted by id.
func (r *Registry) List() []Info {
	entries := r.snapshot()
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.session.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Shutdown kills every session and empties the registry. Later operations
// fail with ErrRegistryClosed.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(resetConcurrency)
	for id, e := range entries {
		g.Go(func() error {
			defer r.deps.metrics.SessionRemoved()
			if err := e.acquire(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", id, err))
				mu.Unlock()
				return nil
			}
			defer e.release()
			if err := e.session.Kill(); err != nil && !errors.Is(err, ErrSessionNotRunning) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.deps.logger.Info("registry shut down", slog.Int("sessions", len(entries)))
	return errors.Join(errs...)
}
