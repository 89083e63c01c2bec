package recording

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/whit3rabbit/manus-open/internal/ports"
)

// Manager keeps one Recorder per session and can be switched on or off at
// runtime. Sessions started while disabled are not recorded.
type Manager struct {
	fs     ports.FileSystem
	clock  ports.Clock
	logger *slog.Logger

	mu        sync.RWMutex
	recorders map[string]*Recorder
	basePath  string
	enabled   bool
}

// NewManager creates a new recording manager.
func NewManager(fs ports.FileSystem, clock ports.Clock, basePath string, enabled bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		fs:        fs,
		clock:     clock,
		logger:    logger,
		recorders: make(map[string]*Recorder),
		basePath:  basePath,
		enabled:   enabled,
	}
}

// Configure changes the target directory and on/off state. Running
// recordings continue until their session stops.
func (m *Manager) Configure(basePath string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.basePath = basePath
	m.enabled = enabled
}

// Enabled returns whether new sessions are recorded.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Start begins a recording for a session generation, replacing any
// previous one for the same session.
func (m *Manager) Start(opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.recorders[opts.SessionID]; ok {
		existing.Close()
		delete(m.recorders, opts.SessionID)
	}
	if !m.enabled {
		return nil
	}

	rec, err := NewRecorder(m.fs, m.clock, m.basePath, opts)
	if err != nil {
		return err
	}
	m.recorders[opts.SessionID] = rec
	return nil
}

// Output records terminal output for a session.
func (m *Manager) Output(sessionID string, data []byte) {
	if rec := m.get(sessionID); rec != nil {
		if err := rec.RecordOutput(string(data)); err != nil {
			m.logger.Warn("recording output failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Input records caller input for a session. Masked input is written as
// asterisks.
func (m *Manager) Input(sessionID string, data []byte, masked bool) {
	rec := m.get(sessionID)
	if rec == nil {
		return
	}

	var err error
	if masked {
		err = rec.RecordMaskedInput(string(data))
	} else {
		err = rec.RecordInput(string(data))
	}
	if err != nil {
		m.logger.Warn("recording input failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) get(sessionID string) *Recorder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recorders[sessionID]
}

// Stop closes the recording of a session.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	rec, ok := m.recorders[sessionID]
	delete(m.recorders, sessionID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return rec.Close()
}

// Path returns the current recording file of a session, or "".
func (m *Manager) Path(sessionID string) string {
	if rec := m.get(sessionID); rec != nil {
		return rec.Path()
	}
	return ""
}

// CloseAll closes every recording.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for id, rec := range m.recorders {
		errs = append(errs, rec.Close())
		delete(m.recorders, id)
	}
	return errors.Join(errs...)
}
