package session

import "errors"

var (
	// ErrSessionNotFound is returned for operations on an unknown id that do
	// not create sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSpawnFailure wraps the reason a shell could not be started. The
	// session is left exited.
	ErrSpawnFailure = errors.New("failed to spawn shell")

	// ErrSessionNotRunning is returned when writing to or killing a session
	// whose process has already exited.
	ErrSessionNotRunning = errors.New("session is not running")

	// ErrCommandBlocked wraps a command filter rejection.
	ErrCommandBlocked = errors.New("command blocked by policy")

	// ErrMaxSessions is returned when the registry is full.
	ErrMaxSessions = errors.New("maximum number of sessions reached")

	// ErrDirNotAllowed wraps a working directory policy rejection.
	ErrDirNotAllowed = errors.New("working directory not allowed")

	// ErrRegistryClosed is returned once Shutdown has started.
	ErrRegistryClosed = errors.New("registry is shut down")
)
