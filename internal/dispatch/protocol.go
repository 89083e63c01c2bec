// Package dispatch serves the streaming terminal protocol: clients send
// control envelopes over a WebSocket and receive session events for the
// sessions they subscribe to.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/whit3rabbit/manus-open/internal/session"
)

// Action is an inbound control verb.
type Action string

const (
	ActionWrite       Action = "write"
	ActionView        Action = "view"
	ActionReset       Action = "reset"
	ActionResetAll    Action = "reset_all"
	ActionKill        Action = "kill"
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// Mode selects how write data reaches the shell.
type Mode string

const (
	// ModeLine sends data as typed, followed by Enter unless press_enter is
	// false. It is the default.
	ModeLine Mode = "send_line"
	// ModeKey sends the escape sequence of a named key.
	ModeKey Mode = "send_key"
	// ModeControl sends a control character: data "c" sends Ctrl-C.
	ModeControl Mode = "send_control"
)

var keySequences = map[string]string{
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
	"enter":     "\r",
	"esc":       "\x1b",
	"tab":       "\t",
	"backspace": "\b",
	"delete":    "\x1b[3~",
}

var controlChars = map[string]string{
	"c": "\x03",
	"d": "\x04",
	"z": "\x1a",
}

// Protocol errors. They are reported to the client as error events and
// never close the connection.
var (
	ErrMalformed        = errors.New("malformed message")
	ErrUnknownAction    = errors.New("unknown action")
	ErrMissingSessionID = errors.New("session_id is required")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrUnknownMode      = errors.New("unknown mode")
	ErrUnknownKey       = errors.New("unsupported key")
)

// Envelope is an inbound control message.
type Envelope struct {
	Action     Action `json:"action"`
	SessionID  string `json:"session_id"`
	Data       string `json:"data,omitempty"`
	PressEnter *bool  `json:"press_enter,omitempty"`
	Full       bool   `json:"full,omitempty"`
	Mode       Mode   `json:"mode,omitempty"`
	ActionID   string `json:"action_id,omitempty"`
}

// Enter reports whether a newline should follow the data. It defaults to
// true when press_enter is absent.
func (e Envelope) Enter() bool {
	return e.PressEnter == nil || *e.PressEnter
}

// Input returns the bytes to write and whether Enter follows them. Named
// keys and control characters never get an extra Enter.
func (e Envelope) Input() (string, bool, error) {
	switch e.Mode {
	case "", ModeLine:
		return e.Data, e.Enter(), nil
	case ModeKey:
		seq, ok := keySequences[strings.TrimSpace(e.Data)]
		if !ok {
			return "", false, fmt.Errorf("%w: %q", ErrUnknownKey, e.Data)
		}
		return seq, false, nil
	case ModeControl:
		seq, ok := controlChars[strings.ToLower(strings.TrimSpace(e.Data))]
		if !ok {
			return "", false, fmt.Errorf("%w: control %q", ErrUnknownKey, e.Data)
		}
		return seq, false, nil
	default:
		return "", false, fmt.Errorf("%w: %q", ErrUnknownMode, e.Mode)
	}
}

// Decode parses and validates an inbound message. On validation errors the
// partially decoded envelope is returned so the error can name the session.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := handlers[env.Action]; !ok {
		return env, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
	if env.Action != ActionResetAll && env.SessionID == "" {
		return env, ErrMissingSessionID
	}
	if env.Action == ActionWrite {
		if _, _, err := env.Input(); err != nil {
			return env, err
		}
	}
	return env, nil
}

// reason maps an error to the short label used in error event details and
// metrics.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUnknownAction):
		return "unknown_action"
	case errors.Is(err, ErrMissingSessionID):
		return "missing_session_id"
	case errors.Is(err, ErrMessageTooLarge):
		return "too_large"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnknownMode):
		return "unknown_mode"
	case errors.Is(err, ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, session.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, session.ErrSessionNotRunning):
		return "session_not_running"
	case errors.Is(err, session.ErrSpawnFailure):
		return "spawn_failure"
	case errors.Is(err, session.ErrCommandBlocked):
		return "command_blocked"
	case errors.Is(err, session.ErrMaxSessions):
		return "max_sessions"
	case errors.Is(err, session.ErrDirNotAllowed):
		return "dir_not_allowed"
	case errors.Is(err, session.ErrRegistryClosed):
		return "shutting_down"
	default:
		return "internal"
	}
}

// ErrorDetail accompanies error events.
type ErrorDetail struct {
	Reason string `json:"reason"`
	Action Action `json:"action,omitempty"`
}

// errorEvent reports err for the message env. env may be zero when the
// message could not be decoded at all.
func errorEvent(env Envelope, err error) session.Event {
	return session.Event{
		SessionID: env.SessionID,
		Type:      session.EventError,
		Data:      err.Error(),
		ActionID:  env.ActionID,
		Detail:    ErrorDetail{Reason: reason(err), Action: env.Action},
	}
}
