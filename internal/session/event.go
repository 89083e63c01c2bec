package session

import "time"

// EventType identifies an outbound event.
type EventType string

const (
	EventOutput       EventType = "output"
	EventStatusChange EventType = "status_change"
	EventError        EventType = "error"
)

// Event is published for every output chunk and status change. Data holds
// the raw chunk for output events and the new status for status changes.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"event_type"`
	Data      string    `json:"data"`
	Seq       uint64    `json:"seq"`
	Timestamp float64   `json:"timestamp"`
	ActionID  string    `json:"action_id,omitempty"` // echoed from the request a reply answers
	Detail    any       `json:"detail,omitempty"`
}

// StatusDetail accompanies status_change events.
type StatusDetail struct {
	Generation int    `json:"generation"`
	Prompt     string `json:"prompt,omitempty"`
	PromptType string `json:"prompt_type,omitempty"`
	Hint       string `json:"hint,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EventSink receives events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

// Publish calls f(ev).
func (f SinkFunc) Publish(ev Event) { f(ev) }

// Multi fans an event out to several sinks in order.
type Multi []EventSink

// Publish implements EventSink.
func (m Multi) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// Timestamp converts t to float seconds since the Unix epoch.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
