package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whit3rabbit/manus-open/internal/config"
	"github.com/whit3rabbit/manus-open/internal/pty"
	"github.com/whit3rabbit/manus-open/internal/testing/fakes/fakeclock"
	"github.com/whit3rabbit/manus-open/internal/testing/fakes/fakepty"
)

const (
	testMarker  = "[CMD_BEGIN]\nubuntu@sandbox:~\n[CMD_END]"
	testIdle    = 2 * time.Second
	waitTimeout = 3 * time.Second
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// ============================================================
// Event capture
// ============================================================

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// statuses returns the status_change data for id in publish order.
func (l *eventLog) statuses(id string) []string {
	var out []string
	for _, ev := range l.all() {
		if ev.SessionID == id && ev.Type == EventStatusChange {
			out = append(out, ev.Data)
		}
	}
	return out
}

func (l *eventLog) count(id string, typ EventType, data string) int {
	n := 0
	for _, ev := range l.all() {
		if ev.SessionID == id && ev.Type == typ && (data == "" || ev.Data == data) {
			n++
		}
	}
	return n
}

// waitFor polls until at least n matching events were published.
func (l *eventLog) waitFor(t *testing.T, id string, typ EventType, data string, n int) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if l.count(id, typ, data) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s %q events on %s; statuses %v",
		n, typ, data, id, l.statuses(id))
}

// ============================================================
// Harness
// ============================================================

type harness struct {
	reg     *Registry
	spawner *fakepty.Spawner
	clock   *fakeclock.Clock
	events  *eventLog
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Terminal.IdleThreshold = testIdle
	cfg.Terminal.KillGrace = 50 * time.Millisecond
	cfg.Terminal.DrainTimeout = 10 * time.Millisecond
	cfg.Terminal.RunTimeout = 5 * time.Second
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, setup func(*fakepty.Process)) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	h := &harness{
		spawner: fakepty.NewSpawner(setup),
		clock:   fakeclock.New(testEpoch),
		events:  &eventLog{},
	}
	spawn := func(o pty.Options) (Process, error) {
		p, err := h.spawner.Spawn(o)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	reg, err := NewRegistry(cfg,
		WithSpawner(spawn),
		WithClock(h.clock),
		WithSink(h.events),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h.reg = reg
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return h
}

// create starts a session and waits until it is running.
func (h *harness) create(t *testing.T, id string) *Session {
	t.Helper()
	s, err := h.reg.GetOrCreate(context.Background(), id, CreateOptions{})
	if err != nil {
		t.Fatalf("GetOrCreate(%q): %v", id, err)
	}
	h.events.waitFor(t, s.ID(), EventStatusChange, string(StatusRunning), 1)
	return s
}

// shellResponder echoes input and prints a prompt after every line, like an
// interactive shell with the marker PS1.
func shellResponder(outputs map[string]string) func(string) string {
	return func(input string) string {
		cmd := strings.TrimSuffix(input, "\n")
		if !strings.HasSuffix(input, "\n") {
			return input
		}
		return cmd + "\n" + outputs[cmd] + testMarker
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
