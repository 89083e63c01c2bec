package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whit3rabbit/manus-open/internal/testing/fakes/fakepty"
)

// ============================================================
// Creation
// ============================================================

func TestRegistry_GetOrCreateReturnsSameSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	a := h.create(t, "s1")
	b, err := h.reg.GetOrCreate(ctx, "s1", CreateOptions{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a != b {
		t.Error("expected the same session")
	}
	if n := len(h.spawner.Processes()); n != 1 {
		t.Errorf("spawned %d processes, want 1", n)
	}
}

func TestRegistry_EmptyIDGeneratesOne(t *testing.T) {
	h := newHarness(t, nil, nil)

	s, err := h.reg.GetOrCreate(context.Background(), "", CreateOptions{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if len(s.ID()) != 36 {
		t.Errorf("ID = %q, want a uuid", s.ID())
	}
}

func TestRegistry_WriteCreatesSession(t *testing.T) {
	h := newHarness(t, nil, nil)

	if err := h.reg.Write(context.Background(), "new", "echo hi", true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if h.reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", h.reg.Len())
	}
	if got := h.spawner.Last().Written(); got != "echo hi\n" {
		t.Errorf("Written = %q", got)
	}
}

func TestRegistry_WriteWithoutEnter(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.create(t, "s1")

	if err := h.reg.Write(context.Background(), "s1", "abc", false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := h.spawner.Last().Written(); got != "abc" {
		t.Errorf("Written = %q, want no newline", got)
	}
}

func TestRegistry_EnvAndSpawnOptions(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.reg.GetOrCreate(context.Background(), "s1", CreateOptions{Env: []string{"FOO=bar"}})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	opts := h.spawner.Options()[0]
	env := strings.Join(opts.Env, " ")
	if !strings.Contains(env, "PS1=") || !strings.Contains(env, "FOO=bar") {
		t.Errorf("Env = %v", opts.Env)
	}
	if opts.Shell != "/bin/bash" {
		t.Errorf("Shell = %q", opts.Shell)
	}
}

// ============================================================
// Policy
// ============================================================

func TestRegistry_BlockedCommand(t *testing.T) {
	cfg := testConfig()
	cfg.Security.CommandBlocklist = []string{`rm\s+-rf\s+/`}
	h := newHarness(t, cfg, nil)
	ctx := context.Background()

	err := h.reg.Write(ctx, "s1", "rm -rf /", true)
	if !errors.Is(err, ErrCommandBlocked) {
		t.Fatalf("err = %v, want ErrCommandBlocked", err)
	}
	if h.reg.Len() != 0 {
		t.Error("blocked write should not create a session")
	}

	// Partial input is not a command yet.
	if err := h.reg.Write(ctx, "s1", "rm -rf /", false); err != nil {
		t.Errorf("Write without enter: %v", err)
	}

	if _, err := h.reg.Run(ctx, "s1", "rm -rf /", time.Second); !errors.Is(err, ErrCommandBlocked) {
		t.Errorf("Run err = %v, want ErrCommandBlocked", err)
	}
}

func TestRegistry_MaxSessions(t *testing.T) {
	cfg := testConfig()
	cfg.Terminal.MaxSessions = 1
	h := newHarness(t, cfg, nil)
	h.create(t, "s1")

	_, err := h.reg.GetOrCreate(context.Background(), "s2", CreateOptions{})
	if !errors.Is(err, ErrMaxSessions) {
		t.Errorf("err = %v, want ErrMaxSessions", err)
	}
}

func TestRegistry_DirPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Terminal.AllowedDirs = []string{"/tmp/**"}
	h := newHarness(t, cfg, nil)
	ctx := context.Background()

	_, err := h.reg.GetOrCreate(ctx, "bad", CreateOptions{Cwd: "/etc"})
	if !errors.Is(err, ErrDirNotAllowed) {
		t.Fatalf("err = %v, want ErrDirNotAllowed", err)
	}
	if h.reg.Len() != 0 {
		t.Error("rejected session should not be registered")
	}

	if _, err := h.reg.GetOrCreate(ctx, "ok", CreateOptions{Cwd: "/tmp/work"}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if dir := h.spawner.Options()[0].Dir; dir != "/tmp/work" {
		t.Errorf("Dir = %q", dir)
	}
}

func TestRegistry_ApplyConfig(t *testing.T) {
	h := newHarness(t, nil, nil)
	s := h.create(t, "s1")

	cfg := testConfig()
	cfg.Terminal.IdleThreshold = 10 * time.Second
	cfg.Security.CommandBlocklist = []string{`^shutdown`}
	if err := h.reg.ApplyConfig(cfg); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if got := s.idleThreshold(); got != 10*time.Second {
		t.Errorf("idleThreshold = %v", got)
	}
	err := h.reg.Write(context.Background(), "s1", "shutdown now", true)
	if !errors.Is(err, ErrCommandBlocked) {
		t.Errorf("err = %v, want ErrCommandBlocked", err)
	}

	bad := testConfig()
	bad.Security.CommandBlocklist = []string{`[`}
	if err := h.reg.ApplyConfig(bad); err == nil {
		t.Error("expected error for invalid pattern")
	}
	// The previous filter stays in force.
	if err := h.reg.Write(context.Background(), "s1", "shutdown now", true); !errors.Is(err, ErrCommandBlocked) {
		t.Errorf("err = %v, want ErrCommandBlocked", err)
	}
}

// ============================================================
// Unknown ids
// ============================================================

func TestRegistry_UnknownSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	if _, err := h.reg.View(ctx, "nope", true, "c"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("View = %v", err)
	}
	if err := h.reg.Kill(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Kill = %v", err)
	}
	if err := h.reg.Reset(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Reset = %v", err)
	}
	if _, err := h.reg.Get("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get = %v", err)
	}
}

// ============================================================
// View
// ============================================================

func TestRegistry_ViewDeliversOutputOnce(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.create(t, "s1")
	p := h.spawner.Last()
	ctx := context.Background()

	p.Emit("one\n")
	h.events.waitFor(t, "s1", EventOutput, "", 1)

	v, err := h.reg.View(ctx, "s1", false, "c1")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if v.Output != "one\n" {
		t.Errorf("first view = %q", v.Output)
	}

	v, _ = h.reg.View(ctx, "s1", false, "c1")
	if v.Output != "" {
		t.Errorf("second view = %q, want empty", v.Output)
	}

	p.Emit("two\n")
	h.events.waitFor(t, "s1", EventOutput, "", 2)

	v, _ = h.reg.View(ctx, "s1", false, "c1")
	if v.Output != "two\n" {
		t.Errorf("third view = %q", v.Output)
	}

	// Another consumer has its own cursor.
	v, _ = h.reg.View(ctx, "s1", true, "c2")
	if v.Output != "one\ntwo\n" {
		t.Errorf("full view = %q", v.Output)
	}
	if got := v.Lines(); len(got) != 2 || got[1] != "two" {
		t.Errorf("Lines = %q", got)
	}

	v, _ = h.reg.View(ctx, "s1", false, "c2")
	if v.Output != "" {
		t.Errorf("view after full = %q, want empty", v.Output)
	}
}

// ============================================================
// Reset
// ============================================================

func TestRegistry_ResetKeepsID(t *testing.T) {
	var mu sync.Mutex
	spawned := 0
	h := newHarness(t, nil, func(p *fakepty.Process) {
		mu.Lock()
		defer mu.Unlock()
		spawned++
		if spawned == 1 {
			p.Emit("hello\n")
		}
	})
	s := h.create(t, "s1")
	h.events.waitFor(t, "s1", EventOutput, "", 1)
	before := s.History().LastSeq()

	if err := h.reg.Reset(context.Background(), "s1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	h.events.waitFor(t, "s1", EventStatusChange, string(StatusRunning), 2)

	got := strings.Join(h.events.statuses("s1"), ",")
	want := "starting,running,killed,starting,running"
	if got != want {
		t.Errorf("statuses = %s, want %s", got, want)
	}
	if s.Generation() != 2 {
		t.Errorf("Generation = %d, want 2", s.Generation())
	}
	if v := s.View(true, "c"); v.Output != "" {
		t.Errorf("history after reset = %q", v.Output)
	}
	if s.History().LastSeq() < before {
		t.Error("sequence numbers went backwards")
	}

	h.spawner.Last().Emit("again\n")
	h.events.waitFor(t, "s1", EventOutput, "", 2)
	if s.History().LastSeq() <= before {
		t.Errorf("LastSeq = %d, want > %d", s.History().LastSeq(), before)
	}
}

func TestRegistry_ResetAfterExit(t *testing.T) {
	h := newHarness(t, nil, nil)
	s := h.create(t, "s1")

	h.spawner.Last().Exit(0)
	h.events.waitFor(t, "s1", EventStatusChange, string(StatusExited), 1)

	if err := h.reg.Reset(context.Background(), "s1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	h.events.waitFor(t, "s1", EventStatusChange, string(StatusRunning), 2)
	if s.Status() != StatusRunning {
		t.Errorf("Status = %s", s.Status())
	}
}

func TestRegistry_ResetAllPreservesIDs(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.create(t, "s1")
	h.create(t, "s2")

	if err := h.reg.ResetAll(context.Background()); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}

	ids := h.reg.IDs()
	if strings.Join(ids, ",") != "s1,s2" {
		t.Errorf("IDs = %v", ids)
	}
	for _, info := range h.reg.List() {
		if info.Generation != 2 {
			t.Errorf("%s generation = %d, want 2", info.ID, info.Generation)
		}
	}
	if n := len(h.spawner.Processes()); n != 4 {
		t.Errorf("spawned %d processes, want 4", n)
	}
}

func TestRegistry_ResetAllJoinsErrors(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.create(t, "s1")
	h.create(t, "s2")
	h.spawner.Fail(errors.New("boom"))

	err := h.reg.ResetAll(context.Background())
	if !errors.Is(err, ErrSpawnFailure) {
		t.Fatalf("err = %v, want ErrSpawnFailure", err)
	}
	if !strings.Contains(err.Error(), "reset s1") || !strings.Contains(err.Error(), "reset s2") {
		t.Errorf("err = %v, want both sessions named", err)
	}
}

// ============================================================
// Run
// ============================================================

func TestRegistry_Run(t *testing.T) {
	h := newHarness(t, nil, func(p *fakepty.Process) {
		p.Emit(testMarker)
		p.SetResponder(shellResponder(map[string]string{"echo hi": "hi\n"}))
	})
	h.create(t, "s1")
	h.events.waitFor(t, "s1", EventStatusChange, string(StatusWaitingInput), 1)

	res, err := h.reg.Run(context.Background(), "s1", "echo hi", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TimedOut {
		t.Error("unexpected timeout")
	}
	if res.Output != "hi\n" {
		t.Errorf("Output = %q, want %q", res.Output, "hi\n")
	}
	if res.Status != StatusWaitingInput {
		t.Errorf("Status = %s", res.Status)
	}
	if res.Prompt != "ubuntu@sandbox:~$ " {
		t.Errorf("Prompt = %q", res.Prompt)
	}
}

func TestRegistry_RunTimesOut(t *testing.T) {
	h := newHarness(t, nil, func(p *fakepty.Process) {
		p.Emit(testMarker)
		p.SetResponder(func(input string) string { return input })
	})
	h.create(t, "s1")
	h.events.waitFor(t, "s1", EventStatusChange, string(StatusWaitingInput), 1)

	type result struct {
		res RunResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := h.reg.Run(context.Background(), "s1", "sleep 100", time.Minute)
		done <- result{res, err}
	}()

	for {
		select {
		case r := <-done:
			if r.err != nil {
				t.Fatalf("Run: %v", r.err)
			}
			if !r.res.TimedOut {
				t.Error("expected timeout")
			}
			if r.res.Output != "" {
				t.Errorf("Output = %q, want echo stripped", r.res.Output)
			}
			return
		case <-time.After(5 * time.Millisecond):
			h.clock.Advance(time.Minute)
		}
	}
}

func TestRegistry_RunEndsWhenShellExits(t *testing.T) {
	h := newHarness(t, nil, func(p *fakepty.Process) {
		p.Emit(testMarker)
		p.SetResponder(func(input string) string {
			if input == "exit\n" {
				go p.Exit(0)
			}
			return input
		})
	})
	h.create(t, "s1")
	h.events.waitFor(t, "s1", EventStatusChange, string(StatusWaitingInput), 1)

	res, err := h.reg.Run(context.Background(), "s1", "exit", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusExited {
		t.Errorf("Status = %s, want exited", res.Status)
	}
}

func TestRegistry_RunOnNewSessionWaitsForStartupPrompt(t *testing.T) {
	h := newHarness(t, nil, func(p *fakepty.Process) {
		p.SetResponder(shellResponder(map[string]string{"echo hi": "hi\n"}))
	})

	type result struct {
		res RunResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := h.reg.Run(context.Background(), "fresh", "echo hi", time.Minute)
		done <- result{res, err}
	}()

	waitUntil(t, "shell spawned", func() bool { return len(h.spawner.Processes()) == 1 })
	h.events.waitFor(t, "fresh", EventStatusChange, string(StatusRunning), 1)
	p := h.spawner.Last()

	time.Sleep(20 * time.Millisecond)
	if got := p.Written(); got != "" {
		t.Fatalf("Written before startup prompt = %q, want nothing", got)
	}

	p.Emit(testMarker)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Run: %v", r.err)
		}
		if r.res.TimedOut {
			t.Fatal("unexpected timeout")
		}
		if r.res.Output != "hi\n" {
			t.Errorf("Output = %q, want %q", r.res.Output, "hi\n")
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}
	if got := p.Written(); got != "echo hi\n" {
		t.Errorf("Written = %q", got)
	}
}

func TestRegistry_RunTimesOutWaitingForStartupPrompt(t *testing.T) {
	h := newHarness(t, nil, nil)

	done := make(chan RunResult, 1)
	go func() {
		res, err := h.reg.Run(context.Background(), "silent", "echo hi", time.Minute)
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- res
	}()

	waitUntil(t, "shell spawned", func() bool { return len(h.spawner.Processes()) == 1 })
	for {
		select {
		case res := <-done:
			if !res.TimedOut {
				t.Error("expected timeout")
			}
			if got := h.spawner.Last().Written(); got != "" {
				t.Errorf("Written = %q, want nothing", got)
			}
			return
		case <-time.After(5 * time.Millisecond):
			h.clock.Advance(time.Minute)
		}
	}
}

func TestStripEcho(t *testing.T) {
	tests := []struct {
		text, cmd, want string
	}{
		{"ls\na\nb\n", "ls", "a\nb\n"},
		{"other\nout\n", "ls", "other\nout\n"},
		{"ls", "ls", "ls"},
		{"a\nb\n", "a\nb", "a\nb\n"},
	}
	for _, tt := range tests {
		if got := stripEcho(tt.text, tt.cmd); got != tt.want {
			t.Errorf("stripEcho(%q, %q) = %q, want %q", tt.text, tt.cmd, got, tt.want)
		}
	}
}

// ============================================================
// Serialization
// ============================================================

func TestRegistry_ConcurrentWritesDoNotInterleave(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.create(t, "s1")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.reg.Write(ctx, "s1", fmt.Sprintf("command-%02d", i), true); err != nil {
				t.Errorf("Write: %v", err)
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(h.spawner.Last().Written(), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines, want 20", len(lines))
	}
	seen := make(map[string]bool)
	for _, l := range lines {
		if !strings.HasPrefix(l, "command-") || len(l) != len("command-00") {
			t.Errorf("interleaved line %q", l)
		}
		seen[l] = true
	}
	if len(seen) != 20 {
		t.Errorf("distinct lines = %d, want 20", len(seen))
	}
}

func TestRegistry_AcquireHonorsContext(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.create(t, "s1")

	e := h.reg.entries["s1"]
	if err := e.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.reg.View(ctx, "s1", true, "c"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("View = %v, want deadline exceeded", err)
	}

	e.release()
	if _, err := h.reg.View(context.Background(), "s1", true, "c"); err != nil {
		t.Errorf("View after release: %v", err)
	}
}

func TestRegistry_OtherSessionsDoNotBlock(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.create(t, "s1")
	h.create(t, "s2")

	e := h.reg.entries["s1"]
	if err := e.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer e.release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := h.reg.View(ctx, "s2", true, "c"); err != nil {
		t.Errorf("View s2 while s1 is busy: %v", err)
	}
}

func TestRegistry_ConcurrentMixedOperations(t *testing.T) {
	const (
		sessions = 8
		workers  = 4
		writes   = 10
	)
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("stress-%d", i)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := 0; n < writes; n++ {
					if err := h.reg.Write(ctx, id, "x", false); err != nil {
						t.Errorf("Write(%s): %v", id, err)
						return
					}
					if _, err := h.reg.View(ctx, id, n%2 == 0, fmt.Sprintf("w%d", w)); err != nil {
						t.Errorf("View(%s): %v", id, err)
						return
					}
					_ = h.reg.List()
				}
			}()
		}
	}
	wg.Wait()

	if h.reg.Len() != sessions {
		t.Fatalf("Len = %d, want %d", h.reg.Len(), sessions)
	}
	procs := h.spawner.Processes()
	if len(procs) != sessions {
		t.Fatalf("spawned %d processes, want %d", len(procs), sessions)
	}
	for _, p := range procs {
		if got := p.Written(); got != strings.Repeat("x", workers*writes) {
			t.Errorf("Written = %q", got)
		}
	}

	if err := h.reg.ResetAll(ctx); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	for _, info := range h.reg.List() {
		if info.Generation != 2 {
			t.Errorf("%s generation = %d, want 2", info.ID, info.Generation)
		}
	}
}

// ============================================================
// Shutdown
// ============================================================

func TestRegistry_Shutdown(t *testing.T) {
	h := newHarness(t, nil, nil)
	s := h.create(t, "s1")
	ctx := context.Background()

	if err := h.reg.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.Status() != StatusKilled {
		t.Errorf("Status = %s, want killed", s.Status())
	}
	if h.reg.Len() != 0 {
		t.Errorf("Len = %d", h.reg.Len())
	}
	if _, err := h.reg.GetOrCreate(ctx, "s2", CreateOptions{}); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("GetOrCreate = %v, want ErrRegistryClosed", err)
	}
	if err := h.reg.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
