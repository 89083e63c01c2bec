package session

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/whit3rabbit/manus-open/internal/output"
	"github.com/whit3rabbit/manus-open/internal/prompt"
)

const (
	readBufferSize = 4096

	// maxPromptTail bounds the clean text searched for the shell marker.
	maxPromptTail = 8 << 10

	// idleTail is how much history the interactive prompt detector sees.
	idleTail = 4 << 10
)

// expecter watches one process generation. It is the only goroutine that
// appends to history or changes status while the process runs, so events
// for a session come from a single producer.
type expecter struct {
	s    *Session
	proc Process
	gen  int

	dec    *output.Decoder
	chunks chan []byte
	input  chan struct{}
	idle   <-chan time.Time
	tail   string

	killed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newExpecter(s *Session, proc Process, gen int) *expecter {
	ctx, cancel := context.WithCancel(context.Background())
	return &expecter{
		s:      s,
		proc:   proc,
		gen:    gen,
		dec:    output.NewDecoder(),
		chunks: make(chan []byte, 16),
		input:  make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// signalInput tells the expecter that input was written. It never blocks.
func (e *expecter) signalInput() {
	select {
	case e.input <- struct{}{}:
	default:
	}
}

// stop cancels the loop; the process must already be terminated.
func (e *expecter) stop() {
	e.cancel()
}

func (e *expecter) run() {
	defer close(e.done)
	go e.read()

	e.arm()
	e.s.transition(StatusRunning, StatusDetail{})

	procDone := e.proc.Done()
	var drain <-chan time.Time

	for {
		select {
		case b, ok := <-e.chunks:
			if !ok {
				e.finish()
				return
			}
			// Input written before this output was read must be seen first.
			select {
			case <-e.input:
				e.onInput()
			default:
			}
			e.onChunk(b)

		case <-e.input:
			e.onInput()

		case <-e.idle:
			e.idle = nil
			e.onIdle()

		case <-procDone:
			// Give the reader a moment to collect output still buffered in
			// the terminal.
			procDone = nil
			drain = time.After(e.s.drainTimeout())

		case <-drain:
			e.finish()
			return

		case <-e.ctx.Done():
			e.finish()
			return
		}
	}
}

// read forwards process output until EOF or error.
func (e *expecter) read() {
	defer close(e.chunks)
	buf := make([]byte, readBufferSize)
	for {
		n, err := e.proc.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			e.chunks <- b
		}
		if err != nil {
			return
		}
	}
}

func (e *expecter) arm() {
	e.idle = e.s.deps.clock.After(e.s.idleThreshold())
}

func (e *expecter) onInput() {
	e.s.touch(e.s.deps.clock.Now())
	e.arm()

	e.s.mu.Lock()
	e.s.detection = nil
	e.s.mu.Unlock()

	if e.s.Status() == StatusWaitingInput {
		e.s.transition(StatusRunning, StatusDetail{})
	}
}

func (e *expecter) onChunk(b []byte) {
	now := e.s.deps.clock.Now()
	e.s.touch(now)
	e.arm()

	if out := e.dec.Feed(b); len(out) > 0 {
		e.emit(out, now)
	}
}

// emit stores decoded output, publishes it and looks for a shell prompt.
func (e *expecter) emit(out []byte, now time.Time) {
	clean := output.Clean(string(out))
	chunk, truncated := e.s.history.Append(out, clean, now)
	e.s.deps.metrics.Output(len(out), truncated)
	e.s.deps.recorder.Output(e.s.id, out)

	e.s.publish(Event{
		Type:      EventOutput,
		Data:      string(out),
		Seq:       chunk.Seq,
		Timestamp: Timestamp(now),
	})

	e.tail += clean
	if len(e.tail) > maxPromptTail {
		e.tail = e.tail[len(e.tail)-maxPromptTail:]
	}

	sm, atPrompt := e.s.deps.shell.AtEnd(e.tail)

	// Text ahead of the marker is command output: the shell was busy even if
	// it is ready again by the end of this chunk.
	body := clean
	if atPrompt {
		body = clean[:max(0, len(clean)-(len(e.tail)-sm.Start))]
	}
	if strings.TrimSpace(body) != "" && e.s.Status() == StatusWaitingInput {
		e.s.transition(StatusRunning, StatusDetail{})
	}

	if atPrompt {
		e.tail = ""
		e.onPrompt(sm.Prompt)
	}
}

// onPrompt records the prompt and wakes prompt waiters under the same lock
// as the status change, so a woken waiter always sees waiting_input.
func (e *expecter) onPrompt(p prompt.ShellPrompt) {
	e.s.mu.Lock()
	e.s.prompt = &p
	e.s.detection = nil
	e.s.promptDue = false
	changed := e.s.status == StatusRunning
	if changed {
		e.s.status = StatusWaitingInput
	}
	gen := e.s.generation
	close(e.s.promptCh)
	e.s.promptCh = make(chan struct{})
	e.s.mu.Unlock()

	if changed {
		e.s.logger.Debug("status changed",
			slog.String("from", string(StatusRunning)),
			slog.String("to", string(StatusWaitingInput)),
		)
		e.s.publishStatus(StatusWaitingInput, StatusDetail{Generation: gen, Prompt: p.String()})
	}
}

func (e *expecter) onIdle() {
	if e.s.Status() != StatusRunning {
		return
	}

	var detail StatusDetail
	if det := e.s.deps.detector.Detect(e.s.history.Tail(idleTail)); det != nil {
		detail.PromptType = string(det.Type())
		detail.Hint = det.Hint()
		e.s.mu.Lock()
		e.s.detection = det
		e.s.mu.Unlock()
	}
	e.s.transition(StatusWaitingInput, detail)
}

// finish closes the process, flushes what is left and publishes the final
// status.
func (e *expecter) finish() {
	_ = e.proc.Close()

	now := e.s.deps.clock.Now()
	for b := range e.chunks {
		if out := e.dec.Feed(b); len(out) > 0 {
			e.emit(out, now)
		}
	}
	if rest := e.dec.Flush(); len(rest) > 0 {
		e.emit(rest, now)
	}

	select {
	case <-e.proc.Done():
	case <-time.After(e.s.drainTimeout()):
	}

	status := StatusExited
	if e.killed.Load() {
		status = StatusKilled
	}
	code := e.proc.ExitCode()

	e.s.mu.Lock()
	e.s.exitCode = code
	e.s.mu.Unlock()

	if err := e.s.deps.recorder.Stop(e.s.id); err != nil {
		e.s.logger.Warn("failed to stop recording", slog.String("error", err.Error()))
	}

	detail := StatusDetail{}
	if status == StatusExited && code >= 0 {
		detail.ExitCode = &code
	}
	e.s.transition(status, detail)
	e.s.notifyPrompt()
	e.cancel()

	e.s.logger.Info("shell ended",
		slog.String("status", string(status)),
		slog.Int("exit_code", code),
		slog.Int("generation", e.gen),
	)
}
