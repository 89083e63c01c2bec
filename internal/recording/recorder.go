// Package recording writes terminal sessions to disk in asciicast v2 format.
package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/whit3rabbit/manus-open/internal/ports"
)

// Recorder records terminal I/O of one session generation.
// See: https://docs.asciinema.org/manual/asciicast/v2/
type Recorder struct {
	mu        sync.Mutex
	file      ports.FileHandle
	startTime time.Time
	closed    bool
	clock     ports.Clock
}

// Header is the asciicast v2 header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event, encoded as [time, type, data].
type Event struct {
	Time float64
	Type string
	Data string
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Time, e.Type, e.Data})
}

// Options describes the terminal being recorded.
type Options struct {
	SessionID  string
	Generation int
	Shell      string
	Term       string
	Rows       uint16
	Cols       uint16
}

// NewRecorder creates <basePath>/<session>_<generation>_<time>.cast and
// writes its header.
func NewRecorder(fs ports.FileSystem, clock ports.Clock, basePath string, opts Options) (*Recorder, error) {
	if err := fs.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	now := clock.Now()
	filename := fmt.Sprintf("%s_%d_%s.cast", safeName(opts.SessionID), opts.Generation, now.Format("20060102_150405"))
	fullPath := filepath.Join(basePath, filename)

	file, err := fs.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	header := Header{
		Version:   2,
		Width:     int(opts.Cols),
		Height:    int(opts.Rows),
		Timestamp: now.Unix(),
		Title:     opts.SessionID,
		Env: map[string]string{
			"SHELL": opts.Shell,
			"TERM":  opts.Term,
		},
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := file.Write(append(headerJSON, '\n')); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	return &Recorder{
		file:      file,
		startTime: now,
		clock:     clock,
	}, nil
}

// safeName keeps caller-chosen session ids from escaping the directory.
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

// RecordOutput records terminal output.
func (r *Recorder) RecordOutput(data string) error {
	return r.record("o", data)
}

// RecordInput records caller input.
func (r *Recorder) RecordInput(data string) error {
	return r.record("i", data)
}

// RecordMaskedInput records input as asterisks, keeping a trailing newline.
func (r *Recorder) RecordMaskedInput(data string) error {
	body := strings.TrimRight(data, "\r\n")
	return r.record("i", strings.Repeat("*", len(body))+data[len(body):])
}

func (r *Recorder) record(eventType, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	event := Event{
		Time: r.clock.Now().Sub(r.startTime).Seconds(),
		Type: eventType,
		Data: data,
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.file.Write(append(eventJSON, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close closes the recording file. Further records are ignored.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// Path returns the path of the recording file.
func (r *Recorder) Path() string {
	return r.file.Name()
}
