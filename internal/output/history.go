package output

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// TruncationMarker replaces history that was dropped to stay within bounds.
const TruncationMarker = "[previous content truncated]..."

// DefaultLimit is the default history bound in bytes.
const DefaultLimit = 1 << 20

// maxCursors bounds the consumer cursors kept per history. The least
// recently used cursor is evicted first; its consumer starts over.
const maxCursors = 256

// Chunk is one timestamped piece of output.
type Chunk struct {
	Seq       uint64    `json:"seq"`
	Raw       string    `json:"raw"`
	Clean     string    `json:"clean"`
	Timestamp time.Time `json:"timestamp"`
	Truncated bool      `json:"truncated,omitempty"`
	Dropped   int       `json:"dropped,omitempty"` // bytes represented by a truncation marker
}

// History is an append-only, byte-bounded sequence of chunks. Once the bound
// is exceeded the oldest chunks are folded into a single leading marker.
//
// Sequence numbers keep increasing across Reset so that a consumer cursor
// never has to move backwards.
type History struct {
	mu          sync.RWMutex
	chunks      []Chunk
	size        int // raw bytes held, excluding the marker
	limit       int
	seq         uint64
	cursors     map[string]*cursor
	uses        uint64
	truncations int
}

type cursor struct {
	seq  uint64
	used uint64
}

// NewHistory creates a history bounded to limit bytes.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &History{
		limit:   limit,
		cursors: make(map[string]*cursor),
	}
}

// Append stores raw output with its clean rendering and returns the stored
// chunk. It reports whether older content had to be truncated.
func (h *History) Append(raw []byte, clean string, ts time.Time) (Chunk, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	c := Chunk{
		Seq:       h.seq,
		Raw:       string(raw),
		Clean:     clean,
		Timestamp: ts,
	}
	h.chunks = append(h.chunks, c)
	h.size += len(c.Raw)

	truncated := h.enforceLimit(ts)
	if truncated {
		h.truncations++
		c = h.chunks[len(h.chunks)-1]
	}
	return c, truncated
}

// enforceLimit drops the oldest chunks until the history fits. Caller holds mu.
func (h *History) enforceLimit(ts time.Time) bool {
	if h.size <= h.limit {
		return false
	}

	dropped := 0
	body := h.chunks
	if len(body) > 0 && body[0].Truncated {
		dropped = body[0].Dropped
		body = body[1:]
	}

	for h.size > h.limit && len(body) > 1 {
		dropped += len(body[0].Raw)
		h.size -= len(body[0].Raw)
		body = body[1:]
	}

	if h.size > h.limit {
		// A single chunk larger than the bound keeps only its tail.
		last := body[0]
		cut := len(last.Raw) - h.limit
		for cut < len(last.Raw) && !utf8.RuneStart(last.Raw[cut]) {
			cut++
		}
		dropped += cut
		h.size -= cut
		last.Raw = last.Raw[cut:]
		last.Clean = Clean(last.Raw)
		body[0] = last
	}

	marker := Chunk{
		Seq:       body[0].Seq - 1,
		Raw:       TruncationMarker,
		Clean:     TruncationMarker,
		Timestamp: ts,
		Truncated: true,
		Dropped:   dropped,
	}

	chunks := make([]Chunk, 0, len(body)+1)
	chunks = append(chunks, marker)
	chunks = append(chunks, body...)
	h.chunks = chunks
	return true
}

// SnapshotFor returns every stored chunk and marks all of them seen by
// consumer in one step.
func (h *History) SnapshotFor(consumer string) []Chunk {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Chunk, len(h.chunks))
	copy(out, h.chunks)
	h.advance(consumer)
	return out
}

// After returns the chunks with a sequence number greater than seq.
func (h *History) After(seq uint64) []Chunk {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.after(seq)
}

func (h *History) after(seq uint64) []Chunk {
	var out []Chunk
	for _, c := range h.chunks {
		if c.Seq > seq {
			out = append(out, c)
		}
	}
	return out
}

// Since returns the chunks the consumer has not seen yet and advances its
// cursor to the newest sequence number.
func (h *History) Since(consumer string) []Chunk {
	h.mu.Lock()
	defer h.mu.Unlock()

	var from uint64
	if cur, ok := h.cursors[consumer]; ok {
		from = cur.seq
	}
	out := h.after(from)
	h.advance(consumer)
	return out
}

// advance moves consumer's cursor to the newest chunk. Caller holds mu.
func (h *History) advance(consumer string) {
	h.uses++
	cur, ok := h.cursors[consumer]
	if !ok {
		if len(h.cursors) >= maxCursors {
			h.evictOldest()
		}
		cur = &cursor{}
		h.cursors[consumer] = cur
	}
	cur.used = h.uses
	if h.seq > cur.seq {
		cur.seq = h.seq
	}
}

// evictOldest drops the least recently used cursor. Caller holds mu.
func (h *History) evictOldest() {
	var (
		victim string
		oldest uint64
		found  bool
	)
	for name, cur := range h.cursors {
		if !found || cur.used < oldest {
			victim, oldest, found = name, cur.used, true
		}
	}
	if found {
		delete(h.cursors, victim)
	}
}

// Cursor returns the last sequence number delivered to consumer.
func (h *History) Cursor(consumer string) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if cur, ok := h.cursors[consumer]; ok {
		return cur.seq
	}
	return 0
}

// Forget drops a consumer's cursor.
func (h *History) Forget(consumer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cursors, consumer)
}

// Reset discards all chunks. Sequence numbering continues, so existing
// cursors now point past an empty history.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.chunks = nil
	h.size = 0
	for _, cur := range h.cursors {
		cur.seq = h.seq
	}
}

// LastSeq returns the sequence number of the newest chunk ever appended.
func (h *History) LastSeq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Size returns the number of raw bytes held, excluding the marker.
func (h *History) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Limit returns the configured bound.
func (h *History) Limit() int {
	return h.limit
}

// Truncations returns how many appends caused truncation.
func (h *History) Truncations() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.truncations
}

// Tail returns up to n bytes from the end of the clean history text.
func (h *History) Tail(n int) string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var sb strings.Builder
	for _, c := range h.chunks {
		if !c.Truncated {
			sb.WriteString(c.Clean)
		}
	}
	s := sb.String()
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// Text concatenates the clean text of chunks.
func Text(chunks []Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Clean)
	}
	return sb.String()
}
