// Package output turns raw PTY bytes into history chunks: it frames reads on
// escape-sequence and UTF-8 boundaries, renders a clean text view, and keeps
// a bounded, sequenced history with per-consumer cursors.
package output

import (
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

const (
	esc = 0x1b
	bel = 0x07

	// maxPending caps how many trailing bytes are held back waiting for an
	// escape sequence to complete. Longer runs are flushed as-is.
	maxPending = 4096
)

// Decoder frames a byte stream so that no chunk ends in the middle of an
// ANSI escape sequence or a multi-byte UTF-8 rune.
type Decoder struct {
	pending []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends b to any held-back bytes and returns the longest prefix that
// ends on a sequence boundary. The remainder is kept for the next call.
func (d *Decoder) Feed(b []byte) []byte {
	buf := make([]byte, 0, len(d.pending)+len(b))
	buf = append(buf, d.pending...)
	buf = append(buf, b...)

	cut := boundary(buf)
	if len(buf)-cut > maxPending {
		cut = len(buf)
	}

	d.pending = append(d.pending[:0], buf[cut:]...)
	return buf[:cut]
}

// Flush returns and clears whatever is still held back.
func (d *Decoder) Flush() []byte {
	out := d.pending
	d.pending = nil
	return out
}

// buffered reports how many bytes are being held back.
func (d *Decoder) buffered() int {
	return len(d.pending)
}

// boundary returns the index at which buf can be safely split.
func boundary(buf []byte) int {
	if i := incompleteEscape(buf); i >= 0 {
		return i
	}
	return len(buf) - incompleteRune(buf)
}

// incompleteEscape returns the start of an unterminated escape sequence at
// the end of buf, or -1.
func incompleteEscape(buf []byte) int {
	start := len(buf) - maxPending
	if start < 0 {
		start = 0
	}
	i := lastIndexByte(buf[start:], esc)
	if i < 0 {
		return -1
	}
	i += start

	if !escapeComplete(buf[i:]) {
		return i
	}
	return -1
}

// escapeComplete reports whether seq, which starts with ESC, is a finished
// escape sequence (or at least contains one at its head).
func escapeComplete(seq []byte) bool {
	if len(seq) < 2 {
		return false
	}

	switch seq[1] {
	case '[': // CSI: params 0x30-0x3F, intermediates 0x20-0x2F, final 0x40-0x7E
		for _, c := range seq[2:] {
			if c >= 0x40 && c <= 0x7e {
				return true
			}
			if c < 0x20 || c > 0x3f {
				// Malformed; treat as terminated so it is not held forever.
				return true
			}
		}
		return false
	case ']': // OSC: terminated by BEL or ST
		for j := 2; j < len(seq); j++ {
			if seq[j] == bel {
				return true
			}
			if seq[j] == esc && j+1 < len(seq) && seq[j+1] == '\\' {
				return true
			}
		}
		return false
	case 'P', 'X', '^', '_': // DCS, SOS, PM, APC: terminated by ST
		for j := 2; j+1 < len(seq); j++ {
			if seq[j] == esc && seq[j+1] == '\\' {
				return true
			}
		}
		return false
	default:
		if seq[1] >= 0x20 && seq[1] <= 0x2f {
			// nF sequence such as ESC ( B: needs a final byte.
			for _, c := range seq[2:] {
				if c >= 0x30 && c <= 0x7e {
					return true
				}
			}
			return false
		}
		return true
	}
}

// incompleteRune returns how many trailing bytes of buf form the beginning
// of a multi-byte rune that has not been fully received.
func incompleteRune(buf []byte) int {
	for n := 1; n <= utf8.UTFMax-1 && n <= len(buf); n++ {
		c := buf[len(buf)-n]
		if utf8.RuneStart(c) {
			if c < utf8.RuneSelf {
				return 0
			}
			if !utf8.FullRune(buf[len(buf)-n:]) {
				return n
			}
			return 0
		}
	}
	return 0
}

func lastIndexByte(b []byte, c byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == c {
			return i
		}
	}
	return -1
}

// Clean renders raw terminal output as plain text: escape sequences are
// stripped and carriage returns and backspaces overwrite the current line
// the way a terminal would display it.
func Clean(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = overwriteLine(line)
	}
	return strings.Join(lines, "\n")
}

func overwriteLine(line string) string {
	if line == "" {
		return ""
	}

	var cells []rune
	col := 0
	for i, seg := range strings.Split(line, "\r") {
		if i > 0 {
			col = 0
		}
		for _, r := range ansi.Strip(seg) {
			switch {
			case r == '\b':
				if col > 0 {
					col--
				}
				continue
			case r == '\t':
			case r < 0x20 || r == 0x7f:
				continue
			}
			if col < len(cells) {
				cells[col] = r
			} else {
				cells = append(cells, r)
			}
			col++
		}
	}
	return string(cells)
}
