package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultPS1 is exported to the shell so that every prompt it prints can be
// recognized and parsed.
const DefaultPS1 = `[CMD_BEGIN]\n\u@\h:\w\n[CMD_END]`

// DefaultPS1Pattern matches a rendered DefaultPS1. Groups: user, host, cwd.
const DefaultPS1Pattern = `\[CMD_BEGIN\]\s*([a-z0-9_-]*)@([a-zA-Z0-9.-]*):(.+)\s*\[CMD_END\]`

// ShellPrompt is the parsed content of a shell prompt marker.
type ShellPrompt struct {
	User string `json:"user"`
	Host string `json:"host"`
	Cwd  string `json:"cwd"`
}

// String renders the prompt as a conventional "user@host:cwd$ " line.
func (p ShellPrompt) String() string {
	user := p.User
	if user == "" {
		user = "ubuntu"
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	cwd := p.Cwd
	if cwd == "" {
		cwd = "~"
	}
	return fmt.Sprintf("%s@%s:%s$ ", user, host, cwd)
}

// ShellMatch is a marker found in output.
type ShellMatch struct {
	Prompt ShellPrompt
	Start  int // byte offset of the marker in the searched text
	End    int
}

// ShellMatcher finds shell prompt markers in clean output.
type ShellMatcher struct {
	re *regexp.Regexp
}

// NewShellMatcher compiles pattern, or DefaultPS1Pattern when empty.
func NewShellMatcher(pattern string) (*ShellMatcher, error) {
	if pattern == "" {
		pattern = DefaultPS1Pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile shell prompt pattern: %w", err)
	}
	if re.NumSubexp() < 3 {
		return nil, fmt.Errorf("shell prompt pattern needs user, host and cwd groups, has %d", re.NumSubexp())
	}
	return &ShellMatcher{re: re}, nil
}

// Last returns the last marker in text.
func (m *ShellMatcher) Last(text string) (ShellMatch, bool) {
	all := m.re.FindAllStringSubmatchIndex(text, -1)
	if len(all) == 0 {
		return ShellMatch{}, false
	}
	loc := all[len(all)-1]
	n := len(loc)
	group := func(i int) string {
		if loc[2*i] < 0 {
			return ""
		}
		return strings.TrimSpace(text[loc[2*i]:loc[2*i+1]])
	}
	// The last three groups are user, host, cwd, so patterns may add
	// leading groups of their own.
	first := n/2 - 3
	return ShellMatch{
		Prompt: ShellPrompt{
			User: group(first),
			Host: group(first + 1),
			Cwd:  group(first + 2),
		},
		Start: loc[0],
		End:   loc[1],
	}, true
}

// AtEnd reports whether text ends with a marker, ignoring trailing
// whitespace. This is the signal that the shell is ready for a command.
func (m *ShellMatcher) AtEnd(text string) (ShellMatch, bool) {
	sm, ok := m.Last(text)
	if !ok {
		return ShellMatch{}, false
	}
	if strings.TrimSpace(text[sm.End:]) != "" {
		return ShellMatch{}, false
	}
	return sm, true
}

// Strip removes every marker from text, leaving command output only.
func (m *ShellMatcher) Strip(text string) string {
	return m.re.ReplaceAllString(text, "")
}

// Render replaces every marker with its conventional "user@host:cwd$ " form,
// which is how prompts are shown to callers.
func (m *ShellMatcher) Render(text string) string {
	all := m.re.FindAllStringSubmatchIndex(text, -1)
	if len(all) == 0 {
		return text
	}

	var sb strings.Builder
	prev := 0
	for _, loc := range all {
		sb.WriteString(text[prev:loc[0]])
		sm, _ := m.Last(text[loc[0]:loc[1]])
		sb.WriteString(sm.Prompt.String())
		prev = loc[1]
	}
	sb.WriteString(text[prev:])
	return sb.String()
}
