// Package security enforces command and working-directory policy for
// terminal sessions.
package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// ErrBlocked is wrapped by every rejection from CommandFilter.Check.
var ErrBlocked = errors.New("command blocked")

// CommandFilter filters commands based on blocklist/allowlist patterns.
// Patterns can be replaced at runtime with Update.
type CommandFilter struct {
	mu        sync.RWMutex
	blocklist []*regexp.Regexp
	allowlist []*regexp.Regexp
}

// NewCommandFilter creates a new command filter with the given patterns.
func NewCommandFilter(blocklist, allowlist []string) (*CommandFilter, error) {
	cf := &CommandFilter{}
	if err := cf.Update(blocklist, allowlist); err != nil {
		return nil, err
	}
	return cf, nil
}

// Update swaps in new pattern lists. On error the current lists are kept.
func (cf *CommandFilter) Update(blocklist, allowlist []string) error {
	block, err := compileAll("blocklist", blocklist)
	if err != nil {
		return err
	}
	allow, err := compileAll("allowlist", allowlist)
	if err != nil {
		return err
	}

	cf.mu.Lock()
	cf.blocklist = block
	cf.allowlist = allow
	cf.mu.Unlock()
	return nil
}

func compileAll(kind string, patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// IsAllowed checks a single command line.
// Returns (allowed, reason).
func (cf *CommandFilter) IsAllowed(command string) (bool, string) {
	cf.mu.RLock()
	defer cf.mu.RUnlock()

	// Blocklist wins over allowlist.
	for _, re := range cf.blocklist {
		if re.MatchString(command) {
			return false, fmt.Sprintf("command blocked by pattern: %s", re.String())
		}
	}

	if len(cf.allowlist) > 0 {
		for _, re := range cf.allowlist {
			if re.MatchString(command) {
				return true, ""
			}
		}
		return false, "command not in allowlist"
	}

	return true, ""
}

// Check validates terminal input that may hold several lines. Each
// non-blank line is checked on its own. The returned error wraps ErrBlocked.
func (cf *CommandFilter) Check(input string) error {
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if ok, reason := cf.IsAllowed(line); !ok {
			return fmt.Errorf("%w: %s", ErrBlocked, reason)
		}
	}
	return nil
}

// Enabled reports whether any pattern is configured.
func (cf *CommandFilter) Enabled() bool {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return len(cf.blocklist) > 0 || len(cf.allowlist) > 0
}
