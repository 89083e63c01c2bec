package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrDirNotAllowed is wrapped when a working directory falls outside policy.
var ErrDirNotAllowed = errors.New("directory not allowed")

// DirPolicy restricts session working directories to a set of globs such
// as "/home/ubuntu/**". An empty policy allows any directory.
type DirPolicy struct {
	mu       sync.RWMutex
	patterns []string
}

// NewDirPolicy validates patterns and builds a policy.
func NewDirPolicy(patterns []string) (*DirPolicy, error) {
	p := &DirPolicy{}
	if err := p.Update(patterns); err != nil {
		return nil, err
	}
	return p, nil
}

// Update replaces the allowed globs. On error the current globs are kept.
func (p *DirPolicy) Update(patterns []string) error {
	clean := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = filepath.ToSlash(filepath.Clean(pattern))
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid directory pattern %q", pattern)
		}
		clean = append(clean, pattern)
	}

	p.mu.Lock()
	p.patterns = clean
	p.mu.Unlock()
	return nil
}

// Check returns nil if dir may be used as a working directory. Relative
// directories are rejected whenever a policy is configured.
func (p *DirPolicy) Check(dir string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.patterns) == 0 || dir == "" {
		return nil
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("%w: %s is not absolute", ErrDirNotAllowed, dir)
	}

	dir = filepath.ToSlash(filepath.Clean(dir))
	for _, pattern := range p.patterns {
		if pattern == dir {
			return nil
		}
		if ok, _ := doublestar.Match(pattern, dir); ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrDirNotAllowed, dir)
}
