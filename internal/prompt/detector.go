package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// tailLines is how many trailing lines of output are searched.
const tailLines = 10

// Detection represents a detected interactive prompt.
type Detection struct {
	Pattern     Pattern
	MatchedText string
	Context     string // text on the searched lines before the match
}

// Detector detects interactive prompts in terminal output.
type Detector struct {
	mu             sync.RWMutex
	patterns       []Pattern
	customPatterns []Pattern
}

// NewDetector creates a new prompt detector with default patterns.
func NewDetector() *Detector {
	return &Detector{
		patterns: DefaultPatterns(),
	}
}

// AddPattern adds a custom pattern. Custom patterns are tried first.
func (d *Detector) AddPattern(p Pattern) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customPatterns = append(d.customPatterns, p)
}

// AddPatternFromConfig compiles and adds a pattern from configuration.
func (d *Detector) AddPatternFromConfig(name, regex, promptType, suggested string) error {
	p, err := CompilePattern(name, regex, promptType, suggested)
	if err != nil {
		return err
	}
	d.AddPattern(p)
	return nil
}

// CompilePattern builds a Pattern from configuration values.
func CompilePattern(name, regex, promptType, suggested string) (Pattern, error) {
	re, err := regexp.Compile(regex)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile prompt pattern %q: %w", name, err)
	}
	return Pattern{
		Name:              name,
		Regex:             re,
		Type:              ParsePromptType(promptType),
		SuggestedResponse: suggested,
	}, nil
}

// SetCustomPatterns replaces every custom pattern at once.
func (d *Detector) SetCustomPatterns(patterns []Pattern) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customPatterns = append([]Pattern(nil), patterns...)
}

// Detect checks the last lines of buffer for an interactive prompt.
// Returns nil when nothing matches.
func (d *Detector) Detect(buffer string) *Detection {
	d.mu.RLock()
	defer d.mu.RUnlock()

	recent := lastLines(buffer, tailLines)
	if strings.TrimSpace(recent) == "" {
		return nil
	}

	for _, p := range d.customPatterns {
		if det := match(recent, p); det != nil {
			return det
		}
	}
	for _, p := range d.patterns {
		if det := match(recent, p); det != nil {
			return det
		}
	}
	return nil
}

func match(recent string, p Pattern) *Detection {
	loc := p.Regex.FindStringIndex(recent)
	if loc == nil {
		return nil
	}
	return &Detection{
		Pattern:     p,
		MatchedText: recent[loc[0]:loc[1]],
		Context:     strings.TrimSpace(recent[:loc[0]]),
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Type returns the detected prompt type.
func (det *Detection) Type() PromptType {
	return det.Pattern.Type
}

// Hint returns a human-readable hint for the prompt.
func (det *Detection) Hint() string {
	suggested := det.Pattern.SuggestedResponse
	switch det.Pattern.Type {
	case PromptTypePassword:
		return "Password required. Write the password to continue."
	case PromptTypeConfirmation:
		if suggested != "" {
			return "Confirmation required. Suggested response: " + suggested
		}
		return "Confirmation required."
	case PromptTypeEditor:
		if suggested != "" {
			return "Interactive editor detected. Exit with " + suggested + " or kill the terminal."
		}
		return "Interactive editor detected."
	case PromptTypePager:
		if suggested != "" {
			return "Pager detected. Write '" + suggested + "' to quit."
		}
		return "Pager detected."
	default:
		return "Input required."
	}
}
