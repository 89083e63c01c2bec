package prompt

import (
	"regexp"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Detector construction and custom patterns
// ---------------------------------------------------------------------------

func TestNewDetector(t *testing.T) {
	d := NewDetector()
	if len(d.patterns) == 0 {
		t.Error("NewDetector should populate default patterns")
	}
	if len(d.customPatterns) != 0 {
		t.Error("NewDetector should start with no custom patterns")
	}
}

func TestAddPattern_HasPriority(t *testing.T) {
	d := NewDetector()
	d.AddPattern(Pattern{
		Name:  "custom_password",
		Regex: regexp.MustCompile(`password:\s*$`),
		Type:  PromptTypeText,
	})

	det := d.Detect("Enter password: ")
	if det == nil {
		t.Fatal("expected detection")
	}
	if det.Pattern.Name != "custom_password" {
		t.Errorf("pattern = %q, want custom_password", det.Pattern.Name)
	}
}

func TestAddPatternFromConfig(t *testing.T) {
	d := NewDetector()
	if err := d.AddPatternFromConfig("vault", `Vault password:\s*$`, "password", ""); err != nil {
		t.Fatalf("AddPatternFromConfig: %v", err)
	}
	det := d.Detect("Vault password: ")
	if det == nil || det.Pattern.Name != "vault" {
		t.Fatalf("expected vault detection, got %+v", det)
	}
	if det.Type() != PromptTypePassword {
		t.Errorf("type = %q, want password", det.Type())
	}

	if err := d.AddPatternFromConfig("bad", `[invalid(`, "text", ""); err == nil {
		t.Error("expected error for invalid regex")
	}
}

func TestSetCustomPatterns_Replaces(t *testing.T) {
	d := NewDetector()
	d.AddPattern(Pattern{Name: "a", Regex: regexp.MustCompile(`aaa$`)})
	d.SetCustomPatterns([]Pattern{{Name: "b", Regex: regexp.MustCompile(`bbb$`)}})

	if d.Detect("aaa") != nil {
		t.Error("replaced pattern should no longer match")
	}
	if det := d.Detect("bbb"); det == nil || det.Pattern.Name != "b" {
		t.Errorf("expected b, got %+v", det)
	}
}

func TestParsePromptType(t *testing.T) {
	tests := []struct {
		in   string
		want PromptType
	}{
		{"password", PromptTypePassword},
		{"confirmation", PromptTypeConfirmation},
		{"editor", PromptTypeEditor},
		{"pager", PromptTypePager},
		{"text", PromptTypeText},
		{"", PromptTypeText},
		{"unknown", PromptTypeText},
	}
	for _, tt := range tests {
		if got := ParsePromptType(tt.in); got != tt.want {
			t.Errorf("ParsePromptType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Default patterns
// ---------------------------------------------------------------------------

func TestDetect_DefaultPatterns(t *testing.T) {
	tests := []struct {
		name     string
		buffer   string
		wantName string
		wantType PromptType
	}{
		{"sudo", "[sudo] password for ubuntu: ", "sudo_password", PromptTypePassword},
		{"generic password", "Password: ", "password_generic", PromptTypePassword},
		{"ssh host key", "Are you sure you want to continue connecting (yes/no/[fingerprint])? ", "ssh_host_key", PromptTypeConfirmation},
		{"apt", "Do you want to continue? [Y/n] ", "apt_confirmation", PromptTypeConfirmation},
		{"overwrite", "overwrite 'a.txt'? [y/N] ", "overwrite_confirm", PromptTypeConfirmation},
		{"yes/no", "Proceed (yes/no)? ", "yes_no_generic", PromptTypeConfirmation},
		{"less", "line 1\nline 2\n(END)", "less_pager", PromptTypePager},
		{"python", "Python 3.12\n>>> ", "python_prompt", PromptTypeText},
		{"nano", "  GNU nano 7.2   file.txt", "nano_editor", PromptTypeEditor},
	}
	d := NewDetector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := d.Detect(tt.buffer)
			if det == nil {
				t.Fatalf("Detect(%q) = nil", tt.buffer)
			}
			if det.Pattern.Name != tt.wantName {
				t.Errorf("pattern = %q, want %q", det.Pattern.Name, tt.wantName)
			}
			if det.Type() != tt.wantType {
				t.Errorf("type = %q, want %q", det.Type(), tt.wantType)
			}
		})
	}
}

func TestDetect_NoMatch(t *testing.T) {
	d := NewDetector()
	for _, buf := range []string{"", "   \n  ", "total 0\ndrwxr-xr-x 2 root root 40 .\n", "compiling...\n"} {
		if det := d.Detect(buf); det != nil {
			t.Errorf("Detect(%q) = %q, want nil", buf, det.Pattern.Name)
		}
	}
}

func TestDetect_OnlySearchesTail(t *testing.T) {
	d := NewDetector()
	lines := []string{"Password: "}
	for i := 0; i < tailLines; i++ {
		lines = append(lines, "output")
	}
	if det := d.Detect(strings.Join(lines, "\n")); det != nil {
		t.Errorf("prompt outside the tail should be ignored, got %q", det.Pattern.Name)
	}
}

func TestDetect_CapturesContext(t *testing.T) {
	d := NewDetector()
	det := d.Detect("Reading package lists...\nDo you want to continue? [Y/n] ")
	if det == nil {
		t.Fatal("expected detection")
	}
	if det.Context != "Reading package lists..." {
		t.Errorf("Context = %q", det.Context)
	}
	if !strings.HasPrefix(det.MatchedText, "Do you want to continue?") {
		t.Errorf("MatchedText = %q", det.MatchedText)
	}
}

// ---------------------------------------------------------------------------
// Hints
// ---------------------------------------------------------------------------

func TestDetection_Hint(t *testing.T) {
	tests := []struct {
		p    Pattern
		want string
	}{
		{Pattern{Type: PromptTypePassword}, "Password required"},
		{Pattern{Type: PromptTypeConfirmation, SuggestedResponse: "y"}, "Suggested response: y"},
		{Pattern{Type: PromptTypeConfirmation}, "Confirmation required."},
		{Pattern{Type: PromptTypeEditor, SuggestedResponse: ":q!"}, ":q!"},
		{Pattern{Type: PromptTypePager, SuggestedResponse: "q"}, "'q'"},
		{Pattern{Type: PromptTypeText}, "Input required."},
	}
	for _, tt := range tests {
		det := &Detection{Pattern: tt.p}
		if got := det.Hint(); !strings.Contains(got, tt.want) {
			t.Errorf("Hint() for %s = %q, want it to contain %q", tt.p.Type, got, tt.want)
		}
	}
}
