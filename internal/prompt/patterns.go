// Package prompt recognizes what a terminal is waiting for: the shell's own
// PS1 marker, or an interactive program asking for input.
package prompt

import "regexp"

// PromptType indicates the type of prompt detected.
type PromptType string

const (
	PromptTypePassword     PromptType = "password"
	PromptTypeConfirmation PromptType = "confirmation"
	PromptTypeText         PromptType = "text"
	PromptTypeEditor       PromptType = "editor"
	PromptTypePager        PromptType = "pager"
)

// ParsePromptType maps a config string onto a PromptType, defaulting to text.
func ParsePromptType(s string) PromptType {
	switch PromptType(s) {
	case PromptTypePassword, PromptTypeConfirmation, PromptTypeEditor, PromptTypePager:
		return PromptType(s)
	default:
		return PromptTypeText
	}
}

// Pattern represents a prompt detection pattern.
type Pattern struct {
	Name              string
	Regex             *regexp.Regexp
	Type              PromptType
	SuggestedResponse string
}

// DefaultPatterns returns the built-in interactive prompt patterns. They are
// matched against the tail of the clean output only once the terminal has
// gone quiet, so they favour precision over coverage.
func DefaultPatterns() []Pattern {
	return []Pattern{
		// Credentials
		{
			Name:  "sudo_password",
			Regex: regexp.MustCompile(`(?i)\[sudo\]\s+password\s+for\s+\w+:\s*$`),
			Type:  PromptTypePassword,
		},
		{
			Name:  "password_generic",
			Regex: regexp.MustCompile(`(?i)password:\s*$`),
			Type:  PromptTypePassword,
		},
		{
			Name:  "ssh_passphrase",
			Regex: regexp.MustCompile(`(?i)enter passphrase for key.*:\s*$`),
			Type:  PromptTypePassword,
		},
		{
			Name:  "git_username",
			Regex: regexp.MustCompile(`(?i)username for '.*':\s*$`),
			Type:  PromptTypeText,
		},

		// Confirmations
		{
			Name:              "ssh_host_key",
			Regex:             regexp.MustCompile(`(?i)are you sure you want to continue connecting \(yes/no(/\[fingerprint\])?\)\?\s*$`),
			Type:              PromptTypeConfirmation,
			SuggestedResponse: "yes",
		},
		{
			Name:              "apt_confirmation",
			Regex:             regexp.MustCompile(`(?i)do you want to continue\?\s*\[Y/n\]\s*$`),
			Type:              PromptTypeConfirmation,
			SuggestedResponse: "Y",
		},
		{
			Name:              "yum_confirmation",
			Regex:             regexp.MustCompile(`(?i)is this ok \[y/d/N\]:\s*$`),
			Type:              PromptTypeConfirmation,
			SuggestedResponse: "y",
		},
		{
			Name:              "npm_ok",
			Regex:             regexp.MustCompile(`(?i)is this ok\?\s*\(yes\)\s*$`),
			Type:              PromptTypeConfirmation,
			SuggestedResponse: "yes",
		},
		{
			Name:              "overwrite_confirm",
			Regex:             regexp.MustCompile(`(?i)(overwrite|replace).*\?\s*\[y/N\]\s*$`),
			Type:              PromptTypeConfirmation,
			SuggestedResponse: "y",
		},
		{
			Name:              "yes_no_generic",
			Regex:             regexp.MustCompile(`(?i)[\[(]yes/no[\])]\??\s*$`),
			Type:              PromptTypeConfirmation,
			SuggestedResponse: "yes",
		},
		{
			Name:              "y_n_generic",
			Regex:             regexp.MustCompile(`(?i)[\[(]y/n[\])]\??:?\s*$`),
			Type:              PromptTypeConfirmation,
			SuggestedResponse: "y",
		},

		// Full-screen programs
		{
			Name:              "nano_editor",
			Regex:             regexp.MustCompile(`GNU nano`),
			Type:              PromptTypeEditor,
			SuggestedResponse: "Ctrl+X",
		},
		{
			Name:              "git_commit_message",
			Regex:             regexp.MustCompile(`(?m)^# Please enter the commit message`),
			Type:              PromptTypeEditor,
			SuggestedResponse: ":wq (to save) or :q! (to abort)",
		},
		{
			Name:              "less_pager",
			Regex:             regexp.MustCompile(`\(END\)\s*$`),
			Type:              PromptTypePager,
			SuggestedResponse: "q",
		},
		{
			Name:              "more_pager",
			Regex:             regexp.MustCompile(`--More--`),
			Type:              PromptTypePager,
			SuggestedResponse: "q",
		},

		// REPLs
		{
			Name:  "python_prompt",
			Regex: regexp.MustCompile(`>>>\s*$`),
			Type:  PromptTypeText,
		},
		{
			Name:  "mysql_prompt",
			Regex: regexp.MustCompile(`mysql>\s*$`),
			Type:  PromptTypeText,
		},
		{
			Name:  "postgres_prompt",
			Regex: regexp.MustCompile(`\w+=[>#]\s*$`),
			Type:  PromptTypeText,
		},
		{
			Name:  "ruby_irb_prompt",
			Regex: regexp.MustCompile(`irb\([^)]+\):\d+:\d+>\s*$`),
			Type:  PromptTypeText,
		},
	}
}
