package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/whit3rabbit/manus-open/internal/session"
)

// tools returns every tool the server registers.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: terminalWriteTool(), Handler: s.handleTerminalWrite},
		{Tool: terminalViewTool(), Handler: s.handleTerminalView},
		{Tool: terminalRunTool(), Handler: s.handleTerminalRun},
		{Tool: terminalKillTool(), Handler: s.handleTerminalKill},
		{Tool: terminalResetTool(), Handler: s.handleTerminalReset},
		{Tool: terminalResetAllTool(), Handler: s.handleTerminalResetAll},
		{Tool: terminalListTool(), Handler: s.handleTerminalList},
	}
}

// Tool definitions

func terminalWriteTool() mcp.Tool {
	return mcp.NewTool("terminal_write",
		mcp.WithDescription("Write text to a terminal session, creating the session if it does not exist"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The terminal session ID"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to send to the shell"),
		),
		mcp.WithBoolean("enter",
			mcp.Description("Press Enter after the text (default: true)"),
			mcp.DefaultBool(true),
		),
	)
}

func terminalViewTool() mcp.Tool {
	return mcp.NewTool("terminal_view",
		mcp.WithDescription("View terminal output not yet seen, or the full history"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The terminal session ID"),
		),
		mcp.WithBoolean("full",
			mcp.Description("Return the whole retained history (default: false)"),
		),
	)
}

func terminalRunTool() mcp.Tool {
	return mcp.NewTool("terminal_run",
		mcp.WithDescription("Run a command and wait for the shell prompt to return"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The terminal session ID"),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The command to execute"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("How long to wait for the prompt in milliseconds (default: 60000)"),
		),
		mcp.WithNumber("tail_lines",
			mcp.Description("Return only the last N lines of output"),
		),
		mcp.WithNumber("head_lines",
			mcp.Description("Return only the first N lines of output"),
		),
	)
}

func terminalKillTool() mcp.Tool {
	return mcp.NewTool("terminal_kill",
		mcp.WithDescription("Kill the shell process of a terminal session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The terminal session ID"),
		),
	)
}

func terminalResetTool() mcp.Tool {
	return mcp.NewTool("terminal_reset",
		mcp.WithDescription("Restart a terminal session with a fresh shell under the same ID"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The terminal session ID"),
		),
	)
}

func terminalResetAllTool() mcp.Tool {
	return mcp.NewTool("terminal_reset_all",
		mcp.WithDescription("Restart every terminal session"),
	)
}

func terminalListTool() mcp.Tool {
	return mcp.NewTool("terminal_list",
		mcp.WithDescription("List terminal sessions and their status"),
	)
}

// Tool handlers

func (s *Server) handleTerminalWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	text := mcp.ParseString(req, "text", "")
	enter := mcp.ParseBoolean(req, "enter", true)

	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	if err := s.reg.Write(ctx, sessionID, text, enter); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Text written to terminal"), nil
}

// viewResult is the terminal_view payload.
type viewResult struct {
	SessionID  string         `json:"session_id"`
	Status     session.Status `json:"status"`
	Generation int            `json:"generation"`
	Prompt     string         `json:"prompt,omitempty"`
	PromptType string         `json:"prompt_type,omitempty"`
	Hint       string         `json:"hint,omitempty"`
	Seq        uint64         `json:"seq"`
	Output     []string       `json:"output"`
}

func (s *Server) handleTerminalView(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	full := mcp.ParseBoolean(req, "full", false)

	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	v, err := s.reg.View(ctx, sessionID, full, consumer)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(viewResult{
		SessionID:  v.SessionID,
		Status:     v.Status,
		Generation: v.Generation,
		Prompt:     v.Prompt,
		PromptType: v.PromptType,
		Hint:       v.Hint,
		Seq:        v.Seq,
		Output:     v.Lines(),
	})
}

// runResult is the terminal_run payload.
type runResult struct {
	session.RunResult
	Truncated  bool   `json:"truncated,omitempty"`
	TotalLines int    `json:"total_lines,omitempty"`
	ShownLines int    `json:"shown_lines,omitempty"`
	OutputFile string `json:"output_file,omitempty"`
	TotalBytes int    `json:"total_bytes,omitempty"`
}

func (s *Server) handleTerminalRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	command := mcp.ParseString(req, "command", "")
	timeoutMs := mcp.ParseInt(req, "timeout_ms", 0)
	tailLines := mcp.ParseInt(req, "tail_lines", 0)
	headLines := mcp.ParseInt(req, "head_lines", 0)

	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	if command == "" {
		return mcp.NewToolResultError("command is required"), nil
	}
	if tailLines > 0 && headLines > 0 {
		return mcp.NewToolResultError("tail_lines and head_lines cannot be used together"), nil
	}

	s.logger.Info("running command", slog.String("session_id", sessionID))

	res, err := s.reg.Run(ctx, sessionID, command, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := &runResult{RunResult: res}
	if tailLines > 0 || headLines > 0 {
		result.Output, result.Truncated, result.TotalLines, result.ShownLines =
			truncateOutput(result.Output, tailLines, headLines)
	}
	s.applyAutoTruncation(sessionID, result)

	return jsonResult(result)
}

func (s *Server) handleTerminalKill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	s.logger.Info("killing session", slog.String("session_id", sessionID))

	if err := s.reg.Kill(ctx, sessionID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Process killed"), nil
}

func (s *Server) handleTerminalReset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	s.logger.Info("resetting session", slog.String("session_id", sessionID))

	if err := s.reg.Reset(ctx, sessionID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Terminal reset successfully"), nil
}

func (s *Server) handleTerminalResetAll(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Info("resetting all sessions")

	if err := s.reg.ResetAll(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("All terminals reset successfully"), nil
}

func (s *Server) handleTerminalList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"terminals": s.reg.List(),
	})
}

// truncateOutput keeps the last tailLines or first headLines lines. It
// reports whether anything was dropped and the line counts before and after.
func truncateOutput(output string, tailLines, headLines int) (string, bool, int, int) {
	if output == "" {
		return "", false, 0, 0
	}
	lines := strings.Split(output, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	total := len(lines)

	switch {
	case tailLines > 0 && tailLines < total:
		return strings.Join(lines[total-tailLines:], "\n"), true, total, tailLines
	case headLines > 0 && headLines < total:
		return strings.Join(lines[:headLines], "\n"), true, total, headLines
	default:
		return output, false, total, total
	}
}

// applyAutoTruncation moves output larger than max_output_bytes to a file
// and returns its path instead.
func (s *Server) applyAutoTruncation(sessionID string, result *runResult) {
	limit := s.settings().MaxOutputBytes
	if limit <= 0 || len(result.Output) <= limit {
		return
	}

	total := len(result.Output)
	path, err := s.saveOutputToFile(sessionID, result.Output)
	if err != nil {
		s.logger.Warn("failed to save large output, returning tail",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		result.Output = tailBytes(result.Output, limit)
		result.Truncated = true
		result.TotalBytes = total
		return
	}

	result.Output = ""
	result.OutputFile = path
	result.Truncated = true
	result.TotalBytes = total
}

// tailBytes returns at most limit bytes from the end of s, starting on a
// rune boundary.
func tailBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := len(s) - limit
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

// saveOutputToFile writes content under the configured output directory.
func (s *Server) saveOutputToFile(sessionID, content string) (string, error) {
	dir := s.settings().OutputDir
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.txt", safeName(sessionID), s.clock.Now().UTC().Format("20060102-150405.000"))
	path := filepath.Join(dir, name)
	if err := s.fs.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("write output file: %w", err)
	}
	return path, nil
}

// safeName maps a session id to a file name component.
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// jsonResult converts a value to a JSON tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
