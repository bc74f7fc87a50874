package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ptyhub/mcp-pty/internal/errdefs"
	"github.com/ptyhub/mcp-pty/internal/pty"
	"github.com/ptyhub/mcp-pty/internal/session"
	"github.com/ptyhub/mcp-pty/internal/term"
)

// defaultWaitMs bounds the write_input observation window when the
// caller does not pass waitMs.
const defaultWaitMs = 1000

type handlers struct {
	sessions *session.Manager
	logger   *slog.Logger
}

type startResult struct {
	ProcessID string `json:"process_id"`
	Screen    string `json:"screen"`
	ExitCode  *int   `json:"exit_code"`
}

type killResult struct {
	Success bool `json:"success"`
}

type ptyInfo struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExitCode     *int      `json:"exit_code"`
}

type listResult struct {
	PTYs []ptyInfo `json:"ptys"`
}

type readResult struct {
	Screen string `json:"screen"`
}

type cursorPos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type writeResult struct {
	Screen   string    `json:"screen"`
	Cursor   cursorPos `json:"cursor"`
	ExitCode *int      `json:"exit_code"`
	Warning  string    `json:"warning,omitempty"`
}

func (h *handlers) registerTools(s *mcpserver.MCPServer) {
	s.AddTool(mcp.NewTool(
		"start",
		mcp.WithDescription("Start a command in a new pseudo-terminal. Returns the process id, the initial screen, and the exit code when the command already finished."),
		mcp.WithString("command", mcp.Required(),
			mcp.Description("Command line to run. Shell syntax such as pipes, redirections, and && is supported.")),
		mcp.WithString("pwd", mcp.Required(),
			mcp.Description("Working directory. Must be an absolute path or start with ~.")),
	), h.start)

	s.AddTool(mcp.NewTool(
		"kill",
		mcp.WithDescription("Terminate a PTY process and release its resources."),
		mcp.WithString("process_id", mcp.Required(),
			mcp.Description("Id returned by start.")),
	), h.kill)

	s.AddTool(mcp.NewTool(
		"list",
		mcp.WithDescription("List the PTY processes in the current session."),
	), h.list)

	s.AddTool(mcp.NewTool(
		"read",
		mcp.WithDescription("Capture the current terminal screen of a PTY process."),
		mcp.WithString("process_id", mcp.Required(),
			mcp.Description("Id returned by start.")),
	), h.read)

	s.AddTool(mcp.NewTool(
		"write_input",
		mcp.WithDescription("Send input to a PTY process and observe the screen afterwards. Pass input and/or ctrlCode for safe text entry, or data for raw bytes; data cannot be combined with the other two."),
		mcp.WithString("process_id", mcp.Required(),
			mcp.Description("Id returned by start.")),
		mcp.WithString("input",
			mcp.Description("Plain text to type, without escape sequences.")),
		mcp.WithString("ctrlCode",
			mcp.Description("Named control code such as Enter, Ctrl+C, or ArrowUp, or a raw sequence of at most four bytes. Appended after input.")),
		mcp.WithString("data",
			mcp.Description("Raw bytes to write verbatim, escape sequences included.")),
		mcp.WithNumber("waitMs",
			mcp.Description("How long to wait for output before capturing the screen, in milliseconds. Defaults to 1000.")),
	), h.writeInput)
}

// bind resolves the session a request belongs to and bumps its
// activity.
func (h *handlers) bind(ctx context.Context) (string, *pty.Manager, error) {
	id, ok := SessionFromContext(ctx)
	if !ok {
		return "", nil, errdefs.Transport("no session bound to request")
	}
	mgr, ok := h.sessions.PTYManager(id)
	if !ok {
		return "", nil, errdefs.NotFound("session %s not found", id)
	}
	h.sessions.Touch(id)
	return id, mgr, nil
}

// toolError surfaces recoverable kinds in the tool result and lets the
// rest travel as protocol errors.
func toolError(err error) (*mcp.CallToolResult, error) {
	switch errdefs.KindOf(err) {
	case errdefs.KindValidation, errdefs.KindSecurity, errdefs.KindNotFound, errdefs.KindResource:
		return mcp.NewToolResultError(err.Error()), nil
	default:
		return nil, err
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "encoding tool result")
	}
	return mcp.NewToolResultText(string(b)), nil
}

// resolveWorkdir expands a leading ~ and verifies the directory
// exists. Only absolute paths and ~ forms are accepted.
func resolveWorkdir(pwd string) (string, error) {
	if pwd == "" {
		return "", errdefs.Validation("pwd is required")
	}
	dir := pwd
	switch {
	case pwd == "~" || strings.HasPrefix(pwd, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errdefs.Wrap(errdefs.KindResource, err, "resolving home directory")
		}
		dir = filepath.Join(home, strings.TrimPrefix(pwd, "~"))
	case !filepath.IsAbs(pwd):
		return "", errdefs.Validation("pwd must be absolute or start with ~, got %q", pwd)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindResource, err, "stat pwd %q", dir)
	}
	if !info.IsDir() {
		return "", errdefs.Resource("pwd %q is not a directory", dir)
	}
	return dir, nil
}

func (h *handlers) start(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, mgr, err := h.bind(ctx)
	if err != nil {
		return toolError(err)
	}

	cmdLine, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pwd, err := req.RequireString("pwd")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dir, err := resolveWorkdir(pwd)
	if err != nil {
		return toolError(err)
	}

	p, err := mgr.Create(ctx, pty.Options{Command: cmdLine, Dir: dir})
	if err != nil {
		return toolError(err)
	}
	h.sessions.AddPTY(sessionID, p.ID)
	h.logger.Info("pty started",
		"session_id", sessionID,
		"pty_id", p.ID,
	)

	obs := p.Observe()
	return jsonResult(startResult{ProcessID: p.ID, Screen: obs.Screen, ExitCode: obs.ExitCode})
}

func (h *handlers) kill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, mgr, err := h.bind(ctx)
	if err != nil {
		return toolError(err)
	}

	pid, err := req.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	removed := mgr.Remove(pid)
	if removed {
		h.sessions.RemovePTY(sessionID, pid)
		h.logger.Info("pty killed", "session_id", sessionID, "pty_id", pid)
	}
	return jsonResult(killResult{Success: removed})
}

func (h *handlers) list(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, mgr, err := h.bind(ctx)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(listResult{PTYs: describeAll(mgr)})
}

func describeAll(mgr *pty.Manager) []ptyInfo {
	procs := mgr.All()
	out := make([]ptyInfo, 0, len(procs))
	for _, p := range procs {
		info := p.Info()
		out = append(out, ptyInfo{
			ID:           info.ID,
			Status:       string(info.Status),
			CreatedAt:    info.CreatedAt,
			LastActivity: info.LastActivity,
			ExitCode:     info.ExitCode,
		})
	}
	return out
}

func (h *handlers) read(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, mgr, err := h.bind(ctx)
	if err != nil {
		return toolError(err)
	}

	pid, err := req.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, ok := mgr.Get(pid)
	if !ok {
		return toolError(errdefs.NotFound("process %s not found", pid))
	}

	screen := strings.TrimRight(strings.Join(p.Screen(), "\n"), " \t\n")
	return jsonResult(readResult{Screen: screen})
}

func (h *handlers) writeInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, mgr, err := h.bind(ctx)
	if err != nil {
		return toolError(err)
	}

	pid, err := req.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, ok := mgr.Get(pid)
	if !ok {
		return toolError(errdefs.NotFound("process %s not found", pid))
	}

	payload, waitMs, err := parseInput(req.GetArguments())
	if err != nil {
		return toolError(err)
	}

	obs, err := p.Write(payload, waitMs)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(writeResult{
		Screen:   obs.Screen,
		Cursor:   cursorPos{X: obs.Cursor.X, Y: obs.Cursor.Y},
		ExitCode: obs.ExitCode,
		Warning:  obs.Warning,
	})
}

// parseInput validates the mutually exclusive input modes of
// write_input and assembles the byte payload.
func parseInput(args map[string]any) ([]byte, int, error) {
	_, hasData := args["data"]
	_, hasInput := args["input"]
	_, hasCtrl := args["ctrlCode"]

	if hasData && (hasInput || hasCtrl) {
		return nil, 0, errdefs.Validation("data cannot be combined with input or ctrlCode")
	}
	if !hasData && !hasInput && !hasCtrl {
		return nil, 0, errdefs.Validation("one of input, ctrlCode, or data is required")
	}

	waitMs := defaultWaitMs
	if raw, ok := args["waitMs"]; ok {
		f, ok := raw.(float64)
		if !ok || f != math.Trunc(f) || f <= 0 {
			return nil, 0, errdefs.Validation("waitMs must be a positive integer")
		}
		waitMs = int(f)
	}

	var payload []byte
	if hasData {
		s, ok := args["data"].(string)
		if !ok {
			return nil, 0, errdefs.Validation("data must be a string")
		}
		payload = []byte(s)
		return payload, waitMs, nil
	}

	if hasInput {
		s, ok := args["input"].(string)
		if !ok {
			return nil, 0, errdefs.Validation("input must be a string")
		}
		if strings.ContainsRune(s, 0x1b) {
			return nil, 0, errdefs.Validation("input must not contain escape sequences; use data for raw bytes")
		}
		payload = append(payload, s...)
	}
	if hasCtrl {
		s, ok := args["ctrlCode"].(string)
		if !ok {
			return nil, 0, errdefs.Validation("ctrlCode must be a string")
		}
		seq, err := term.ResolveControlCode(s)
		if err != nil {
			return nil, 0, err
		}
		payload = append(payload, seq...)
	}
	return payload, waitMs, nil
}
