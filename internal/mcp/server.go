// Package mcp assembles the MCP server: the pty tools and resources on
// top of the session manager. Transports own session binding; every
// handler here reads the session id from the request context.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ptyhub/mcp-pty/internal/session"
)

// ServerName is reported to clients during initialize.
const ServerName = "mcp-pty"

const instructions = `Drive interactive terminal sessions over MCP.

Use the start tool to launch a command in a fresh pseudo-terminal, list
to enumerate running processes, read to capture a process's screen,
write_input to send keystrokes or control codes, and kill to dispose a
process. Long-running and interactive programs keep running between
calls; poll with read or pass waitMs to write_input to observe output.`

// Options configures the assembled server.
type Options struct {
	// Version is the server version reported to clients.
	Version string

	// DeactivateResources leaves the pty:// resources unregistered so
	// only tools are exposed.
	DeactivateResources bool

	Logger *slog.Logger
}

// NewServer builds an MCP server with every pty tool registered and,
// unless deactivated, the pty:// resources.
func NewServer(sessions *session.Manager, opts Options) *mcpserver.MCPServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{sessions: sessions, logger: logger}

	srvOpts := []mcpserver.ServerOption{
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(instructions),
	}
	if !opts.DeactivateResources {
		srvOpts = append(srvOpts, mcpserver.WithResourceCapabilities(false, false))
	}

	s := mcpserver.NewMCPServer(ServerName, opts.Version, srvOpts...)
	h.registerTools(s)
	if !opts.DeactivateResources {
		h.registerResources(s)
	}
	return s
}
