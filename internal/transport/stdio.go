package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/term"

	ptymcp "github.com/ptyhub/mcp-pty/internal/mcp"
	"github.com/ptyhub/mcp-pty/internal/session"
)

// StdioServer serves MCP over a single stdin/stdout stream. Exactly one
// domain session exists for the lifetime of the process; it is created
// on startup and disposed when the stream closes.
type StdioServer struct {
	sessions *session.Manager
	mcp      *mcpserver.MCPServer
	logger   *slog.Logger
}

// NewStdioServer builds the stdio transport on top of the session
// manager and the assembled MCP server.
func NewStdioServer(sessions *session.Manager, srv *mcpserver.MCPServer, logger *slog.Logger) *StdioServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioServer{
		sessions: sessions,
		mcp:      srv,
		logger:   logger.With("component", "stdio"),
	}
}

// Run creates the session, binds it to every request on the stream, and
// serves until stdin closes or ctx is canceled. The session is disposed
// on the way out.
func (s *StdioServer) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintln(os.Stderr, "mcp-pty: stdio transport expects an MCP client on stdin; run it from a client or pipe JSON-RPC messages (Ctrl+D exits)")
	}

	id := s.sessions.Create()
	s.sessions.UpdateStatus(id, session.StatusActive)
	s.logger.Info("stdio session ready", "session_id", id)
	defer s.sessions.Dispose(id)

	srv := mcpserver.NewStdioServer(s.mcp)
	srv.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	srv.SetContextFunc(func(ctx context.Context) context.Context {
		return ptymcp.WithSession(ctx, id)
	})

	err := srv.Listen(ctx, stdin, stdout)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("stdio transport: %w", err)
	}
	return nil
}
