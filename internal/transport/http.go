// Package transport binds the MCP server to its serving surfaces: a
// single-session stdio stream and a multi-session streamable HTTP
// server with session recovery. Both feed the same handler layer; they
// differ only in how a session is bound to an incoming request.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	ptymcp "github.com/ptyhub/mcp-pty/internal/mcp"
	"github.com/ptyhub/mcp-pty/internal/session"
)

// SessionHeader carries the session identity on both directions of the
// HTTP transport.
const SessionHeader = "Mcp-Session-Id"

const livenessMessage = "MCP PTY server is running"

// JSON-RPC error codes surfaced at the HTTP layer.
const (
	codeParseError      = -32700
	codeInvalidRequest  = -32600
	codeSessionNotFound = -32001
	codeInternalError   = -32603
)

// HTTPOptions configures the HTTP transport.
type HTTPOptions struct {
	// Version is reported in the liveness response.
	Version string

	Logger *slog.Logger
}

// HTTPServer serves MCP over streamable HTTP at /mcp, with a liveness
// route at / and a live PTY output stream at /ws/pty/. Each client
// session maps to one domain session; identity travels in the
// mcp-session-id header and stale ids are replaced through the 404
// recovery flow.
type HTTPServer struct {
	version  string
	sessions *session.Manager
	mcp      *mcpserver.MCPServer
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*httpConn
	srv   *http.Server
}

// NewHTTPServer builds the HTTP transport on top of the session manager
// and the assembled MCP server.
func NewHTTPServer(sessions *session.Manager, srv *mcpserver.MCPServer, opts HTTPOptions) *HTTPServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &HTTPServer{
		version:  opts.Version,
		sessions: sessions,
		mcp:      srv,
		logger:   logger.With("component", "http"),
		conns:    make(map[string]*httpConn),
	}

	// Session teardown can start anywhere (DELETE, idle sweeper,
	// shutdown); the terminated event is the single place the transport
	// entry is reclaimed.
	sessions.Subscribe(func(ev session.Event) {
		if ev.Type != session.EventTerminated {
			return
		}
		t.mu.Lock()
		c, ok := t.conns[ev.SessionID]
		delete(t.conns, ev.SessionID)
		t.mu.Unlock()
		if !ok {
			return
		}
		c.close()
		t.mcp.UnregisterSession(context.Background(), ev.SessionID)
	})
	return t
}

var _ mcpserver.ClientSession = (*httpConn)(nil)

// httpConn is the per-session transport instance registered with the
// MCP server. It satisfies mcpserver.ClientSession.
type httpConn struct {
	id            string
	initialized   atomic.Bool
	notifications chan mcp.JSONRPCNotification
	drainStop     chan struct{}
	closeOnce     sync.Once

	// connectMu is the is_connecting guard: the first request that
	// needs the server link connects while holding it; concurrent
	// requests block here and then observe connected.
	connectMu sync.Mutex
	connected bool
}

func newHTTPConn(id string) *httpConn {
	c := &httpConn{
		id:            id,
		notifications: make(chan mcp.JSONRPCNotification, 16),
		drainStop:     make(chan struct{}),
	}
	go c.drain()
	return c
}

// drain discards server-initiated notifications. The live-output
// surface of this server is the websocket stream, not MCP
// notifications, so the channel only needs to stay unblocked.
func (c *httpConn) drain() {
	for {
		select {
		case <-c.notifications:
		case <-c.drainStop:
			return
		}
	}
}

func (c *httpConn) close() {
	c.closeOnce.Do(func() { close(c.drainStop) })
}

func (c *httpConn) SessionID() string { return c.id }

func (c *httpConn) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return c.notifications
}

func (c *httpConn) Initialize() { c.initialized.Store(true) }

func (c *httpConn) Initialized() bool { return c.initialized.Load() }

// track creates a domain session plus its transport instance. The
// server connect is deferred until a request carries the new id.
func (t *HTTPServer) track() *httpConn {
	id := t.sessions.Create()
	c := newHTTPConn(id)
	t.mu.Lock()
	t.conns[id] = c
	t.mu.Unlock()
	return c
}

func (t *HTTPServer) lookup(id string) (*httpConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	return c, ok
}

// connect registers the conn with the MCP server and flips the domain
// session active. Idempotent; concurrent callers serialize on the
// conn's guard so exactly one performs the registration.
func (t *HTTPServer) connect(ctx context.Context, c *httpConn) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.connected {
		return nil
	}
	if err := t.mcp.RegisterSession(ctx, c); err != nil {
		return fmt.Errorf("registering session %s: %w", c.id, err)
	}
	t.sessions.UpdateStatus(c.id, session.StatusActive)
	c.connected = true
	t.logger.Debug("session connected", "session_id", c.id)
	return nil
}

// Handler assembles the route table wrapped in the middleware chain.
func (t *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleRoot)
	mux.HandleFunc("/mcp", t.handleMCP)
	mux.HandleFunc("GET /ws/pty/{session_id}/{pty_id}", t.handleStream)

	var handler http.Handler = mux
	handler = t.corsMiddleware(handler)
	handler = t.loggerMiddleware(handler)
	handler = t.recoveryMiddleware(handler)
	return handler
}

// ListenAndServe binds addr and serves until Shutdown.
func (t *HTTPServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	return t.Serve(ln)
}

// Serve serves on ln, which may be a plain TCP socket or a tailnet
// listener. It returns nil after a clean Shutdown.
func (t *HTTPServer) Serve(ln net.Listener) error {
	srv := &http.Server{Handler: t.Handler()}
	t.mu.Lock()
	t.srv = srv
	t.mu.Unlock()

	t.logger.Info("http transport listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight handlers,
// bounded by ctx. Session disposal is the caller's job.
func (t *HTTPServer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	srv := t.srv
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (t *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, livenessBody{
		Success: true,
		Message: livenessMessage,
		Version: t.version,
	})
}

func (t *HTTPServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleGet answers liveness probes and session status checks.
func (t *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		writeJSON(w, http.StatusOK, livenessBody{
			Success: true,
			Message: livenessMessage,
			Version: t.version,
		})
		return
	}

	sess, ok := t.sessions.Get(id)
	if !ok || sess.Status == session.StatusTerminated {
		t.recoverSession(w, r, id)
		return
	}
	w.Header().Set(SessionHeader, id)
	writeJSON(w, http.StatusOK, statusBody{
		Success:   true,
		SessionID: id,
		Status:    string(sess.Status),
	})
}

// handlePost feeds one JSON-RPC message to the MCP server. The body is
// forwarded unsplit; the JSON-RPC layer parses it exactly once.
func (t *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		writeRPCError(w, http.StatusBadRequest, codeParseError, "Parse error")
		return
	}

	var conn *httpConn
	if id := r.Header.Get(SessionHeader); id == "" {
		conn = t.track()
	} else {
		c, ok := t.lookup(id)
		sess, known := t.sessions.Get(id)
		if !ok || !known || sess.Status == session.StatusTerminated {
			t.recoverSession(w, r, id)
			return
		}
		// Connect on demand: the first request carrying the id
		// completes the deferred server link.
		if err := t.connect(r.Context(), c); err != nil {
			t.internalError(w, err)
			return
		}
		conn = c
	}

	ctx := ptymcp.WithSession(r.Context(), conn.id)
	ctx = t.mcp.WithContext(ctx, conn)
	resp := t.mcp.HandleMessage(ctx, body)

	w.Header().Set(SessionHeader, conn.id)
	if resp == nil {
		// Notifications produce no response body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil || r.Context().Err() != nil {
		t.logger.Warn("response stream aborted, disposing session",
			"session_id", conn.id, "error", err)
		go t.sessions.Dispose(conn.id)
	}
}

// handleDelete disposes the named session.
func (t *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid Request: missing mcp-session-id header")
		return
	}
	t.sessions.Dispose(id)
	writeJSON(w, http.StatusOK, deleteBody{Success: true, SessionID: id})
}

// recoverSession replaces a stale session id: a fresh session is
// created and connected before the 404 goes out, so the client can
// retry with the header id immediately.
func (t *HTTPServer) recoverSession(w http.ResponseWriter, r *http.Request, staleID string) {
	c := t.track()
	if err := t.connect(r.Context(), c); err != nil {
		t.internalError(w, err)
		return
	}
	w.Header().Set(SessionHeader, c.id)
	writeRPCError(w, http.StatusNotFound, codeSessionNotFound, "Session not found")
	t.logger.Info("session recovered", "stale_session_id", staleID, "session_id", c.id)
}

func (t *HTTPServer) internalError(w http.ResponseWriter, err error) {
	t.logger.Error("transport failure", "error", err)
	writeRPCError(w, http.StatusInternalServerError, codeInternalError, "Internal error")
}

// --- middleware ---

// loggerMiddleware logs one line per request with status and duration.
func (t *HTTPServer) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		t.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware turns handler panics into 500 responses.
func (t *HTTPServer) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				t.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeRPCError(w, http.StatusInternalServerError, codeInternalError, "Internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware answers preflight and exposes the session header so
// browser clients can read recovered ids.
func (t *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+SessionHeader)
		h.Set("Access-Control-Expose-Headers", SessionHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for the request log. It
// forwards Hijack so the websocket upgrade works behind the chain.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// --- wire bodies ---

type livenessBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Version string `json:"version"`
}

type statusBody struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type deleteBody struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
}

type rpcError struct {
	JSONRPC string       `json:"jsonrpc"`
	Error   rpcErrorBody `json:"error"`
	ID      any          `json:"id"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, rpcError{
		JSONRPC: "2.0",
		Error:   rpcErrorBody{Code: code, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}
