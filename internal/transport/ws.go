package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ptyhub/mcp-pty/internal/pty"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsControl is a client-to-server control message on the stream socket.
type wsControl struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// handleStream bridges one PTY onto a websocket: raw output flows out
// as binary frames, JSON control messages drive input and resize.
// Unknown ids fail before the upgrade so plain HTTP clients get a 404.
func (t *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	ptyID := r.PathValue("pty_id")

	mgr, ok := t.sessions.PTYManager(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	proc, ok := mgr.Get(ptyID)
	if !ok {
		http.Error(w, "process not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	t.sessions.Touch(sessionID)

	s := &ptyStream{
		conn:   conn,
		proc:   proc,
		logger: t.logger.With("session_id", sessionID, "pty_id", ptyID),
		out:    make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	s.run()
}

// ptyStream is one live websocket attached to a PTY.
type ptyStream struct {
	conn   *websocket.Conn
	proc   *pty.Process
	logger *slog.Logger

	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *ptyStream) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *ptyStream) run() {
	defer s.conn.Close()

	// Replay the backlog so a late viewer sees the scrollback, then
	// follow live output.
	if backlog := s.proc.RawOutput(); len(backlog) > 0 {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, backlog); err != nil {
			return
		}
	}

	sub := s.proc.Subscribe(pty.Subscriber{
		OnData:  s.enqueue,
		OnError: func(error) { s.stop() },
		OnExit:  func(int) { s.stop() },
	})
	defer sub.Cancel()

	go s.readLoop()
	s.writeLoop()
	s.logger.Debug("stream closed")
}

// enqueue hands a chunk to the writer goroutine. It runs on the PTY
// read loop, so it must never block; a viewer that cannot keep up
// loses chunks.
func (s *ptyStream) enqueue(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case s.out <- buf:
	case <-s.done:
	default:
		s.logger.Debug("dropping output chunk, slow websocket consumer")
	}
}

// writeLoop is the single websocket writer. On stop it drains what the
// read loop already queued, then sends a close frame.
func (s *ptyStream) writeLoop() {
	for {
		select {
		case data := <-s.out:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				s.stop()
				return
			}
		case <-s.done:
			for {
				select {
				case data := <-s.out:
					if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
						return
					}
				default:
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					s.conn.WriteMessage(websocket.CloseMessage, msg)
					return
				}
			}
		}
	}
}

// readLoop consumes control messages until the peer goes away. Binary
// frames are treated as raw input, same as {"type":"input"}.
func (s *ptyStream) readLoop() {
	defer s.stop()
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.TextMessage:
			s.handleControl(data)
		case websocket.BinaryMessage:
			s.input(string(data))
		}
	}
}

func (s *ptyStream) handleControl(raw []byte) {
	var msg wsControl
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Debug("ignoring malformed control message", "error", err)
		return
	}
	switch msg.Type {
	case "input":
		s.input(msg.Data)
	case "resize":
		if err := s.proc.Resize(msg.Cols, msg.Rows); err != nil {
			s.logger.Debug("stream resize rejected", "error", err)
		}
	default:
		s.logger.Debug("ignoring unknown control message", "type", msg.Type)
	}
}

func (s *ptyStream) input(data string) {
	if data == "" {
		return
	}
	if _, err := s.proc.Write([]byte(data), 0); err != nil {
		s.logger.Debug("stream input rejected", "error", err)
	}
}
