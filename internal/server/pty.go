package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openelevo/elevo/internal/apperr"
	"github.com/openelevo/elevo/internal/engine"
	"github.com/openelevo/elevo/internal/log"
	"github.com/openelevo/elevo/internal/shortid"
	"github.com/openelevo/elevo/internal/tunnel"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ptyMessage is the JSON framing on the client-facing PTY WebSocket.
// Client → server: input (raw keystrokes, base64) and resize.
// Server → client: output (raw PTY bytes, base64) and exit, sent exactly
// once.
type ptyMessage struct {
	Type     string `json:"type"` // input | resize | output | exit
	Data     []byte `json:"data,omitempty"`
	Cols     uint16 `json:"cols,omitempty"`
	Rows     uint16 `json:"rows,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// PTYManager owns all server-side PTY sessions.
type PTYManager struct {
	engine *engine.Engine

	mu       sync.Mutex
	sessions map[string]*PTYSession
	logger   zerolog.Logger
}

func NewPTYManager(eng *engine.Engine) *PTYManager {
	return &PTYManager{
		engine:   eng,
		sessions: make(map[string]*PTYSession),
		logger:   log.WithComponent("pty"),
	}
}

// PTYSession bridges one agent-side PTY to at most one client WebSocket.
type PTYSession struct {
	ID        string
	SandboxID string

	stream net.Conn
	replay *replayBuffer

	mu sync.Mutex
	ws *websocket.Conn

	exitCh    chan int
	done      chan struct{}
	closeOnce sync.Once
}

// Create opens a PTY on the sandbox's agent and registers the session.
func (m *PTYManager) Create(ctx context.Context, sandboxID, command string, args []string, env map[string]string, cols, rows uint16) (*PTYSession, error) {
	conn, err := m.engine.Conn(sandboxID)
	if err != nil {
		return nil, err
	}

	id := shortid.PTY()
	stream, err := conn.PTYCreate(ctx, tunnel.PTYCreateParams{
		PTYID:   id,
		Command: command,
		Args:    args,
		Env:     env,
		Cols:    cols,
		Rows:    rows,
	})
	if err != nil {
		return nil, err
	}

	sess := &PTYSession{
		ID:        id,
		SandboxID: sandboxID,
		stream:    stream,
		replay:    newReplayBuffer(replayLimit),
		exitCh:    make(chan int, 1),
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go m.pump(sess)
	return sess, nil
}

// Get returns a live session.
func (m *PTYManager) Get(ptyID string) (*PTYSession, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[ptyID]
	m.mu.Unlock()
	return sess, ok
}

// Kill tears a session down: the agent SIGHUPs the child and the data stream
// closes, which finishes the pump.
func (m *PTYManager) Kill(ctx context.Context, sandboxID, ptyID string) error {
	sess, ok := m.Get(ptyID)
	if !ok || sess.SandboxID != sandboxID {
		return apperr.New(apperr.NotFound, "pty %s not found", ptyID)
	}
	if conn, err := m.engine.Conn(sandboxID); err == nil {
		conn.PTYKill(ctx, ptyID)
	}
	sess.close()
	return nil
}

// Resize forwards a window-size change over the control stream.
func (m *PTYManager) Resize(ctx context.Context, sandboxID, ptyID string, cols, rows uint16) error {
	sess, ok := m.Get(ptyID)
	if !ok || sess.SandboxID != sandboxID {
		return apperr.New(apperr.NotFound, "pty %s not found", ptyID)
	}
	conn, err := m.engine.Conn(sandboxID)
	if err != nil {
		return err
	}
	return conn.PTYResize(ctx, sess.ID, cols, rows)
}

// HandleAgentEvent routes pty_exit events from the agent registry.
func (m *PTYManager) HandleAgentEvent(sandboxID string, f *tunnel.Frame) {
	if f.Event != tunnel.EventPTYExit {
		return
	}
	var ev tunnel.PTYExitEvent
	if err := json.Unmarshal(f.Params, &ev); err != nil {
		return
	}
	if sess, ok := m.Get(ev.PTYID); ok && sess.SandboxID == sandboxID {
		select {
		case sess.exitCh <- ev.ExitCode:
		default:
		}
	}
}

// pump copies PTY output to the ring buffer and the attached WebSocket, then
// delivers the exit frame exactly once.
func (m *PTYManager) pump(sess *PTYSession) {
	defer func() {
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
	}()

	buf := make([]byte, 4096)
	for {
		n, err := sess.stream.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			sess.replay.Add(data)
			sess.send(&ptyMessage{Type: "output", Data: data})
		}
		if err != nil {
			break
		}
	}

	// The exit event rides the control stream and may trail the data
	// stream's EOF; give it a moment before falling back to the
	// conventional agent-crash code.
	exitCode := 255
	select {
	case code := <-sess.exitCh:
		exitCode = code
	case <-time.After(2 * time.Second):
	}

	sess.send(&ptyMessage{Type: "exit", ExitCode: &exitCode})
	sess.close()

	sess.mu.Lock()
	ws := sess.ws
	sess.mu.Unlock()
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	}
}

func (sess *PTYSession) send(msg *ptyMessage) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.ws != nil {
		sess.ws.WriteJSON(msg)
	}
}

func (sess *PTYSession) close() {
	sess.closeOnce.Do(func() {
		close(sess.done)
		sess.stream.Close()
	})
}

// attach binds a WebSocket to the session and replays buffered output,
// one frame per retained chunk, matching the live framing.
func (sess *PTYSession) attach(ws *websocket.Conn) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.ws != nil {
		return false
	}
	sess.ws = ws
	for _, chunk := range sess.replay.Chunks() {
		if ws.WriteJSON(&ptyMessage{Type: "output", Data: chunk}) != nil {
			break
		}
	}
	return true
}

// ---- HTTP handlers ----

func (s *Server) handlePTYCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string            `json:"command,omitempty"`
		Args    []string          `json:"args,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
		Cols    uint16            `json:"cols,omitempty"`
		Rows    uint16            `json:"rows,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	sess, err := s.ptys.Create(r.Context(), chi.URLParam(r, "sid"), req.Command, req.Args, req.Env, req.Cols, req.Rows)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"ptyId":     sess.ID,
		"sandboxId": sess.SandboxID,
	})
}

func (s *Server) handlePTYDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()
	if err := s.ptys.Kill(ctx, chi.URLParam(r, "sid"), chi.URLParam(r, "pid")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePTYResize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()
	if err := s.ptys.Resize(ctx, chi.URLParam(r, "sid"), chi.URLParam(r, "pid"), req.Cols, req.Rows); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePTYWebSocket upgrades to the duplex PTY stream. Closing the socket
// tears the PTY down.
func (s *Server) handlePTYWebSocket(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sid")
	ptyID := chi.URLParam(r, "pid")

	sess, ok := s.ptys.Get(ptyID)
	if !ok || sess.SandboxID != sandboxID {
		s.writeError(w, r, apperr.New(apperr.NotFound, "pty %s not found", ptyID))
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("pty websocket upgrade failed")
		return
	}

	if !sess.attach(ws) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "pty already attached"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	// Client → PTY. Input bytes go to the data stream in arrival order;
	// resize rides the control stream.
readLoop:
	for {
		var msg ptyMessage
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "input":
			if _, err := sess.stream.Write(msg.Data); err != nil {
				break readLoop
			}
			if conn, ok := s.registry.Get(sandboxID); ok {
				conn.Touch()
			}
		case "resize":
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.ptys.Resize(ctx, sandboxID, ptyID, msg.Cols, msg.Rows)
			cancel()
		}
	}

	// Either side closing the WebSocket tears down the PTY.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.ptys.Kill(ctx, sandboxID, ptyID)
	cancel()
	ws.Close()
}
