// Package agent is the process that runs inside every sandbox container. It
// dials back to the server's control plane, registers with its sandbox id,
// and executes commands, PTY sessions, and file operations on the server's
// behalf.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/openelevo/elevo/internal/log"
	"github.com/openelevo/elevo/internal/tunnel"
)

const defaultHeartbeat = 15 * time.Second

// Options configure the agent. FromEnv fills them from the environment the
// server injects at container launch; New rejects an empty ServerAddr,
// SandboxID or Token and uses the 15s default for a zero Heartbeat.
type Options struct {
	ServerAddr string
	SandboxID  string
	Token      string
	Heartbeat  time.Duration
}

// FromEnv fills options from the container environment.
func FromEnv() Options {
	opts := Options{
		ServerAddr: os.Getenv("AGENT_SERVER_ADDR"),
		SandboxID:  os.Getenv("SANDBOX_ID"),
		Token:      os.Getenv("AGENT_TOKEN"),
		Heartbeat:  defaultHeartbeat,
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Heartbeat = time.Duration(n) * time.Second
		}
	}
	return opts
}

// Agent holds the live connection state.
type Agent struct {
	opts Options

	sess    *yamux.Session
	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	ptys    map[string]*ptySession
	procs   map[int]*procHandle

	logger zerolog.Logger
}

func New(opts Options) (*Agent, error) {
	if opts.ServerAddr == "" || opts.SandboxID == "" || opts.Token == "" {
		return nil, fmt.Errorf("AGENT_SERVER_ADDR, SANDBOX_ID and AGENT_TOKEN are required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	return &Agent{
		opts:    opts,
		cancels: make(map[string]context.CancelFunc),
		ptys:    make(map[string]*ptySession),
		procs:   make(map[int]*procHandle),
		logger:  log.WithComponent("agent"),
	}, nil
}

// Run connects to the server and serves requests, reconnecting with
// exponential backoff until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	backoff := time.Second
	maxBackoff := 60 * time.Second

	for {
		err := a.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			a.logger.Warn().Err(err).Msg("connection lost")
		}

		a.logger.Info().Dur("backoff", backoff).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (a *Agent) connectAndServe(ctx context.Context) error {
	wsURL := fmt.Sprintf("ws://%s/api/agent/connect", a.opts.ServerAddr)

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(-1)

	nc := websocket.NetConn(ctx, conn, websocket.MessageBinary)
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = false
	sess, err := yamux.Client(nc, cfg)
	if err != nil {
		return fmt.Errorf("yamux client: %w", err)
	}
	defer sess.Close()

	control, err := sess.Open()
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}

	a.sess = sess
	a.enc = json.NewEncoder(control)

	if err := a.writeFrame(&tunnel.Frame{
		Type:      tunnel.FrameRegister,
		SandboxID: a.opts.SandboxID,
		Token:     a.opts.Token,
	}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	dec := json.NewDecoder(control)
	var ack tunnel.Frame
	if err := dec.Decode(&ack); err != nil {
		return fmt.Errorf("read register ack: %w", err)
	}
	switch ack.Type {
	case tunnel.FrameRegistered:
		a.logger.Info().Str("sandbox_id", a.opts.SandboxID).Msg("registered")
	case tunnel.FrameRejected:
		return fmt.Errorf("registration rejected: %s", ack.Reason)
	default:
		return fmt.Errorf("unexpected ack frame %q", ack.Type)
	}

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	go a.heartbeatLoop(serveCtx)

	for {
		var f tunnel.Frame
		if err := dec.Decode(&f); err != nil {
			return fmt.Errorf("control read: %w", err)
		}
		switch f.Type {
		case tunnel.FrameRequest:
			go a.handleRequest(serveCtx, &f)
		case tunnel.FrameCancel:
			a.cancelRequest(f.ID)
		default:
			a.logger.Warn().Str("frame_type", f.Type).Msg("unexpected frame")
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.writeFrame(&tunnel.Frame{Type: tunnel.FrameHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (a *Agent) writeFrame(f *tunnel.Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.enc.Encode(f)
}

// openStream opens a yamux data stream and announces its token.
func (a *Agent) openStream(token string) (net.Conn, error) {
	stream, err := a.sess.Open()
	if err != nil {
		return nil, fmt.Errorf("open data stream: %w", err)
	}
	if _, err := stream.Write([]byte(token + "\n")); err != nil {
		stream.Close()
		return nil, fmt.Errorf("announce stream token: %w", err)
	}
	return stream, nil
}

func (a *Agent) handleRequest(ctx context.Context, f *tunnel.Frame) {
	reqCtx := ctx
	var cancel context.CancelFunc
	if f.DeadlineMS > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(f.DeadlineMS)*time.Millisecond)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}
	a.mu.Lock()
	a.cancels[f.ID] = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.cancels, f.ID)
		a.mu.Unlock()
	}()

	result, err := a.dispatch(reqCtx, f.Op, f.Params)

	resp := &tunnel.Frame{Type: tunnel.FrameResponse, ID: f.ID}
	if err != nil {
		resp.Error = toWireError(err)
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = &tunnel.WireError{Kind: "internal", Message: "encode result"}
		} else {
			resp.Result = raw
		}
	}
	if werr := a.writeFrame(resp); werr != nil {
		a.logger.Warn().Err(werr).Str("call_id", f.ID).Msg("response write failed")
	}
}

func (a *Agent) cancelRequest(id string) {
	a.mu.Lock()
	cancel, ok := a.cancels[id]
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *Agent) dispatch(ctx context.Context, op string, params json.RawMessage) (any, error) {
	switch op {
	case tunnel.OpExec:
		return a.handleExec(ctx, params)
	case tunnel.OpExecStream:
		return a.handleExecStream(ctx, params)
	case tunnel.OpKill:
		return a.handleKill(ctx, params)
	case tunnel.OpPTYCreate:
		return a.handlePTYCreate(ctx, params)
	case tunnel.OpPTYResize:
		return a.handlePTYResize(ctx, params)
	case tunnel.OpPTYKill:
		return a.handlePTYKill(ctx, params)
	case tunnel.OpFileRead:
		return a.handleFileRead(ctx, params)
	case tunnel.OpFileWrite:
		return a.handleFileWrite(ctx, params)
	case tunnel.OpFileList:
		return a.handleFileList(ctx, params)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

func toWireError(err error) *tunnel.WireError {
	we := &tunnel.WireError{Kind: "internal", Message: err.Error()}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		we.Kind = "not_found"
	case errors.Is(err, fs.ErrPermission):
		we.Kind = "forbidden"
	case errors.Is(err, context.DeadlineExceeded):
		we.Kind = "timeout"
	}
	return we
}
