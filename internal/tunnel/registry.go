package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/openelevo/elevo/internal/log"
)

// registerTimeout bounds how long a freshly dialed connection may take to
// present its registration frame.
const registerTimeout = 10 * time.Second

// Hooks connect the registry to the lifecycle engine without an import
// cycle.
type Hooks struct {
	// OnRegister authenticates a dial-in and promotes the sandbox. An error
	// rejects the connection with the error text as reason.
	OnRegister func(sandboxID, token string) error
	// OnAgentLost fires when a registered connection dies or misses two
	// heartbeat intervals. It does not fire on last-writer-wins replacement.
	OnAgentLost func(sandboxID string, reason string)
	// OnEvent receives unsolicited agent events (e.g. PTY exits).
	OnEvent func(sandboxID string, f *Frame)
}

// Registry tracks the live agent connection per sandbox.
type Registry struct {
	hooks             Hooks
	heartbeatInterval time.Duration

	mu    sync.RWMutex
	conns map[string]*AgentConn
}

func NewRegistry(hooks Hooks, heartbeatInterval time.Duration) *Registry {
	return &Registry{
		hooks:             hooks,
		heartbeatInterval: heartbeatInterval,
		conns:             make(map[string]*AgentConn),
	}
}

// HeartbeatInterval is the period Monitor checks liveness against; a
// connection silent for two intervals is treated as lost.
func (r *Registry) HeartbeatInterval() time.Duration { return r.heartbeatInterval }

// Get returns the active connection for a sandbox.
func (r *Registry) Get(sandboxID string) (*AgentConn, bool) {
	r.mu.RLock()
	c, ok := r.conns[sandboxID]
	r.mu.RUnlock()
	return c, ok
}

// HandleConn performs the registration handshake on a freshly dialed agent
// socket, registers the connection, and blocks until it closes. The caller
// (the WebSocket handler) keeps the underlying socket alive for the
// duration.
func (r *Registry) HandleConn(ctx context.Context, conn net.Conn) error {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = false // heartbeats are protocol-level
	sess, err := yamux.Server(conn, cfg)
	if err != nil {
		return fmt.Errorf("yamux server: %w", err)
	}
	defer sess.Close()

	control, err := acceptWithTimeout(sess, registerTimeout)
	if err != nil {
		return fmt.Errorf("accept control stream: %w", err)
	}

	control.SetReadDeadline(time.Now().Add(registerTimeout))
	dec := json.NewDecoder(control)
	var reg Frame
	if err := dec.Decode(&reg); err != nil {
		return fmt.Errorf("read register frame: %w", err)
	}
	control.SetReadDeadline(time.Time{})

	enc := json.NewEncoder(control)
	if reg.Type != FrameRegister || reg.SandboxID == "" {
		enc.Encode(&Frame{Type: FrameRejected, Reason: "malformed registration"})
		return fmt.Errorf("malformed registration frame")
	}

	if err := r.hooks.OnRegister(reg.SandboxID, reg.Token); err != nil {
		enc.Encode(&Frame{Type: FrameRejected, Reason: err.Error()})
		return fmt.Errorf("registration rejected for %s: %w", reg.SandboxID, err)
	}

	if err := enc.Encode(&Frame{Type: FrameRegistered}); err != nil {
		return fmt.Errorf("ack registration: %w", err)
	}

	ac := newAgentConn(reg.SandboxID, sess, control, dec, r.hooks.OnEvent)
	r.register(ac)
	logger := log.WithComponent("tunnel")
	logger.Info().Str("sandbox_id", reg.SandboxID).Msg("agent registered")

	select {
	case <-ac.Done():
	case <-ctx.Done():
		ac.Close()
	}

	if r.unregister(ac) && ctx.Err() == nil {
		if r.hooks.OnAgentLost != nil {
			r.hooks.OnAgentLost(ac.SandboxID, "agent disconnected")
		}
	}
	return nil
}

// register installs a connection, replacing (and closing) any previous one
// for the same sandbox. A container restart is the only legitimate cause of
// a second dial-in, so last writer wins.
func (r *Registry) register(c *AgentConn) {
	r.mu.Lock()
	old, ok := r.conns[c.SandboxID]
	r.conns[c.SandboxID] = c
	r.mu.Unlock()
	if ok {
		logger := log.WithComponent("tunnel")
		logger.Warn().Str("sandbox_id", c.SandboxID).Msg("replacing existing agent connection")
		old.Close()
	}
}

// unregister removes c if it is still the active connection. Returns whether
// it was.
func (r *Registry) unregister(c *AgentConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[c.SandboxID]; ok && cur == c {
		delete(r.conns, c.SandboxID)
		return true
	}
	return false
}

// Drop closes and removes the connection for a sandbox, if any. Used on
// sandbox deletion; does not fire OnAgentLost.
func (r *Registry) Drop(sandboxID string) {
	r.mu.Lock()
	c, ok := r.conns[sandboxID]
	if ok {
		delete(r.conns, sandboxID)
	}
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Monitor watches heartbeats until ctx is canceled. A connection that misses
// two intervals is closed and reported lost.
func (r *Registry) Monitor(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval / 2)
	defer ticker.Stop()
	logger := log.WithComponent("tunnel")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-2 * r.heartbeatInterval)
		r.mu.RLock()
		var stale []*AgentConn
		for _, c := range r.conns {
			if c.LastHeartbeat().Before(cutoff) {
				stale = append(stale, c)
			}
		}
		r.mu.RUnlock()

		for _, c := range stale {
			logger.Warn().Str("sandbox_id", c.SandboxID).Msg("agent missed heartbeats")
			lost := r.unregister(c)
			c.Close()
			if lost && r.hooks.OnAgentLost != nil {
				r.hooks.OnAgentLost(c.SandboxID, "agent unreachable")
			}
		}
	}
}

func acceptWithTimeout(sess *yamux.Session, d time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := sess.AcceptStream()
		ch <- result{conn, err}
	}()
	select {
	case res := <-ch:
		return res.conn, res.err
	case <-time.After(d):
		sess.Close()
		return nil, fmt.Errorf("timed out after %s", d)
	}
}
