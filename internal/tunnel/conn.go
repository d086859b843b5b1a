package tunnel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"

	"github.com/openelevo/elevo/internal/apperr"
	"github.com/openelevo/elevo/internal/log"
)

// callQueueDepth bounds how many requests may wait in a sandbox's FIFO
// before new ones are refused with resource_exhausted.
const callQueueDepth = 256

// streamAcceptTimeout is how long the bridge waits for the agent to open the
// data stream a request asked for.
const streamAcceptTimeout = 15 * time.Second

type callItem struct {
	ctx   context.Context
	frame *Frame
	sent  chan error // receives nil once the frame hit the wire, or the write/context error
}

// AgentConn is one registered agent connection. All requests to the sandbox
// funnel through its FIFO queue, so two requests submitted in order are
// written to the wire, and observed by the agent, in that order. Requests
// to different sandboxes never share a queue.
type AgentConn struct {
	SandboxID string

	sess    *yamux.Session
	control net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder
	dec     *json.Decoder

	mu      sync.Mutex
	pending map[string]chan *Frame
	waiters map[string]chan net.Conn // data-stream waiters by token

	queue chan *callItem

	lastBeat     atomic.Int64 // unix nanos
	lastActivity atomic.Int64

	onEvent func(sandboxID string, f *Frame)

	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

// newAgentConn wires up an authenticated yamux session. dec must be the
// decoder that already consumed the register frame so buffered bytes are not
// lost.
func newAgentConn(sandboxID string, sess *yamux.Session, control net.Conn, dec *json.Decoder, onEvent func(string, *Frame)) *AgentConn {
	c := &AgentConn{
		SandboxID: sandboxID,
		sess:      sess,
		control:   control,
		enc:       json.NewEncoder(control),
		dec:       dec,
		pending:   make(map[string]chan *Frame),
		waiters:   make(map[string]chan net.Conn),
		queue:     make(chan *callItem, callQueueDepth),
		onEvent:   onEvent,
		done:      make(chan struct{}),
		logger:    log.WithComponent("tunnel").With().Str("sandbox_id", sandboxID).Logger(),
	}
	now := time.Now().UnixNano()
	c.lastBeat.Store(now)
	c.lastActivity.Store(now)

	go c.readLoop()
	go c.acceptLoop()
	go c.dispatch()
	return c
}

// Done is closed when the connection shuts down.
func (c *AgentConn) Done() <-chan struct{} { return c.done }

// LastHeartbeat returns the time of the most recent liveness signal.
func (c *AgentConn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastBeat.Load())
}

// LastActivity returns the time of the most recent inbound request routed to
// this sandbox. The idle reaper reads this.
func (c *AgentConn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Touch records client activity on the sandbox.
func (c *AgentConn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Close tears the connection down and fails every pending call.
func (c *AgentConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sess.Close()

		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		for token, ch := range c.waiters {
			close(ch)
			delete(c.waiters, token)
		}
		c.mu.Unlock()
	})
}

// Call sends a unary request and decodes the response into result (which may
// be nil). The per-call deadline comes from ctx; the agent receives a
// slightly tighter one so it times out first.
func (c *AgentConn) Call(ctx context.Context, op string, params, result any) error {
	c.Touch()

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", op, err)
	}

	id := uuid.New().String()
	frame := &Frame{Type: FrameRequest, ID: id, Op: op, Params: raw}
	if dl, ok := ctx.Deadline(); ok {
		inner := time.Until(dl) - time.Second
		if inner <= 0 {
			return apperr.New(apperr.Timeout, "%s: deadline already expired", op)
		}
		frame.DeadlineMS = inner.Milliseconds()
	}

	respCh := make(chan *Frame, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	item := &callItem{ctx: ctx, frame: frame, sent: make(chan error, 1)}
	select {
	case c.queue <- item:
	case <-c.done:
		return apperr.New(apperr.Unavailable, "agent not connected")
	case <-ctx.Done():
		return apperr.Wrap(apperr.Timeout, ctx.Err(), "%s: canceled before send", op)
	default:
		return apperr.New(apperr.ResourceExhausted, "sandbox request queue full")
	}

	select {
	case err := <-item.sent:
		if err != nil {
			return apperr.Wrap(apperr.Unavailable, err, "agent write failed")
		}
	case <-c.done:
		return apperr.New(apperr.Unavailable, "agent disconnected")
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return apperr.New(apperr.Unavailable, "agent disconnected")
		}
		if resp.Error != nil {
			return apperr.New(apperr.Kind(resp.Error.Kind), "%s", resp.Error.Message)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", op, err)
			}
		}
		return nil
	case <-ctx.Done():
		// Best effort: tell the agent to stop the work. If the cancel frame
		// cannot be written the call is recorded as orphaned; the agent is
		// expected to be defensive about its own children.
		if err := c.writeFrame(&Frame{Type: FrameCancel, ID: id}); err != nil {
			c.logger.Warn().Str("call_id", id).Str("op", op).Msg("orphaned call: cancel not delivered")
		}
		return apperr.Wrap(apperr.Timeout, ctx.Err(), "%s: deadline exceeded", op)
	case <-c.done:
		return apperr.New(apperr.Unavailable, "agent disconnected")
	}
}

// ExpectStream registers interest in the data stream the agent will open for
// token. Call it before sending the request that names the token.
func (c *AgentConn) ExpectStream(token string) {
	ch := make(chan net.Conn, 1)
	c.mu.Lock()
	c.waiters[token] = ch
	c.mu.Unlock()
}

// CancelStream drops a stream expectation whose request failed.
func (c *AgentConn) CancelStream(token string) {
	c.mu.Lock()
	delete(c.waiters, token)
	c.mu.Unlock()
}

// AwaitStream waits for the agent to open the data stream for token.
func (c *AgentConn) AwaitStream(ctx context.Context, token string) (net.Conn, error) {
	c.mu.Lock()
	ch, ok := c.waiters[token]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no stream expectation for token %s", token)
	}
	defer func() {
		c.mu.Lock()
		delete(c.waiters, token)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(streamAcceptTimeout)
	defer timer.Stop()
	select {
	case conn, ok := <-ch:
		if !ok {
			return nil, apperr.New(apperr.Unavailable, "agent disconnected")
		}
		return conn, nil
	case <-timer.C:
		return nil, apperr.New(apperr.Timeout, "agent did not open data stream")
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.Timeout, ctx.Err(), "waiting for data stream")
	case <-c.done:
		return nil, apperr.New(apperr.Unavailable, "agent disconnected")
	}
}

// dispatch drains the FIFO, writing request frames in arrival order.
func (c *AgentConn) dispatch() {
	for {
		select {
		case item := <-c.queue:
			if item.ctx.Err() != nil {
				item.sent <- item.ctx.Err()
				continue
			}
			item.sent <- c.writeFrame(item.frame)
		case <-c.done:
			return
		}
	}
}

func (c *AgentConn) writeFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(f)
}

// readLoop consumes control frames: responses, heartbeats, events.
func (c *AgentConn) readLoop() {
	defer c.Close()
	for {
		var f Frame
		if err := c.dec.Decode(&f); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug().Err(err).Msg("control stream closed")
			}
			return
		}

		c.lastBeat.Store(time.Now().UnixNano())

		switch f.Type {
		case FrameHeartbeat:
			// lastBeat already updated
		case FrameResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &f
			} else {
				c.logger.Debug().Str("call_id", f.ID).Msg("response for unknown call")
			}
		case FrameEvent:
			if c.onEvent != nil {
				c.onEvent(c.SandboxID, &f)
			}
		default:
			c.logger.Warn().Str("frame_type", f.Type).Msg("unexpected control frame")
		}
	}
}

// acceptLoop matches agent-opened yamux streams to waiting consumers by the
// token line the agent writes first.
func (c *AgentConn) acceptLoop() {
	for {
		stream, err := c.sess.AcceptStream()
		if err != nil {
			c.Close()
			return
		}
		go c.matchStream(stream)
	}
}

func (c *AgentConn) matchStream(stream net.Conn) {
	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(stream)
	token, err := r.ReadString('\n')
	if err != nil {
		stream.Close()
		return
	}
	stream.SetReadDeadline(time.Time{})
	token = token[:len(token)-1]

	c.mu.Lock()
	ch, ok := c.waiters[token]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn().Msg("agent opened stream with unknown token")
		stream.Close()
		return
	}

	// Hand over a conn that drains the bufio remainder first.
	select {
	case ch <- &bufferedConn{Conn: stream, r: r}:
	default:
		stream.Close()
	}
}

// bufferedConn lets the token line's bufio reader hand over bytes it
// over-read.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
