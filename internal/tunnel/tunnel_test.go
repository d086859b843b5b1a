package tunnel

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openelevo/elevo/internal/apperr"
	"github.com/openelevo/elevo/internal/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeAgent speaks the agent side of the protocol over an in-memory pipe.
type fakeAgent struct {
	t    *testing.T
	sess *yamux.Session

	writeMu sync.Mutex
	enc     *json.Encoder
	dec     *json.Decoder

	mu       sync.Mutex
	received []Frame

	// handle decides the response for each request; nil means echo an empty
	// success.
	handle func(a *fakeAgent, f *Frame)
}

func newFakeAgent(t *testing.T, conn net.Conn, sandboxID, token string) *fakeAgent {
	t.Helper()
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = false
	sess, err := yamux.Client(conn, cfg)
	require.NoError(t, err)

	control, err := sess.Open()
	require.NoError(t, err)

	a := &fakeAgent{
		t:    t,
		sess: sess,
		enc:  json.NewEncoder(control),
		dec:  json.NewDecoder(control),
	}
	require.NoError(t, a.write(&Frame{Type: FrameRegister, SandboxID: sandboxID, Token: token}))

	var ack Frame
	require.NoError(t, a.dec.Decode(&ack))
	require.Equal(t, FrameRegistered, ack.Type)
	return a
}

func (a *fakeAgent) write(f *Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.enc.Encode(f)
}

func (a *fakeAgent) serve() {
	for {
		var f Frame
		if err := a.dec.Decode(&f); err != nil {
			return
		}
		a.mu.Lock()
		a.received = append(a.received, f)
		a.mu.Unlock()

		if f.Type != FrameRequest {
			continue
		}
		if a.handle != nil {
			go a.handle(a, &f)
		} else {
			a.write(&Frame{Type: FrameResponse, ID: f.ID})
		}
	}
}

func (a *fakeAgent) requests() []Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Frame, 0, len(a.received))
	for _, f := range a.received {
		if f.Type == FrameRequest {
			out = append(out, f)
		}
	}
	return out
}

type testHarness struct {
	registry *Registry
	agent    *fakeAgent
	lostMu   sync.Mutex
	lost     []string
}

func newHarness(t *testing.T, interval time.Duration) *testHarness {
	t.Helper()
	h := &testHarness{}
	h.registry = NewRegistry(Hooks{
		OnRegister: func(sandboxID, token string) error { return nil },
		OnAgentLost: func(sandboxID, reason string) {
			h.lostMu.Lock()
			h.lost = append(h.lost, sandboxID+":"+reason)
			h.lostMu.Unlock()
		},
	}, interval)
	return h
}

// connect wires a fake agent to the harness registry and waits until the
// registration landed.
func (h *testHarness) connect(t *testing.T, sandboxID string) *fakeAgent {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	go h.registry.HandleConn(context.Background(), serverConn)

	agent := newFakeAgent(t, clientConn, sandboxID, "tok")
	go agent.serve()

	require.Eventually(t, func() bool {
		_, ok := h.registry.Get(sandboxID)
		return ok
	}, time.Second, 5*time.Millisecond)
	return agent
}

func TestRegisterAndCall(t *testing.T) {
	h := newHarness(t, time.Minute)
	agent := h.connect(t, "sbx-1")
	agent.handle = func(a *fakeAgent, f *Frame) {
		var p ExecParams
		require.NoError(t, json.Unmarshal(f.Params, &p))
		raw, _ := json.Marshal(&ExecResult{ExitCode: 0, Stdout: p.Command + " ran"})
		a.write(&Frame{Type: FrameResponse, ID: f.ID, Result: raw})
	}

	conn, ok := h.registry.Get("sbx-1")
	require.True(t, ok)

	res, err := conn.Exec(context.Background(), ExecParams{Command: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "echo ran", res.Stdout)
}

func TestCallErrorsAreKinded(t *testing.T) {
	h := newHarness(t, time.Minute)
	agent := h.connect(t, "sbx-1")
	agent.handle = func(a *fakeAgent, f *Frame) {
		a.write(&Frame{Type: FrameResponse, ID: f.ID, Error: &WireError{Kind: "not_found", Message: "no such file"}})
	}

	conn, _ := h.registry.Get("sbx-1")
	_, err := conn.FileRead(context.Background(), "/nope")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestPerSandboxOrdering(t *testing.T) {
	h := newHarness(t, time.Minute)
	agent := h.connect(t, "sbx-1")

	const n = 5
	release := make(chan struct{})
	agent.handle = func(a *fakeAgent, f *Frame) {
		// Withhold every response until all requests arrived, so every
		// request is in flight at once.
		<-release
		a.write(&Frame{Type: FrameResponse, ID: f.ID})
	}

	conn, _ := h.registry.Get("sbx-1")

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			err := conn.Call(context.Background(), OpFileWrite, &FileWriteParams{Path: string(rune('a' + seq))}, nil)
			assert.NoError(t, err)
		}(i)
		// Stagger the submissions so arrival order is well defined.
		time.Sleep(25 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(agent.requests()) == n
	}, 2*time.Second, 10*time.Millisecond)
	close(release)
	wg.Wait()

	var got []string
	for _, f := range agent.requests() {
		var p FileWriteParams
		require.NoError(t, json.Unmarshal(f.Params, &p))
		got = append(got, p.Path)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got, "agent must observe requests in submission order")
}

func TestLastWriterWins(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.connect(t, "sbx-1")

	first, ok := h.registry.Get("sbx-1")
	require.True(t, ok)

	h.connect(t, "sbx-1")

	require.Eventually(t, func() bool {
		cur, ok := h.registry.Get("sbx-1")
		return ok && cur != first
	}, time.Second, 5*time.Millisecond)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced connection was not closed")
	}

	// Replacement is not a loss.
	h.lostMu.Lock()
	lost := len(h.lost)
	h.lostMu.Unlock()
	assert.Zero(t, lost)

	_, err := first.Exec(context.Background(), ExecParams{Command: "echo"})
	require.Error(t, err)
	assert.Equal(t, apperr.Unavailable, apperr.KindOf(err))
}

func TestHeartbeatTimeout(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.connect(t, "sbx-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.registry.Monitor(ctx)

	// The fake agent never sends heartbeats, so two missed intervals later
	// the connection is declared lost.
	require.Eventually(t, func() bool {
		h.lostMu.Lock()
		defer h.lostMu.Unlock()
		return len(h.lost) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.lostMu.Lock()
	assert.Equal(t, "sbx-1:agent unreachable", h.lost[0])
	h.lostMu.Unlock()

	_, ok := h.registry.Get("sbx-1")
	assert.False(t, ok)
}

func TestRejectedRegistration(t *testing.T) {
	reg := NewRegistry(Hooks{
		OnRegister: func(sandboxID, token string) error {
			return assert.AnError
		},
	}, time.Minute)

	serverConn, clientConn := net.Pipe()
	go reg.HandleConn(context.Background(), serverConn)

	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = false
	sess, err := yamux.Client(clientConn, cfg)
	require.NoError(t, err)
	control, err := sess.Open()
	require.NoError(t, err)

	require.NoError(t, json.NewEncoder(control).Encode(&Frame{Type: FrameRegister, SandboxID: "sbx-x", Token: "bad"}))

	var ack Frame
	require.NoError(t, json.NewDecoder(control).Decode(&ack))
	assert.Equal(t, FrameRejected, ack.Type)

	_, ok := reg.Get("sbx-x")
	assert.False(t, ok)
}

func TestExecStreamTermination(t *testing.T) {
	h := newHarness(t, time.Minute)
	agent := h.connect(t, "sbx-1")
	agent.handle = func(a *fakeAgent, f *Frame) {
		var p ExecParams
		require.NoError(t, json.Unmarshal(f.Params, &p))
		a.write(&Frame{Type: FrameResponse, ID: f.ID})

		stream, err := a.sess.Open()
		require.NoError(t, err)
		defer stream.Close()
		_, err = stream.Write([]byte(p.StreamToken + "\n"))
		require.NoError(t, err)

		enc := json.NewEncoder(stream)
		enc.Encode(&StreamEvent{Type: StreamStdout, Data: []byte("a\n")})
		enc.Encode(&StreamEvent{Type: StreamStderr, Data: []byte("b\n")})
		enc.Encode(&StreamEvent{Type: StreamExit, ExitCode: 3})
		// Frames after the terminal event violate the protocol and must be
		// dropped by the bridge.
		enc.Encode(&StreamEvent{Type: StreamStdout, Data: []byte("z\n")})
	}

	conn, _ := h.registry.Get("sbx-1")
	events, err := conn.ExecStream(context.Background(), ExecParams{Command: "noisy"})
	require.NoError(t, err)

	var seen []StreamEvent
	for ev := range events {
		seen = append(seen, ev)
	}

	require.Len(t, seen, 3)
	assert.Equal(t, StreamStdout, seen[0].Type)
	assert.Equal(t, "a\n", string(seen[0].Data))
	assert.Equal(t, StreamStderr, seen[1].Type)
	assert.Equal(t, StreamExit, seen[2].Type)
	assert.Equal(t, 3, seen[2].ExitCode)
}

func TestCallDeadlineSendsCancel(t *testing.T) {
	h := newHarness(t, time.Minute)
	agent := h.connect(t, "sbx-1")
	agent.handle = func(a *fakeAgent, f *Frame) {
		// Never respond.
	}

	conn, _ := h.registry.Get("sbx-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2100*time.Millisecond)
	defer cancel()
	err := conn.Call(ctx, OpExec, &ExecParams{Command: "sleep"}, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.Timeout, apperr.KindOf(err))

	require.Eventually(t, func() bool {
		agent.mu.Lock()
		defer agent.mu.Unlock()
		for _, f := range agent.received {
			if f.Type == FrameCancel {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestDataStreamTokenMatching(t *testing.T) {
	h := newHarness(t, time.Minute)
	agent := h.connect(t, "sbx-1")
	agent.handle = func(a *fakeAgent, f *Frame) {
		var p PTYCreateParams
		require.NoError(t, json.Unmarshal(f.Params, &p))
		a.write(&Frame{Type: FrameResponse, ID: f.ID})

		stream, err := a.sess.Open()
		require.NoError(t, err)
		stream.Write([]byte(p.StreamToken + "\n"))

		// Echo everything back, newline-framed for the test's reader.
		go func() {
			defer stream.Close()
			r := bufio.NewReader(stream)
			for {
				line, err := r.ReadBytes('\n')
				if len(line) > 0 {
					stream.Write(line)
				}
				if err != nil {
					return
				}
			}
		}()
	}

	conn, _ := h.registry.Get("sbx-1")
	stream, err := conn.PTYCreate(context.Background(), PTYCreateParams{PTYID: "pty-1", Cols: 80, Rows: 24})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Write([]byte("hello pty\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(stream).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello pty\n", line)
}
