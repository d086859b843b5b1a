package tunnel

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/openelevo/elevo/internal/apperr"
)

// execOuterSlack is added on top of the agent-side timeout so the agent's
// own timeout surfaces before the bridge deadline does.
const execOuterSlack = 5 * time.Second

// Exec runs a command to completion on the agent and returns the captured
// result.
func (c *AgentConn) Exec(ctx context.Context, params ExecParams) (*ExecResult, error) {
	if params.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutSeconds)*time.Second+execOuterSlack)
		defer cancel()
	}
	var res ExecResult
	if err := c.Call(ctx, OpExec, &params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ExecStream starts a command and returns its event stream. The channel
// yields chunks in agent-emission order and is closed after exactly one
// terminal event (exit or error). Canceling ctx tears the stream down and
// the agent SIGTERMs the child.
func (c *AgentConn) ExecStream(ctx context.Context, params ExecParams) (<-chan StreamEvent, error) {
	token := uuid.New().String()
	params.StreamToken = token

	c.ExpectStream(token)
	if err := c.Call(ctx, OpExecStream, &params, nil); err != nil {
		c.CancelStream(token)
		return nil, err
	}
	stream, err := c.AwaitStream(ctx, token)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()

		// Tear the stream down when the caller goes away; the agent sees the
		// stream close and signals the child.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				stream.Close()
			case <-done:
			}
		}()

		terminal := false
		dec := json.NewDecoder(bufio.NewReader(stream))
		for {
			var ev StreamEvent
			if err := dec.Decode(&ev); err != nil {
				if !terminal {
					events <- StreamEvent{Type: StreamError, Message: "agent stream interrupted"}
				}
				return
			}
			if terminal {
				// Protocol violation; drop anything after the terminal event.
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == StreamExit || ev.Type == StreamError {
				terminal = true
				return
			}
		}
	}()
	return events, nil
}

// Kill signals a process previously started in the sandbox.
func (c *AgentConn) Kill(ctx context.Context, pid int, signal string) error {
	return c.Call(ctx, OpKill, &KillParams{PID: pid, Signal: signal}, nil)
}

// PTYCreate opens a PTY session on the agent and returns the duplex byte
// stream connected to the PTY master.
func (c *AgentConn) PTYCreate(ctx context.Context, params PTYCreateParams) (net.Conn, error) {
	if params.PTYID == "" {
		return nil, apperr.New(apperr.InvalidArgument, "pty id required")
	}
	token := uuid.New().String()
	params.StreamToken = token

	c.ExpectStream(token)
	if err := c.Call(ctx, OpPTYCreate, &params, nil); err != nil {
		c.CancelStream(token)
		return nil, err
	}
	return c.AwaitStream(ctx, token)
}

// PTYResize forwards a window-size change. Resize rides the control stream,
// so it may be reordered relative to PTY bytes; that is the contract.
func (c *AgentConn) PTYResize(ctx context.Context, ptyID string, cols, rows uint16) error {
	return c.Call(ctx, OpPTYResize, &PTYResizeParams{PTYID: ptyID, Cols: cols, Rows: rows}, nil)
}

// PTYKill terminates a PTY session.
func (c *AgentConn) PTYKill(ctx context.Context, ptyID string) error {
	return c.Call(ctx, OpPTYKill, &PTYKillParams{PTYID: ptyID}, nil)
}

// FileRead reads a file from inside the sandbox container.
func (c *AgentConn) FileRead(ctx context.Context, path string) ([]byte, error) {
	var res FileReadResult
	if err := c.Call(ctx, OpFileRead, &FileReadParams{Path: path}, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// FileWrite writes a file inside the sandbox container.
func (c *AgentConn) FileWrite(ctx context.Context, path string, data []byte) error {
	return c.Call(ctx, OpFileWrite, &FileWriteParams{Path: path, Data: data}, nil)
}

// FileList lists a directory inside the sandbox container.
func (c *AgentConn) FileList(ctx context.Context, path string) ([]FileEntry, error) {
	var res FileListResult
	if err := c.Call(ctx, OpFileList, &FileListParams{Path: path}, &res); err != nil {
		return nil, err
	}
	return res.Entries, nil
}
