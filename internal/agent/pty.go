package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/openelevo/elevo/internal/tunnel"
)

// ptySession holds a live PTY inside the sandbox.
type ptySession struct {
	id      string
	cmd     *exec.Cmd
	ptmx    *os.File
	closing sync.Once
}

func (s *ptySession) close() {
	s.closing.Do(func() {
		s.ptmx.Close()
		if s.cmd.Process != nil {
			// SIGHUP the foreground group, as a closing terminal would.
			syscall.Kill(-s.cmd.Process.Pid, syscall.SIGHUP)
		}
	})
}

// handlePTYCreate starts a PTY-backed command and bridges the PTY master to
// a dedicated data stream. The child's exit is reported as a pty_exit event
// on the control stream.
func (a *Agent) handlePTYCreate(ctx context.Context, params json.RawMessage) (any, error) {
	var p tunnel.PTYCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode pty params: %w", err)
	}
	if p.PTYID == "" || p.StreamToken == "" {
		return nil, fmt.Errorf("pty id and stream token are required")
	}

	command := p.Command
	if command == "" {
		for _, sh := range []string{"/bin/bash", "/bin/sh"} {
			if _, err := os.Stat(sh); err == nil {
				command = sh
				break
			}
		}
		if command == "" {
			return nil, fmt.Errorf("no shell found")
		}
	}

	cols, rows := p.Cols, p.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	cmd := exec.Command(command, p.Args...)
	cmd.Dir = workspaceDir
	cmd.Env = append(baseEnv(p.Env), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	sess := &ptySession{id: p.PTYID, cmd: cmd, ptmx: ptmx}
	a.mu.Lock()
	a.ptys[p.PTYID] = sess
	a.mu.Unlock()

	go a.servePTY(sess, p.StreamToken)

	return nil, nil
}

// servePTY bridges stream ↔ PTY master and reports the child's exit.
func (a *Agent) servePTY(sess *ptySession, token string) {
	defer func() {
		a.mu.Lock()
		delete(a.ptys, sess.id)
		a.mu.Unlock()
	}()

	stream, err := a.openStream(token)
	if err != nil {
		a.logger.Warn().Err(err).Str("pty_id", sess.id).Msg("pty stream open failed")
		sess.close()
		sess.cmd.Wait()
		return
	}

	// PTY → stream. Output bytes preserve child emission order.
	done := make(chan struct{})
	go func() {
		defer close(done)
		io.Copy(stream, sess.ptmx)
	}()

	// Stream → PTY. Input bytes preserve client send order. A stream close
	// (server/client went away) hangs up the PTY.
	go func() {
		io.Copy(sess.ptmx, stream)
		sess.close()
	}()

	err = sess.cmd.Wait()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = 255
	}

	sess.close()
	<-done
	stream.Close()

	raw, _ := json.Marshal(&tunnel.PTYExitEvent{PTYID: sess.id, ExitCode: exitCode})
	if werr := a.writeFrame(&tunnel.Frame{Type: tunnel.FrameEvent, Event: tunnel.EventPTYExit, Params: raw}); werr != nil {
		a.logger.Warn().Err(werr).Str("pty_id", sess.id).Msg("pty exit event not delivered")
	}
}

func (a *Agent) handlePTYResize(ctx context.Context, params json.RawMessage) (any, error) {
	var p tunnel.PTYResizeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode resize params: %w", err)
	}

	a.mu.Lock()
	sess, ok := a.ptys[p.PTYID]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("pty %s not found", p.PTYID)
	}

	if err := pty.Setsize(sess.ptmx, &pty.Winsize{Cols: p.Cols, Rows: p.Rows}); err != nil {
		return nil, fmt.Errorf("resize: %w", err)
	}
	return nil, nil
}

func (a *Agent) handlePTYKill(ctx context.Context, params json.RawMessage) (any, error) {
	var p tunnel.PTYKillParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode pty kill params: %w", err)
	}

	a.mu.Lock()
	sess, ok := a.ptys[p.PTYID]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("pty %s not found", p.PTYID)
	}

	sess.close()
	return nil, nil
}
