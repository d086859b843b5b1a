package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openelevo/elevo/internal/apperr"
	"github.com/openelevo/elevo/internal/engine"
	"github.com/openelevo/elevo/internal/tunnel"
)

// maxFileBody caps file upload bodies.
const maxFileBody = 128 << 20

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxFileBody))
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateSandboxRequest
	if !s.decode(w, r, &req) {
		return
	}
	sbx, err := s.engine.CreateSandbox(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sbx)
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	sandboxes, err := s.engine.ListSandboxes(r.Context(), r.URL.Query().Get("state"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sandboxes": sandboxes})
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	sbx, err := s.engine.GetSandbox(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sbx)
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.engine.DeleteSandbox(r.Context(), chi.URLParam(r, "sid"), force); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- Process execution ----

type runRequest struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
}

func (s *Server) handleProcessRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Command == "" {
		s.writeError(w, r, apperr.New(apperr.InvalidArgument, "command is required"))
		return
	}

	conn, err := s.engine.Conn(chi.URLParam(r, "sid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := conn.Exec(r.Context(), tunnel.ExecParams{
		Command:        req.Command,
		Args:           req.Args,
		Env:            req.Env,
		Cwd:            req.Cwd,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"exitCode":        res.ExitCode,
		"stdout":          res.Stdout,
		"stderr":          res.Stderr,
		"stdoutTruncated": res.StdoutTruncated,
		"stderrTruncated": res.StderrTruncated,
		"pid":             res.PID,
	})
}

// streamFrame is one newline-delimited JSON event of a streamed run.
type streamFrame struct {
	Type     string `json:"type"` // stdout | stderr | exit | error
	Data     string `json:"data,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Message  string `json:"message,omitempty"`
}

// handleProcessStream runs a command and streams its output as chunked
// newline-delimited JSON. The stream ends with exactly one exit or error
// event; client disconnect cancels the run.
func (s *Server) handleProcessStream(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Command == "" {
		s.writeError(w, r, apperr.New(apperr.InvalidArgument, "command is required"))
		return
	}

	conn, err := s.engine.Conn(chi.URLParam(r, "sid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	events, err := conn.ExecStream(r.Context(), tunnel.ExecParams{
		Command:        req.Command,
		Args:           req.Args,
		Env:            req.Env,
		Cwd:            req.Cwd,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for ev := range events {
		frame := streamFrame{Type: ev.Type, Message: ev.Message}
		if len(ev.Data) > 0 {
			frame.Data = string(ev.Data)
		}
		if ev.Type == tunnel.StreamExit {
			code := ev.ExitCode
			frame.ExitCode = &code
		}
		if err := enc.Encode(&frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleProcessKill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PID    int    `json:"pid"`
		Signal string `json:"signal,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.PID <= 0 {
		s.writeError(w, r, apperr.New(apperr.InvalidArgument, "pid is required"))
		return
	}

	conn, err := s.engine.Conn(chi.URLParam(r, "sid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()
	if err := conn.Kill(ctx, req.PID, req.Signal); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- In-container file operations (via the agent) ----

func (s *Server) handleSandboxFileRead(w http.ResponseWriter, r *http.Request) {
	path, ok := s.filePath(w, r)
	if !ok {
		return
	}
	conn, err := s.engine.Conn(chi.URLParam(r, "sid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := contextWithTimeout(r, 30*time.Second)
	defer cancel()
	data, err := conn.FileRead(ctx, path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleSandboxFileWrite(w http.ResponseWriter, r *http.Request) {
	path, ok := s.filePath(w, r)
	if !ok {
		return
	}
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.InvalidArgument, err, "read request body"))
		return
	}
	conn, err := s.engine.Conn(chi.URLParam(r, "sid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := contextWithTimeout(r, 30*time.Second)
	defer cancel()
	if err := conn.FileWrite(ctx, path, data); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSandboxFileList(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/workspace"
	}
	conn, err := s.engine.Conn(chi.URLParam(r, "sid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := contextWithTimeout(r, 30*time.Second)
	defer cancel()
	entries, err := conn.FileList(ctx, path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
