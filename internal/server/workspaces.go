package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openelevo/elevo/internal/apperr"
	"github.com/openelevo/elevo/internal/engine"
)

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateWorkspaceRequest
	if !s.decode(w, r, &req) {
		return
	}
	ws, err := s.engine.CreateWorkspace(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.engine.ListWorkspaces(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.engine.GetWorkspace(r.Context(), chi.URLParam(r, "wid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteWorkspace(r.Context(), chi.URLParam(r, "wid")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- Workspace file operations (server-side, no sandbox involved) ----

func (s *Server) filePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, r, apperr.New(apperr.InvalidArgument, "path query parameter is required"))
		return "", false
	}
	return path, true
}

func (s *Server) handleWorkspaceFileRead(w http.ResponseWriter, r *http.Request) {
	path, ok := s.filePath(w, r)
	if !ok {
		return
	}
	data, err := s.engine.Files().ReadFile(chi.URLParam(r, "wid"), path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleWorkspaceFileWrite(w http.ResponseWriter, r *http.Request) {
	path, ok := s.filePath(w, r)
	if !ok {
		return
	}
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.InvalidArgument, err, "read request body"))
		return
	}
	if err := s.engine.Files().WriteFile(chi.URLParam(r, "wid"), path, data); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkspaceFileRemove(w http.ResponseWriter, r *http.Request) {
	path, ok := s.filePath(w, r)
	if !ok {
		return
	}
	if err := s.engine.Files().Remove(chi.URLParam(r, "wid"), path); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkspaceFileList(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	entries, err := s.engine.Files().ListDir(chi.URLParam(r, "wid"), path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleWorkspaceMkdir(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		s.writeError(w, r, apperr.New(apperr.InvalidArgument, "path is required"))
		return
	}
	if err := s.engine.Files().Mkdir(chi.URLParam(r, "wid"), req.Path); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleWorkspaceFileMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Source == "" || req.Destination == "" {
		s.writeError(w, r, apperr.New(apperr.InvalidArgument, "source and destination are required"))
		return
	}
	if err := s.engine.Files().Move(chi.URLParam(r, "wid"), req.Source, req.Destination); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkspaceFileCopy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Source == "" || req.Destination == "" {
		s.writeError(w, r, apperr.New(apperr.InvalidArgument, "source and destination are required"))
		return
	}
	if err := s.engine.Files().Copy(chi.URLParam(r, "wid"), req.Source, req.Destination); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkspaceFileInfo(w http.ResponseWriter, r *http.Request) {
	path, ok := s.filePath(w, r)
	if !ok {
		return
	}
	info, err := s.engine.Files().Info(chi.URLParam(r, "wid"), path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}
