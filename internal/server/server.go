// Package server is the HTTP surface: workspace and sandbox CRUD, workspace
// file operations, process execution, PTY bridging, and the WebSocket
// endpoint in-container agents dial back to.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/openelevo/elevo/internal/apperr"
	"github.com/openelevo/elevo/internal/config"
	"github.com/openelevo/elevo/internal/engine"
	"github.com/openelevo/elevo/internal/log"
	"github.com/openelevo/elevo/internal/tunnel"
)

type Server struct {
	cfg      *config.Config
	engine   *engine.Engine
	registry *tunnel.Registry
	ptys     *PTYManager
	logger   zerolog.Logger
}

func New(cfg *config.Config, eng *engine.Engine, registry *tunnel.Registry, ptys *PTYManager) *Server {
	return &Server{
		cfg:      cfg,
		engine:   eng,
		registry: registry,
		ptys:     ptys,
		logger:   log.WithComponent("http"),
	}
}

// Router builds the API router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/workspaces", func(r chi.Router) {
			r.Post("/", s.handleCreateWorkspace)
			r.Get("/", s.handleListWorkspaces)
			r.Route("/{wid}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkspace)
				r.Delete("/", s.handleDeleteWorkspace)
				r.Get("/files", s.handleWorkspaceFileRead)
				r.Put("/files", s.handleWorkspaceFileWrite)
				r.Delete("/files", s.handleWorkspaceFileRemove)
				r.Get("/files/list", s.handleWorkspaceFileList)
				r.Post("/files/mkdir", s.handleWorkspaceMkdir)
				r.Post("/files/move", s.handleWorkspaceFileMove)
				r.Post("/files/copy", s.handleWorkspaceFileCopy)
				r.Get("/files/info", s.handleWorkspaceFileInfo)
			})
		})

		r.Route("/sandboxes", func(r chi.Router) {
			r.Post("/", s.handleCreateSandbox)
			r.Get("/", s.handleListSandboxes)
			r.Route("/{sid}", func(r chi.Router) {
				r.Get("/", s.handleGetSandbox)
				r.Delete("/", s.handleDeleteSandbox)
				r.Post("/process/run", s.handleProcessRun)
				r.Post("/process/stream", s.handleProcessStream)
				r.Post("/process/kill", s.handleProcessKill)
				r.Get("/files", s.handleSandboxFileRead)
				r.Put("/files", s.handleSandboxFileWrite)
				r.Get("/files/list", s.handleSandboxFileList)
				r.Post("/pty", s.handlePTYCreate)
				r.Route("/pty/{pid}", func(r chi.Router) {
					r.Delete("/", s.handlePTYDelete)
					r.Post("/resize", s.handlePTYResize)
					r.Get("/ws", s.handlePTYWebSocket)
				})
			})
		})
	})

	// The agent control plane lives outside the bearer-token surface; agents
	// authenticate with their per-sandbox token during registration.
	r.Get("/api/agent/connect", s.handleAgentConnect)

	return r
}

// AgentRouter serves only the agent dial-back endpoint, for the dedicated
// agent listener port.
func (s *Server) AgentRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/agent/connect", s.handleAgentConnect)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// authMiddleware enforces the static bearer token when one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != s.cfg.APIToken {
			s.writeError(w, r, apperr.New(apperr.Unauthorized, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      int    `json:"code"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	msg := err.Error()
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		// Unclassified errors keep their detail in the log, not the body.
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
		msg = "internal error"
	}

	s.writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      apperr.Code(kind),
		Name:      string(kind),
		Message:   msg,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.InvalidArgument, err, "invalid request body"))
		return false
	}
	return true
}
