// Package engine is the workspace/sandbox lifecycle engine: it composes the
// metadata store, the container driver, and the agent registry into the CRUD
// operations the HTTP surface exposes, and owns the sandbox state machine.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openelevo/elevo/internal/apperr"
	"github.com/openelevo/elevo/internal/config"
	"github.com/openelevo/elevo/internal/container"
	"github.com/openelevo/elevo/internal/db"
	"github.com/openelevo/elevo/internal/log"
	"github.com/openelevo/elevo/internal/shortid"
	"github.com/openelevo/elevo/internal/tunnel"
	"github.com/openelevo/elevo/internal/workspace"
)

const (
	// stopGrace is how long a container gets to shut down before SIGKILL.
	stopGrace = 10 * time.Second
	// workspaceMount is the fixed in-container path of the workspace bind.
	workspaceMount = "/workspace"
)

// Engine realizes workspace and sandbox CRUD.
type Engine struct {
	cfg      *config.Config
	db       *db.DB
	files    *workspace.Manager
	driver   container.Driver
	registry *tunnel.Registry
	logger   zerolog.Logger
}

func New(cfg *config.Config, database *db.DB, files *workspace.Manager, driver container.Driver) *Engine {
	return &Engine{
		cfg:    cfg,
		db:     database,
		files:  files,
		driver: driver,
		logger: log.WithComponent("engine"),
	}
}

// SetRegistry wires the agent registry in after construction (the registry's
// hooks point back at the engine).
func (e *Engine) SetRegistry(r *tunnel.Registry) { e.registry = r }

// Files exposes the workspace file manager to the HTTP layer.
func (e *Engine) Files() *workspace.Manager { return e.files }

// ---- Workspaces ----

// CreateWorkspace creates the directory and the metadata row as a pair. If
// the row insert fails the directory is rolled back.
func (e *Engine) CreateWorkspace(ctx context.Context, req CreateWorkspaceRequest) (*Workspace, error) {
	id := shortid.Workspace()
	if err := e.files.Create(id); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "create workspace directory")
	}
	if err := e.db.CreateWorkspace(id, req.Name, e.cfg.NFSURL(id), req.Metadata); err != nil {
		_ = e.files.Destroy(id)
		return nil, err
	}
	w, err := e.db.GetWorkspace(id)
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("workspace_id", id).Msg("workspace created")
	return workspaceView(w), nil
}

func (e *Engine) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	w, err := e.db.GetWorkspace(id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, apperr.New(apperr.NotFound, "workspace %s not found", id)
	}
	return workspaceView(w), nil
}

func (e *Engine) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	rows, err := e.db.ListWorkspaces()
	if err != nil {
		return nil, err
	}
	out := make([]*Workspace, 0, len(rows))
	for _, w := range rows {
		out = append(out, workspaceView(w))
	}
	return out, nil
}

// DeleteWorkspace removes the row and the directory. The store refuses
// atomically while any non-terminal sandbox references the workspace.
func (e *Engine) DeleteWorkspace(ctx context.Context, id string) error {
	if err := e.db.DeleteWorkspace(id, TerminalStates); err != nil {
		return err
	}
	if err := e.files.Destroy(id); err != nil {
		// Row is gone; the directory will be swept on the next startup
		// reconciliation.
		e.logger.Error().Err(err).Str("workspace_id", id).Msg("workspace directory removal failed")
	}
	e.logger.Info().Str("workspace_id", id).Msg("workspace deleted")
	return nil
}

// ---- Sandboxes ----

// CreateSandbox inserts the record, launches the container with the
// workspace bind-mounted, and arms the agent-dial-in timeout. The returned
// sandbox is in state starting; callers poll until running.
func (e *Engine) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (*Sandbox, error) {
	if req.WorkspaceID == "" {
		return nil, apperr.New(apperr.InvalidArgument, "workspaceId is required")
	}
	template := req.Template
	if template == "" {
		template = e.cfg.BaseImage
	}

	rec := &db.Sandbox{
		ID:             shortid.Sandbox(),
		WorkspaceID:    req.WorkspaceID,
		Name:           req.Name,
		Template:       template,
		State:          StateStarting,
		AgentToken:     shortid.Token(),
		Env:            req.Env,
		Metadata:       req.Metadata,
		TimeoutSeconds: req.TimeoutSeconds,
	}
	if err := e.db.CreateSandbox(rec); err != nil {
		return nil, err
	}

	containerID, err := e.launchContainer(ctx, rec)
	if err != nil {
		e.transition(rec.ID, rec.State, StateFailed, "launch failed: "+shortKind(err))
		return nil, err
	}
	if err := e.db.UpdateSandboxContainer(rec.ID, containerID); err != nil {
		e.logger.Error().Err(err).Str("sandbox_id", rec.ID).Msg("record container handle")
	}

	go e.waitForAgent(rec.ID)

	s, err := e.db.GetSandbox(rec.ID)
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("sandbox_id", rec.ID).Str("workspace_id", rec.WorkspaceID).Msg("sandbox created")
	return sandboxView(s), nil
}

// launchContainer starts the sandbox container, retrying once with jitter on
// a transient runtime failure.
func (e *Engine) launchContainer(ctx context.Context, rec *db.Sandbox) (string, error) {
	env := []string{
		"AGENT_SERVER_ADDR=" + e.cfg.AgentServerAddr,
		"SANDBOX_ID=" + rec.ID,
		"AGENT_TOKEN=" + rec.AgentToken,
	}
	for k, v := range rec.Env {
		env = append(env, k+"="+v)
	}

	spec := container.LaunchSpec{
		SandboxID:  rec.ID,
		Image:      rec.Template,
		Env:        env,
		Binds:      []string{filepath.Join(e.cfg.WorkspaceHostDir, rec.WorkspaceID) + ":" + workspaceMount + ":rw"},
		ExtraHosts: e.cfg.SandboxExtraHosts,
	}

	id, err := e.driver.Launch(ctx, spec)
	if err != nil && apperr.IsKind(err, apperr.Unavailable) {
		time.Sleep(time.Duration(500+rand.Intn(500)) * time.Millisecond)
		id, err = e.driver.Launch(ctx, spec)
	}
	return id, err
}

// waitForAgent fails the sandbox if its agent has not dialed in within the
// configured timeout.
func (e *Engine) waitForAgent(sandboxID string) {
	timer := time.NewTimer(e.cfg.AgentTimeout)
	defer timer.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s, err := e.db.GetSandbox(sandboxID)
			if err != nil || s == nil || s.State != StateStarting {
				return
			}
		case <-timer.C:
			s, err := e.db.GetSandbox(sandboxID)
			if err != nil || s == nil || s.State != StateStarting {
				return
			}
			e.logger.Warn().Str("sandbox_id", sandboxID).Msg("agent dial-in timed out")
			e.transition(sandboxID, StateStarting, StateFailed, "timeout: agent did not register")
			e.removeContainer(context.Background(), s, true)
			return
		}
	}
}

func (e *Engine) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	s, err := e.db.GetSandbox(id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperr.New(apperr.NotFound, "sandbox %s not found", id)
	}
	return sandboxView(s), nil
}

func (e *Engine) ListSandboxes(ctx context.Context, state string) ([]*Sandbox, error) {
	rows, err := e.db.ListSandboxes(state)
	if err != nil {
		return nil, err
	}
	out := make([]*Sandbox, 0, len(rows))
	for _, s := range rows {
		out = append(out, sandboxView(s))
	}
	return out, nil
}

// DeleteSandbox tears a sandbox down. A non-terminal sandbox goes through
// graceful shutdown (stopping → stopped, row retained for observability);
// force skips the grace period and purges the row immediately. Deleting a
// terminal sandbox purges its row.
func (e *Engine) DeleteSandbox(ctx context.Context, id string, force bool) error {
	s, err := e.db.GetSandbox(id)
	if err != nil {
		return err
	}
	if s == nil {
		return apperr.New(apperr.NotFound, "sandbox %s not found", id)
	}

	if IsTerminal(s.State) {
		e.removeContainer(ctx, s, true)
		return e.db.DeleteSandbox(id)
	}

	if force {
		if e.registry != nil {
			e.registry.Drop(id)
		}
		e.removeContainer(ctx, s, true)
		e.logger.Info().Str("sandbox_id", id).Msg("sandbox force deleted")
		return e.db.DeleteSandbox(id)
	}

	if err := e.transition(id, s.State, StateStopping, ""); err != nil {
		return err
	}
	if e.registry != nil {
		e.registry.Drop(id)
	}
	if s.ContainerID.Valid {
		if err := e.driver.Stop(ctx, s.ContainerID.String, stopGrace); err != nil {
			e.logger.Warn().Err(err).Str("sandbox_id", id).Msg("container stop failed")
		}
	}
	e.removeContainer(ctx, s, true)
	e.logger.Info().Str("sandbox_id", id).Msg("sandbox stopped")
	return e.transition(id, StateStopping, StateStopped, "")
}

func (e *Engine) removeContainer(ctx context.Context, s *db.Sandbox, force bool) {
	if !s.ContainerID.Valid {
		return
	}
	if err := e.driver.Remove(ctx, s.ContainerID.String, force); err != nil {
		e.logger.Warn().Err(err).Str("sandbox_id", s.ID).Msg("container remove failed")
	}
}

// transition applies a state-machine edge, refusing edges the machine does
// not define.
func (e *Engine) transition(id, from, to, errorMessage string) error {
	if !ValidTransition(from, to) {
		return apperr.New(apperr.Conflict, "sandbox %s: invalid transition %s → %s", id, from, to)
	}
	return e.db.UpdateSandboxState(id, to, errorMessage)
}

// ---- Registry hooks ----

// Hooks returns the callbacks the agent registry invokes.
func (e *Engine) Hooks() tunnel.Hooks {
	return tunnel.Hooks{
		OnRegister:  e.onAgentRegister,
		OnAgentLost: e.onAgentLost,
	}
}

// onAgentRegister authenticates a dial-in against the pending expectation
// (a sandbox in starting, or running for a container-restart re-dial) and
// promotes starting → running.
func (e *Engine) onAgentRegister(sandboxID, token string) error {
	s, err := e.db.GetSandbox(sandboxID)
	if err != nil {
		return fmt.Errorf("lookup sandbox: %w", err)
	}
	if s == nil {
		return fmt.Errorf("unknown sandbox")
	}
	if s.AgentToken == "" || s.AgentToken != token {
		return fmt.Errorf("bad token")
	}
	switch s.State {
	case StateStarting:
		if err := e.transition(sandboxID, StateStarting, StateRunning, ""); err != nil {
			return err
		}
		e.logger.Info().Str("sandbox_id", sandboxID).Msg("sandbox running")
		return nil
	case StateRunning:
		return nil
	default:
		return fmt.Errorf("sandbox is %s", s.State)
	}
}

func (e *Engine) onAgentLost(sandboxID, reason string) {
	s, err := e.db.GetSandbox(sandboxID)
	if err != nil || s == nil {
		return
	}
	if s.State != StateRunning {
		return
	}
	e.logger.Warn().Str("sandbox_id", sandboxID).Str("reason", reason).Msg("agent lost")
	if err := e.db.UpdateSandboxState(sandboxID, StateFailed, "agent unreachable"); err != nil {
		e.logger.Error().Err(err).Str("sandbox_id", sandboxID).Msg("mark sandbox failed")
	}
}

// Conn returns the live agent connection for a running sandbox, failing fast
// when the agent is not connected.
func (e *Engine) Conn(sandboxID string) (*tunnel.AgentConn, error) {
	s, err := e.db.GetSandbox(sandboxID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperr.New(apperr.NotFound, "sandbox %s not found", sandboxID)
	}
	if s.State != StateRunning {
		return nil, apperr.New(apperr.Unavailable, "sandbox %s is %s", sandboxID, s.State)
	}
	conn, ok := e.registry.Get(sandboxID)
	if !ok {
		return nil, apperr.New(apperr.Unavailable, "agent not connected")
	}
	return conn, nil
}

func shortKind(err error) string {
	return string(apperr.KindOf(err))
}
