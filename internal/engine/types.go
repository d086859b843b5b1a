package engine

import (
	"time"

	"github.com/openelevo/elevo/internal/db"
)

// Workspace is the client-facing view of a workspace record.
type Workspace struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	NFSURL    string            `json:"nfsUrl,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Sandbox is the client-facing view of a sandbox record.
type Sandbox struct {
	ID             string            `json:"id"`
	WorkspaceID    string            `json:"workspaceId"`
	Name           string            `json:"name,omitempty"`
	Template       string            `json:"template"`
	State          string            `json:"state"`
	ContainerID    string            `json:"containerId,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

func workspaceView(w *db.Workspace) *Workspace {
	v := &Workspace{
		ID:        w.ID,
		Name:      w.Name,
		Metadata:  w.Metadata,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
	if w.NFSURL.Valid {
		v.NFSURL = w.NFSURL.String
	}
	return v
}

func sandboxView(s *db.Sandbox) *Sandbox {
	v := &Sandbox{
		ID:             s.ID,
		WorkspaceID:    s.WorkspaceID,
		Name:           s.Name,
		Template:       s.Template,
		State:          s.State,
		Env:            s.Env,
		Metadata:       s.Metadata,
		TimeoutSeconds: s.TimeoutSeconds,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if s.ContainerID.Valid {
		v.ContainerID = s.ContainerID.String
	}
	if s.ErrorMessage.Valid {
		v.ErrorMessage = s.ErrorMessage.String
	}
	return v
}

// CreateWorkspaceRequest carries the workspace.create inputs.
type CreateWorkspaceRequest struct {
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CreateSandboxRequest carries the sandbox.create inputs.
type CreateSandboxRequest struct {
	WorkspaceID    string            `json:"workspaceId"`
	Name           string            `json:"name,omitempty"`
	Template       string            `json:"template,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
}
