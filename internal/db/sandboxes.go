package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/openelevo/elevo/internal/apperr"
)

type Sandbox struct {
	ID             string
	WorkspaceID    string
	Name           string
	Template       string
	State          string
	ContainerID    sql.NullString
	AgentToken     string
	Env            map[string]string
	Metadata       map[string]string
	TimeoutSeconds int
	ErrorMessage   sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const sandboxColumns = `id, workspace_id, name, template, state, container_id,
	agent_token, env, metadata, timeout_seconds, error_message, created_at, updated_at`

// CreateSandbox inserts a sandbox row. The workspace existence check and the
// insert share a transaction so a concurrent workspace delete cannot slip in
// between.
func (db *DB) CreateSandbox(s *Sandbox) error {
	env, err := marshalMeta(s.Env)
	if err != nil {
		return err
	}
	meta, err := marshalMeta(s.Metadata)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin create sandbox: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRow("SELECT EXISTS(SELECT 1 FROM workspaces WHERE id = ?)", s.WorkspaceID).Scan(&exists); err != nil {
		return fmt.Errorf("check workspace: %w", err)
	}
	if !exists {
		return apperr.New(apperr.NotFound, "workspace %s not found", s.WorkspaceID)
	}

	if s.Name != "" {
		var taken bool
		err := tx.QueryRow(
			"SELECT EXISTS(SELECT 1 FROM sandboxes WHERE workspace_id = ? AND name = ? AND state NOT IN ('stopped','failed'))",
			s.WorkspaceID, s.Name,
		).Scan(&taken)
		if err != nil {
			return fmt.Errorf("check sandbox name: %w", err)
		}
		if taken {
			return apperr.New(apperr.Conflict, "sandbox name %q already in use in workspace %s", s.Name, s.WorkspaceID)
		}
	}

	_, err = tx.Exec(
		`INSERT INTO sandboxes (id, workspace_id, name, template, state, agent_token, env, metadata, timeout_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.WorkspaceID, s.Name, s.Template, s.State, s.AgentToken, env, meta, s.TimeoutSeconds,
	)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	return tx.Commit()
}

// GetSandbox returns nil, nil when the sandbox does not exist.
func (db *DB) GetSandbox(id string) (*Sandbox, error) {
	row := db.QueryRow(`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = ?`, id)
	s, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// ListSandboxes returns all sandboxes, optionally filtered by state.
func (db *DB) ListSandboxes(state string) ([]*Sandbox, error) {
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes`
	var args []any
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, state)
	}
	query += " ORDER BY created_at ASC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	defer rows.Close()

	var sandboxes []*Sandbox
	for rows.Next() {
		s, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, s)
	}
	return sandboxes, rows.Err()
}

// ListSandboxesByWorkspace returns all sandboxes bound to a workspace.
func (db *DB) ListSandboxesByWorkspace(workspaceID string) ([]*Sandbox, error) {
	rows, err := db.Query(
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE workspace_id = ? ORDER BY created_at ASC`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes by workspace: %w", err)
	}
	defer rows.Close()

	var sandboxes []*Sandbox
	for rows.Next() {
		s, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, s)
	}
	return sandboxes, rows.Err()
}

// UpdateSandboxState transitions a sandbox and records an error message.
// Passing errorMessage "" clears it.
func (db *DB) UpdateSandboxState(id, state, errorMessage string) error {
	res, err := db.Exec(
		"UPDATE sandboxes SET state = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		state, nullIfEmpty(errorMessage), id,
	)
	if err != nil {
		return fmt.Errorf("update sandbox state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "sandbox %s not found", id)
	}
	return nil
}

// UpdateSandboxContainer records the container handle for a sandbox.
func (db *DB) UpdateSandboxContainer(id, containerID string) error {
	_, err := db.Exec(
		"UPDATE sandboxes SET container_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		nullIfEmpty(containerID), id,
	)
	if err != nil {
		return fmt.Errorf("update sandbox container: %w", err)
	}
	return nil
}

// DeleteSandbox removes a sandbox row.
func (db *DB) DeleteSandbox(id string) error {
	_, err := db.Exec("DELETE FROM sandboxes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSandbox(row rowScanner) (*Sandbox, error) {
	s := &Sandbox{}
	var env, meta string
	err := row.Scan(&s.ID, &s.WorkspaceID, &s.Name, &s.Template, &s.State, &s.ContainerID,
		&s.AgentToken, &env, &meta, &s.TimeoutSeconds, &s.ErrorMessage, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan sandbox: %w", err)
	}
	if s.Env, err = unmarshalMeta(env); err != nil {
		return nil, fmt.Errorf("sandbox %s env: %w", s.ID, err)
	}
	if s.Metadata, err = unmarshalMeta(meta); err != nil {
		return nil, fmt.Errorf("sandbox %s metadata: %w", s.ID, err)
	}
	return s, nil
}
