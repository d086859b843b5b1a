package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openelevo/elevo/internal/apperr"
)

type Workspace struct {
	ID        string
	Name      string
	NFSURL    sql.NullString
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (db *DB) CreateWorkspace(id, name, nfsURL string, metadata map[string]string) error {
	meta, err := marshalMeta(metadata)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT INTO workspaces (id, name, nfs_url, metadata) VALUES (?, ?, ?, ?)`,
		id, name, nullIfEmpty(nfsURL), meta,
	)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

// GetWorkspace returns nil, nil when the workspace does not exist.
func (db *DB) GetWorkspace(id string) (*Workspace, error) {
	w := &Workspace{}
	var meta string
	err := db.QueryRow(
		`SELECT id, name, nfs_url, metadata, created_at, updated_at FROM workspaces WHERE id = ?`,
		id,
	).Scan(&w.ID, &w.Name, &w.NFSURL, &meta, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	if w.Metadata, err = unmarshalMeta(meta); err != nil {
		return nil, fmt.Errorf("workspace %s metadata: %w", id, err)
	}
	return w, nil
}

func (db *DB) ListWorkspaces() ([]*Workspace, error) {
	rows, err := db.Query(
		`SELECT id, name, nfs_url, metadata, created_at, updated_at FROM workspaces ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*Workspace
	for rows.Next() {
		w := &Workspace{}
		var meta string
		if err := rows.Scan(&w.ID, &w.Name, &w.NFSURL, &meta, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		if w.Metadata, err = unmarshalMeta(meta); err != nil {
			return nil, fmt.Errorf("workspace %s metadata: %w", w.ID, err)
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

// DeleteWorkspace removes the workspace row. The check that no live sandbox
// references it and the delete happen in one transaction, so a concurrent
// sandbox create on this workspace either sees the row or the whole delete
// fails with conflict.
func (db *DB) DeleteWorkspace(id string, terminalStates []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete workspace: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRow("SELECT EXISTS(SELECT 1 FROM workspaces WHERE id = ?)", id).Scan(&exists); err != nil {
		return fmt.Errorf("check workspace: %w", err)
	}
	if !exists {
		return apperr.New(apperr.NotFound, "workspace %s not found", id)
	}

	query, args := liveSandboxQuery(id, terminalStates)
	var live int
	if err := tx.QueryRow(query, args...).Scan(&live); err != nil {
		return fmt.Errorf("count live sandboxes: %w", err)
	}
	if live > 0 {
		return apperr.New(apperr.Conflict, "workspace %s has %d live sandbox(es)", id, live)
	}

	if _, err := tx.Exec("DELETE FROM sandboxes WHERE workspace_id = ?", id); err != nil {
		return fmt.Errorf("delete workspace sandboxes: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM workspaces WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return tx.Commit()
}

// CountLiveSandboxes returns how many sandboxes reference the workspace in a
// non-terminal state.
func (db *DB) CountLiveSandboxes(workspaceID string, terminalStates []string) (int, error) {
	query, args := liveSandboxQuery(workspaceID, terminalStates)
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count live sandboxes: %w", err)
	}
	return n, nil
}

func liveSandboxQuery(workspaceID string, terminalStates []string) (string, []any) {
	query := "SELECT COUNT(*) FROM sandboxes WHERE workspace_id = ?"
	args := []any{workspaceID}
	if len(terminalStates) > 0 {
		query += " AND state NOT IN (?" + repeat(",?", len(terminalStates)-1) + ")"
		for _, s := range terminalStates {
			args = append(args, s)
		}
	}
	return query, args
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

func marshalMeta(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMeta(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
