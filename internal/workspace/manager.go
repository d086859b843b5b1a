// Package workspace owns the host-side workspace directories: creation and
// deletion paired with the metadata store, and the file operations the HTTP
// surface exposes. Everything here runs server-side against the host
// filesystem; no sandbox needs to be running.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/openelevo/elevo/internal/apperr"
)

// Manager performs file operations under a workspace root directory.
type Manager struct {
	root string // parent of all per-workspace dirs
}

func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the parent directory of all workspace dirs.
func (m *Manager) Root() string { return m.root }

// Dir returns the directory of a workspace.
func (m *Manager) Dir(workspaceID string) string {
	return filepath.Join(m.root, workspaceID)
}

// Create makes the workspace directory. The id is trusted (server-generated).
func (m *Manager) Create(workspaceID string) error {
	if err := os.MkdirAll(m.Dir(workspaceID), 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	return nil
}

// Destroy removes the workspace directory and everything under it.
func (m *Manager) Destroy(workspaceID string) error {
	if err := os.RemoveAll(m.Dir(workspaceID)); err != nil {
		return fmt.Errorf("remove workspace dir: %w", err)
	}
	return nil
}

// Exists reports whether the workspace directory is present.
func (m *Manager) Exists(workspaceID string) bool {
	info, err := os.Stat(m.Dir(workspaceID))
	return err == nil && info.IsDir()
}

// FileInfo describes a file or directory inside a workspace.
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

// ReadFile returns the contents of a file.
func (m *Manager) ReadFile(workspaceID, path string) ([]byte, error) {
	abs, err := Resolve(m.Dir(workspaceID), path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, mapFSError(err, path)
	}
	return data, nil
}

// WriteFile writes data to a file, creating parent directories as needed.
// The write goes through a temp file and rename so readers never observe a
// partial file.
func (m *Manager) WriteFile(workspaceID, path string, data []byte) error {
	abs, err := Resolve(m.Dir(workspaceID), path)
	if err != nil {
		return err
	}
	if abs == m.Dir(workspaceID) {
		return apperr.New(apperr.InvalidArgument, "path is the workspace root")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return mapFSError(err, path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".elevo-write-*")
	if err != nil {
		return mapFSError(err, path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return mapFSError(err, path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return mapFSError(err, path)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return mapFSError(err, path)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return mapFSError(err, path)
	}
	return nil
}

// ListDir lists the entries of a directory.
func (m *Manager) ListDir(workspaceID, path string) ([]FileInfo, error) {
	abs, err := Resolve(m.Dir(workspaceID), path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, mapFSError(err, path)
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, FileInfo{
			Name:    e.Name(),
			Path:    joinClient(path, e.Name()),
			Size:    fi.Size(),
			IsDir:   fi.IsDir(),
			Mode:    fi.Mode().String(),
			ModTime: fi.ModTime(),
		})
	}
	return infos, nil
}

// Mkdir creates a directory (and parents).
func (m *Manager) Mkdir(workspaceID, path string) error {
	abs, err := Resolve(m.Dir(workspaceID), path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return mapFSError(err, path)
	}
	return nil
}

// Remove deletes a file or directory tree.
func (m *Manager) Remove(workspaceID, path string) error {
	abs, err := Resolve(m.Dir(workspaceID), path)
	if err != nil {
		return err
	}
	if abs == m.Dir(workspaceID) {
		return apperr.New(apperr.InvalidArgument, "refusing to remove the workspace root")
	}
	if _, err := os.Lstat(abs); err != nil {
		return mapFSError(err, path)
	}
	if err := os.RemoveAll(abs); err != nil {
		return mapFSError(err, path)
	}
	return nil
}

// Move renames src to dst within the workspace.
func (m *Manager) Move(workspaceID, src, dst string) error {
	absSrc, err := Resolve(m.Dir(workspaceID), src)
	if err != nil {
		return err
	}
	absDst, err := Resolve(m.Dir(workspaceID), dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return mapFSError(err, dst)
	}
	if err := os.Rename(absSrc, absDst); err != nil {
		return mapFSError(err, src)
	}
	return nil
}

// Copy duplicates src (file or directory tree) to dst within the workspace.
func (m *Manager) Copy(workspaceID, src, dst string) error {
	absSrc, err := Resolve(m.Dir(workspaceID), src)
	if err != nil {
		return err
	}
	absDst, err := Resolve(m.Dir(workspaceID), dst)
	if err != nil {
		return err
	}
	info, err := os.Lstat(absSrc)
	if err != nil {
		return mapFSError(err, src)
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return mapFSError(err, dst)
	}
	if err := copyTree(absSrc, absDst, info); err != nil {
		return mapFSError(err, src)
	}
	return nil
}

// Info stats a path.
func (m *Manager) Info(workspaceID, path string) (*FileInfo, error) {
	abs, err := Resolve(m.Dir(workspaceID), path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Lstat(abs)
	if err != nil {
		return nil, mapFSError(err, path)
	}
	return &FileInfo{
		Name:    fi.Name(),
		Path:    cleanClient(path),
		Size:    fi.Size(),
		IsDir:   fi.IsDir(),
		Mode:    fi.Mode().String(),
		ModTime: fi.ModTime(),
	}, nil
}

func copyTree(src, dst string, info os.FileInfo) error {
	switch {
	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			ei, err := e.Info()
			if err != nil {
				return err
			}
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name()), ei); err != nil {
				return err
			}
		}
		return nil
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	default:
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
}

// mapFSError translates a filesystem error to an apperr kind, keeping the
// client-supplied path (never the host path) in the message.
func mapFSError(err error, clientPath string) error {
	switch {
	case os.IsNotExist(err):
		return apperr.Wrap(apperr.NotFound, err, "%s: no such file or directory", cleanClient(clientPath))
	case os.IsPermission(err):
		return apperr.Wrap(apperr.Forbidden, err, "%s: permission denied", cleanClient(clientPath))
	case os.IsExist(err):
		return apperr.Wrap(apperr.Conflict, err, "%s: already exists", cleanClient(clientPath))
	default:
		// The raw error would leak the host path; keep it for logs only.
		return apperr.Wrap(apperr.Internal, err, "%s: i/o error", cleanClient(clientPath))
	}
}

func cleanClient(path string) string {
	c := filepath.Clean("/" + path)
	return c
}

func joinClient(dir, name string) string {
	return cleanClient(dir + "/" + name)
}
