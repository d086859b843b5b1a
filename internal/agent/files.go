package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openelevo/elevo/internal/tunnel"
)

// In-container file operations. Paths are resolved against the container
// filesystem; relative paths are relative to /workspace.

func (a *Agent) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(workspaceDir, p)
}

func (a *Agent) handleFileRead(ctx context.Context, params json.RawMessage) (any, error) {
	var p tunnel.FileReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode file params: %w", err)
	}
	data, err := os.ReadFile(a.resolvePath(p.Path))
	if err != nil {
		return nil, err
	}
	return &tunnel.FileReadResult{Data: data}, nil
}

func (a *Agent) handleFileWrite(ctx context.Context, params json.RawMessage) (any, error) {
	var p tunnel.FileWriteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode file params: %w", err)
	}
	path := a.resolvePath(p.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	mode := fs.FileMode(p.Mode)
	if mode == 0 {
		mode = 0o644
	}
	if err := os.WriteFile(path, p.Data, mode); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Agent) handleFileList(ctx context.Context, params json.RawMessage) (any, error) {
	var p tunnel.FileListParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode file params: %w", err)
	}
	entries, err := os.ReadDir(a.resolvePath(p.Path))
	if err != nil {
		return nil, err
	}
	res := &tunnel.FileListResult{Entries: make([]tunnel.FileEntry, 0, len(entries))}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		res.Entries = append(res.Entries, tunnel.FileEntry{
			Name:    e.Name(),
			Size:    info.Size(),
			IsDir:   e.IsDir(),
			Mode:    info.Mode().String(),
			ModTime: info.ModTime().Unix(),
		})
	}
	return res, nil
}
