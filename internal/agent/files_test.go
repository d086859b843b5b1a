package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openelevo/elevo/internal/tunnel"
)

func TestFileWriteReadList(t *testing.T) {
	a := newTestAgent(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "f.txt")

	raw, _ := json.Marshal(&tunnel.FileWriteParams{Path: path, Data: []byte("payload")})
	_, err := a.handleFileWrite(context.Background(), raw)
	require.NoError(t, err)

	raw, _ = json.Marshal(&tunnel.FileReadParams{Path: path})
	res, err := a.handleFileRead(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), res.(*tunnel.FileReadResult).Data)

	raw, _ = json.Marshal(&tunnel.FileListParams{Path: filepath.Join(dir, "nested")})
	res, err = a.handleFileList(context.Background(), raw)
	require.NoError(t, err)
	entries := res.(*tunnel.FileListResult).Entries
	require.Len(t, entries, 1)
	assert.Equal(t, "f.txt", entries[0].Name)
	assert.EqualValues(t, 7, entries[0].Size)
	assert.False(t, entries[0].IsDir)
}

func TestFileReadMissing(t *testing.T) {
	a := newTestAgent(t)

	raw, _ := json.Marshal(&tunnel.FileReadParams{Path: filepath.Join(t.TempDir(), "nope")})
	_, err := a.handleFileRead(context.Background(), raw)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestFileWriteMode(t *testing.T) {
	a := newTestAgent(t)
	path := filepath.Join(t.TempDir(), "script.sh")

	raw, _ := json.Marshal(&tunnel.FileWriteParams{Path: path, Data: []byte("#!/bin/sh\n"), Mode: 0o755})
	_, err := a.handleFileWrite(context.Background(), raw)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, 0o755, info.Mode().Perm())
}
