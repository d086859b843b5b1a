package nfs

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	nfslib "github.com/willscott/go-nfs"

	"github.com/openelevo/elevo/internal/db"
	"github.com/openelevo/elevo/internal/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func TestHandleCodec(t *testing.T) {
	fh := encodeHandle("ws-4kq1z8m2", 12345, 987654321)
	require.LessOrEqual(t, len(fh), maxHandleSize)

	ws, ino, gen, err := decodeHandle(fh)
	require.NoError(t, err)
	assert.Equal(t, "ws-4kq1z8m2", ws)
	assert.EqualValues(t, 12345, ino)
	assert.EqualValues(t, 987654321, gen)
}

func TestHandleCodecRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0xff, 0x01, 'a'},
		encodeHandle("ws-1", 1, 1)[:5],
		append(encodeHandle("ws-1", 1, 1), 0x00),
	}
	for _, fh := range cases {
		_, _, _, err := decodeHandle(fh)
		assert.Error(t, err)
	}
}

func newTestHandler(t *testing.T) (*Handler, *db.DB, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "workspaces")
	require.NoError(t, os.MkdirAll(root, 0o755))

	database, err := db.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return NewHandler(database, root), database, root
}

func addWorkspace(t *testing.T, database *db.DB, root, id string) string {
	t.Helper()
	require.NoError(t, database.CreateWorkspace(id, "", "", nil))
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func mountConn(t *testing.T) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a
}

func TestMountResolvesWorkspace(t *testing.T) {
	h, database, root := newTestHandler(t)
	addWorkspace(t, database, root, "ws-1")

	status, fs, flavors := h.Mount(context.Background(), mountConn(t), nfslib.MountRequest{Dirpath: []byte("/ws-1")})
	assert.Equal(t, nfslib.MountStatusOk, status)
	require.NotNil(t, fs)
	assert.Contains(t, flavors, nfslib.AuthFlavorNull)
}

func TestMountUnknownWorkspace(t *testing.T) {
	h, _, _ := newTestHandler(t)

	status, fs, _ := h.Mount(context.Background(), mountConn(t), nfslib.MountRequest{Dirpath: []byte("/ws-none")})
	assert.Equal(t, nfslib.MountStatusErrNoEnt, status)
	assert.Nil(t, fs)
}

func TestHandleRoundTrip(t *testing.T) {
	h, database, root := newTestHandler(t)
	dir := addWorkspace(t, database, root, "ws-1")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "f.txt"), []byte("x"), 0o644))

	status, fs, _ := h.Mount(context.Background(), mountConn(t), nfslib.MountRequest{Dirpath: []byte("/ws-1")})
	require.Equal(t, nfslib.MountStatusOk, status)

	fh := h.ToHandle(fs, []string{"sub", "f.txt"})
	require.NotNil(t, fh)
	require.LessOrEqual(t, len(fh), maxHandleSize)

	gotFS, path, err := h.FromHandle(fh)
	require.NoError(t, err)
	assert.Equal(t, fs, gotFS)
	assert.Equal(t, []string{"sub", "f.txt"}, path)
}

func TestHandleSurvivesRestart(t *testing.T) {
	h, database, root := newTestHandler(t)
	dir := addWorkspace(t, database, root, "ws-1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0o644))

	status, fs, _ := h.Mount(context.Background(), mountConn(t), nfslib.MountRequest{Dirpath: []byte("/ws-1")})
	require.Equal(t, nfslib.MountStatusOk, status)
	fh := h.ToHandle(fs, []string{"keep.txt"})
	require.NotNil(t, fh)

	// A fresh handler has no inode index; the handle must still resolve.
	fresh := NewHandler(database, root)
	_, path, err := fresh.FromHandle(fh)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, path)
}

func TestHandleGoesStaleAfterUnlink(t *testing.T) {
	h, database, root := newTestHandler(t)
	dir := addWorkspace(t, database, root, "ws-1")
	target := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	status, fs, _ := h.Mount(context.Background(), mountConn(t), nfslib.MountRequest{Dirpath: []byte("/ws-1")})
	require.Equal(t, nfslib.MountStatusOk, status)
	fh := h.ToHandle(fs, []string{"gone.txt"})
	require.NotNil(t, fh)

	require.NoError(t, os.Remove(target))

	_, _, err := h.FromHandle(fh)
	assert.Error(t, err, "unlinked file must yield a stale handle")
}

func TestHandleRenameStillResolves(t *testing.T) {
	h, database, root := newTestHandler(t)
	dir := addWorkspace(t, database, root, "ws-1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.txt"), []byte("x"), 0o644))

	status, fs, _ := h.Mount(context.Background(), mountConn(t), nfslib.MountRequest{Dirpath: []byte("/ws-1")})
	require.Equal(t, nfslib.MountStatusOk, status)
	fh := h.ToHandle(fs, []string{"old.txt"})
	require.NotNil(t, fh)

	// NFS handles track the file, not the name.
	require.NoError(t, os.Rename(filepath.Join(dir, "old.txt"), filepath.Join(dir, "new.txt")))

	_, path, err := h.FromHandle(fh)
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt"}, path)
}

func TestFSStat(t *testing.T) {
	h, database, root := newTestHandler(t)
	addWorkspace(t, database, root, "ws-1")

	status, fs, _ := h.Mount(context.Background(), mountConn(t), nfslib.MountRequest{Dirpath: []byte("/ws-1")})
	require.Equal(t, nfslib.MountStatusOk, status)

	var stat nfslib.FSStat
	require.NoError(t, h.FSStat(context.Background(), fs, &stat))
	assert.NotZero(t, stat.TotalSize)
}
