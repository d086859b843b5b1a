package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openelevo/elevo/internal/apperr"
	"github.com/openelevo/elevo/internal/config"
	"github.com/openelevo/elevo/internal/container"
	"github.com/openelevo/elevo/internal/db"
	"github.com/openelevo/elevo/internal/log"
	"github.com/openelevo/elevo/internal/tunnel"
	"github.com/openelevo/elevo/internal/workspace"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeDriver is an in-memory container.Driver.
type fakeDriver struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]container.Managed // container id → state
	launchErr  error
	launchErrs int // -1 fails every launch, N > 0 fails the next N
	removed    []string
	stopped    []string
}

var _ container.Driver = (*fakeDriver)(nil)

func newFakeDriver() *fakeDriver {
	return &fakeDriver{containers: make(map[string]container.Managed)}
}

func (d *fakeDriver) Launch(ctx context.Context, spec container.LaunchSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.launchErrs < 0 {
		return "", d.launchErr
	}
	if d.launchErrs > 0 {
		d.launchErrs--
		return "", d.launchErr
	}
	d.nextID++
	id := spec.SandboxID + "-ctr"
	d.containers[id] = container.Managed{ID: id, SandboxID: spec.SandboxID, Running: true}
	return id, nil
}

func (d *fakeDriver) Inspect(ctx context.Context, id string) (*container.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "container not found")
	}
	return &container.Status{ID: id, Running: c.Running}, nil
}

func (d *fakeDriver) Stop(ctx context.Context, id string, grace time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, id)
	if c, ok := d.containers[id]; ok {
		c.Running = false
		d.containers[id] = c
	}
	return nil
}

func (d *fakeDriver) Remove(ctx context.Context, id string, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, id)
	delete(d.containers, id)
	return nil
}

func (d *fakeDriver) ListManaged(ctx context.Context) ([]container.Managed, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]container.Managed, 0, len(d.containers))
	for _, c := range d.containers {
		out = append(out, c)
	}
	return out, nil
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) has(containerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.containers[containerID]
	return ok
}

func newTestEngine(t *testing.T) (*Engine, *fakeDriver, *db.DB) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		WorkspaceDir:     filepath.Join(dir, "workspaces"),
		WorkspaceHostDir: filepath.Join(dir, "workspaces"),
		BaseImage:        "ubuntu:22.04",
		AgentServerAddr:  "localhost:8081",
		AgentTimeout:     30 * time.Second,
		MaxIdleTime:      30 * time.Minute,
		NFSHost:          "localhost",
		NFSPort:          2049,
	}
	require.NoError(t, os.MkdirAll(cfg.WorkspaceDir, 0o755))

	database, err := db.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	driver := newFakeDriver()
	eng := New(cfg, database, workspace.NewManager(cfg.WorkspaceDir), driver)
	eng.SetRegistry(tunnel.NewRegistry(eng.Hooks(), time.Minute))
	return eng, driver, database
}

func TestWorkspaceLifecycle(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	ws, err := eng.CreateWorkspace(ctx, CreateWorkspaceRequest{Name: "w1", Metadata: map[string]string{"k": "v"}})
	require.NoError(t, err)
	assert.NotEmpty(t, ws.ID)
	assert.Equal(t, "w1", ws.Name)
	assert.Contains(t, ws.NFSURL, ws.ID)
	assert.DirExists(t, eng.Files().Dir(ws.ID))

	got, err := eng.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, got.ID)

	require.NoError(t, eng.DeleteWorkspace(ctx, ws.ID))
	assert.NoDirExists(t, eng.Files().Dir(ws.ID))

	err = eng.DeleteWorkspace(ctx, ws.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestSandboxCreateLaunchesContainer(t *testing.T) {
	eng, driver, database := newTestEngine(t)
	ctx := context.Background()

	ws, err := eng.CreateWorkspace(ctx, CreateWorkspaceRequest{})
	require.NoError(t, err)

	sbx, err := eng.CreateSandbox(ctx, CreateSandboxRequest{WorkspaceID: ws.ID, Template: "python:3.12"})
	require.NoError(t, err)
	assert.Equal(t, StateStarting, sbx.State)
	assert.Equal(t, "python:3.12", sbx.Template)
	assert.True(t, driver.has(sbx.ID+"-ctr"))

	rec, err := database.GetSandbox(sbx.ID)
	require.NoError(t, err)
	assert.Equal(t, sbx.ID+"-ctr", rec.ContainerID.String)
	assert.NotEmpty(t, rec.AgentToken)
}

func TestSandboxCreateUnknownWorkspace(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	_, err := eng.CreateSandbox(context.Background(), CreateSandboxRequest{WorkspaceID: "ws-none"})
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestSandboxLaunchFailure(t *testing.T) {
	eng, driver, _ := newTestEngine(t)
	ctx := context.Background()
	driver.launchErr = apperr.New(apperr.NotFound, "image not found")
	driver.launchErrs = -1

	ws, err := eng.CreateWorkspace(ctx, CreateWorkspaceRequest{})
	require.NoError(t, err)

	_, err = eng.CreateSandbox(ctx, CreateSandboxRequest{WorkspaceID: ws.ID})
	require.Error(t, err)

	// The row survives in failed so the client can read the error.
	list, err := eng.ListSandboxes(ctx, StateFailed)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Contains(t, list[0].ErrorMessage, "launch failed")
}

func TestSandboxLaunchRetriesTransient(t *testing.T) {
	eng, driver, _ := newTestEngine(t)
	ctx := context.Background()
	driver.launchErr = apperr.New(apperr.Unavailable, "runtime down")
	driver.launchErrs = 1

	ws, err := eng.CreateWorkspace(ctx, CreateWorkspaceRequest{})
	require.NoError(t, err)

	sbx, err := eng.CreateSandbox(ctx, CreateSandboxRequest{WorkspaceID: ws.ID})
	require.NoError(t, err)
	assert.Equal(t, StateStarting, sbx.State)
}

func TestWorkspaceDeleteRefusedWhileSandboxLive(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	ws, err := eng.CreateWorkspace(ctx, CreateWorkspaceRequest{})
	require.NoError(t, err)
	sbx, err := eng.CreateSandbox(ctx, CreateSandboxRequest{WorkspaceID: ws.ID})
	require.NoError(t, err)

	err = eng.DeleteWorkspace(ctx, ws.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	require.NoError(t, eng.DeleteSandbox(ctx, sbx.ID, true))
	require.NoError(t, eng.DeleteWorkspace(ctx, ws.ID))
	assert.NoDirExists(t, eng.Files().Dir(ws.ID))
}

func TestDeleteSandboxGraceful(t *testing.T) {
	eng, driver, database := newTestEngine(t)
	ctx := context.Background()

	ws, err := eng.CreateWorkspace(ctx, CreateWorkspaceRequest{})
	require.NoError(t, err)
	sbx, err := eng.CreateSandbox(ctx, CreateSandboxRequest{WorkspaceID: ws.ID})
	require.NoError(t, err)

	require.NoError(t, database.UpdateSandboxState(sbx.ID, StateRunning, ""))

	require.NoError(t, eng.DeleteSandbox(ctx, sbx.ID, false))

	// Graceful delete stops the container and keeps the row in stopped for
	// observability.
	got, err := eng.GetSandbox(ctx, sbx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State)
	assert.Contains(t, driver.stopped, sbx.ID+"-ctr")
	assert.False(t, driver.has(sbx.ID+"-ctr"))

	// Deleting the terminal row purges it.
	require.NoError(t, eng.DeleteSandbox(ctx, sbx.ID, false))
	_, err = eng.GetSandbox(ctx, sbx.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestDeleteSandboxForce(t *testing.T) {
	eng, driver, _ := newTestEngine(t)
	ctx := context.Background()

	ws, err := eng.CreateWorkspace(ctx, CreateWorkspaceRequest{})
	require.NoError(t, err)
	sbx, err := eng.CreateSandbox(ctx, CreateSandboxRequest{WorkspaceID: ws.ID})
	require.NoError(t, err)

	require.NoError(t, eng.DeleteSandbox(ctx, sbx.ID, true))
	assert.False(t, driver.has(sbx.ID+"-ctr"))

	_, err = eng.GetSandbox(ctx, sbx.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestDeleteSandboxNotFound(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	err := eng.DeleteSandbox(context.Background(), "sbx-none", false)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestAgentRegistrationPromotes(t *testing.T) {
	eng, _, database := newTestEngine(t)
	ctx := context.Background()

	ws, err := eng.CreateWorkspace(ctx, CreateWorkspaceRequest{})
	require.NoError(t, err)
	sbx, err := eng.CreateSandbox(ctx, CreateSandboxRequest{WorkspaceID: ws.ID})
	require.NoError(t, err)

	rec, err := database.GetSandbox(sbx.ID)
	require.NoError(t, err)

	hooks := eng.Hooks()

	// Wrong token is rejected.
	require.Error(t, hooks.OnRegister(sbx.ID, "wrong"))
	// Unknown sandbox is rejected.
	require.Error(t, hooks.OnRegister("sbx-none", rec.AgentToken))

	require.NoError(t, hooks.OnRegister(sbx.ID, rec.AgentToken))
	got, err := eng.GetSandbox(ctx, sbx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)

	// A re-dial while running (container restart) stays running.
	require.NoError(t, hooks.OnRegister(sbx.ID, rec.AgentToken))
}

func TestAgentLostFailsSandbox(t *testing.T) {
	eng, _, database := newTestEngine(t)
	ctx := context.Background()

	ws, err := eng.CreateWorkspace(ctx, CreateWorkspaceRequest{})
	require.NoError(t, err)
	sbx, err := eng.CreateSandbox(ctx, CreateSandboxRequest{WorkspaceID: ws.ID})
	require.NoError(t, err)
	require.NoError(t, database.UpdateSandboxState(sbx.ID, StateRunning, ""))

	eng.Hooks().OnAgentLost(sbx.ID, "agent unreachable")

	got, err := eng.GetSandbox(ctx, sbx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "agent unreachable", got.ErrorMessage)
}

func TestConnFailsFast(t *testing.T) {
	eng, _, database := newTestEngine(t)
	ctx := context.Background()

	ws, err := eng.CreateWorkspace(ctx, CreateWorkspaceRequest{})
	require.NoError(t, err)
	sbx, err := eng.CreateSandbox(ctx, CreateSandboxRequest{WorkspaceID: ws.ID})
	require.NoError(t, err)

	// Not running yet.
	_, err = eng.Conn(sbx.ID)
	assert.Equal(t, apperr.Unavailable, apperr.KindOf(err))

	// Running but no registered agent.
	require.NoError(t, database.UpdateSandboxState(sbx.ID, StateRunning, ""))
	_, err = eng.Conn(sbx.ID)
	assert.Equal(t, apperr.Unavailable, apperr.KindOf(err))

	_, err = eng.Conn("sbx-none")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}
