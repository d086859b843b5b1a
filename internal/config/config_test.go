package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 8081, cfg.AgentPort)
	assert.Equal(t, 2049, cfg.NFSPort)
	assert.Equal(t, 60*time.Second, cfg.AgentTimeout)
	assert.Equal(t, 30*time.Minute, cfg.MaxIdleTime)
	assert.Equal(t, cfg.WorkspaceDir, cfg.WorkspaceHostDir)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("GRPC_PORT", "9001")
	t.Setenv("WORKSPACE_DIR", "/data/ws")
	t.Setenv("WORKSPACE_HOST_DIR", "/mnt/host/ws")
	t.Setenv("AGENT_TIMEOUT", "90")
	t.Setenv("MAX_IDLE_TIME", "10m")
	t.Setenv("SANDBOX_EXTRA_HOSTS", "host.docker.internal:172.17.0.1, registry.local:10.0.0.5")
	t.Setenv("NFS_HOST", "nfs.example.com")
	t.Setenv("NFS_PORT", "12049")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, 9001, cfg.AgentPort)
	assert.Equal(t, "/data/ws", cfg.WorkspaceDir)
	assert.Equal(t, "/mnt/host/ws", cfg.WorkspaceHostDir)
	assert.Equal(t, 90*time.Second, cfg.AgentTimeout)
	assert.Equal(t, 10*time.Minute, cfg.MaxIdleTime)
	assert.Equal(t, []string{"host.docker.internal:172.17.0.1", "registry.local:10.0.0.5"}, cfg.SandboxExtraHosts)
	assert.Equal(t, "nfs://nfs.example.com:12049/ws-abc", cfg.NFSURL("ws-abc"))
}
