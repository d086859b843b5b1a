// Package config loads all server configuration from environment variables
// into a single immutable Config built once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the elevo server and agent.
type Config struct {
	HTTPPort  int // API bind port
	AgentPort int // agent control-plane bind port (GRPC_PORT knob)

	DatabaseURL string // metadata store location (SQLite file path or file: URL)

	WorkspaceDir     string // root directory for workspace dirs
	WorkspaceHostDir string // host-side path of WorkspaceDir when the server itself runs in a container

	BaseImage       string        // default sandbox template image
	AgentServerAddr string        // address the in-container agent dials back to
	AgentTimeout    time.Duration // how long a sandbox may stay in "starting" before failing
	MaxIdleTime     time.Duration // idle time before a running sandbox is reaped

	NFSHost string // advertised host in workspace nfs_url
	NFSPort int    // NFS + MOUNT listen port

	SandboxExtraHosts []string // extra /etc/hosts entries injected into sandboxes

	APIToken string // bearer token for the HTTP API; empty disables auth

	LogLevel string
	LogJSON  bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:  envOrDefaultInt("HTTP_PORT", 8080),
		AgentPort: envOrDefaultInt("GRPC_PORT", 8081),

		DatabaseURL: envOrDefault("DATABASE_URL", "elevo.db"),

		WorkspaceDir:     envOrDefault("WORKSPACE_DIR", "/var/lib/elevo/workspaces"),
		WorkspaceHostDir: os.Getenv("WORKSPACE_HOST_DIR"),

		BaseImage:       envOrDefault("BASE_IMAGE", "docker.io/library/ubuntu:22.04"),
		AgentServerAddr: envOrDefault("AGENT_SERVER_ADDR", "host.docker.internal:8081"),
		AgentTimeout:    envOrDefaultDuration("AGENT_TIMEOUT", 60*time.Second),
		MaxIdleTime:     envOrDefaultDuration("MAX_IDLE_TIME", 30*time.Minute),

		NFSHost: envOrDefault("NFS_HOST", "localhost"),
		NFSPort: envOrDefaultInt("NFS_PORT", 2049),

		APIToken: os.Getenv("API_TOKEN"),

		LogLevel: envOrDefault("LOG_LEVEL", "info"),
		LogJSON:  os.Getenv("LOG_JSON") == "true",
	}

	if hosts := os.Getenv("SANDBOX_EXTRA_HOSTS"); hosts != "" {
		for _, h := range strings.Split(hosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.SandboxExtraHosts = append(cfg.SandboxExtraHosts, h)
			}
		}
	}

	if cfg.WorkspaceDir == "" {
		return nil, fmt.Errorf("WORKSPACE_DIR must not be empty")
	}
	// When the server runs on the host directly the bind-mount source is the
	// workspace dir itself.
	if cfg.WorkspaceHostDir == "" {
		cfg.WorkspaceHostDir = cfg.WorkspaceDir
	}

	return cfg, nil
}

// NFSURL returns the mount URL advertised for a workspace.
func (c *Config) NFSURL(workspaceID string) string {
	return fmt.Sprintf("nfs://%s:%d/%s", c.NFSHost, c.NFSPort, workspaceID)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envOrDefaultDuration reads a duration knob. Bare integers are seconds, for
// compatibility with AGENT_TIMEOUT=60 style deployments; Go duration strings
// also work.
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
