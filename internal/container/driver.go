// Package container abstracts the local Docker runtime behind the small
// surface the lifecycle engine needs: launch, inspect, stop, remove, and
// label-based discovery for orphan cleanup.
package container

import (
	"context"
	"time"
)

// Label keys stamped on every container we launch. Orphan reconciliation on
// server restart enumerates by these.
const (
	LabelManaged   = "elevo.managed"
	LabelSandboxID = "elevo.sandbox.id"
	labelValue     = "true"
)

// LaunchSpec describes a container to create and start.
type LaunchSpec struct {
	SandboxID  string
	Image      string
	Env        []string // KEY=VALUE
	Binds      []string // host:container[:mode]
	ExtraHosts []string // host:ip entries for /etc/hosts
}

// Status is the runtime state of a container.
type Status struct {
	ID       string
	Running  bool
	ExitCode int
}

// Managed identifies a container we launched, recovered via labels.
type Managed struct {
	ID        string
	SandboxID string
	Running   bool
}

// Driver is the container runtime interface the engine composes. launch is
// not idempotent; the caller checks metadata first. stop on a stopped
// container and remove on an unknown handle are successes.
type Driver interface {
	Launch(ctx context.Context, spec LaunchSpec) (string, error)
	Inspect(ctx context.Context, containerID string) (*Status, error)
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Remove(ctx context.Context, containerID string, force bool) error
	ListManaged(ctx context.Context) ([]Managed, error)
	Close() error
}
