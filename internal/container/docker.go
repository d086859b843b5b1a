package container

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/openelevo/elevo/internal/apperr"
	"github.com/openelevo/elevo/internal/log"
)

// Compile-time interface check.
var _ Driver = (*DockerDriver)(nil)

// DockerDriver drives a local Docker daemon.
type DockerDriver struct {
	cli *client.Client
}

func NewDockerDriver() (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "docker daemon unreachable")
	}

	return &DockerDriver{cli: cli}, nil
}

// Launch creates and starts a container for a sandbox. The workspace bind and
// agent bootstrap env come in via spec; this layer only adds labels and the
// hardening options every sandbox gets.
func (d *DockerDriver) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	name := "elevo-sbx-" + spec.SandboxID

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image: spec.Image,
			Env:   spec.Env,
			Labels: map[string]string{
				LabelManaged:   labelValue,
				LabelSandboxID: spec.SandboxID,
			},
		},
		&container.HostConfig{
			Binds:       spec.Binds,
			ExtraHosts:  spec.ExtraHosts,
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			Init:        boolPtr(true),
		},
		nil, nil, name,
	)
	if err != nil {
		return "", classify(err, spec.Image)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up the created container on start failure.
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", classify(err, spec.Image)
	}

	return resp.ID, nil
}

func (d *DockerDriver) Inspect(ctx context.Context, containerID string) (*Status, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, classify(err, "")
	}
	st := &Status{ID: info.ID}
	if info.State != nil {
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
	}
	return st, nil
}

// Stop stops a container. Already-stopped and unknown containers are
// successes.
func (d *DockerDriver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace / time.Second)
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil && !client.IsErrNotFound(err) {
		return classify(err, "")
	}
	return nil
}

// Remove deletes a container. Unknown handles are successes.
func (d *DockerDriver) Remove(ctx context.Context, containerID string, force bool) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return classify(err, "")
	}
	return nil
}

// ListManaged enumerates all containers carrying our labels, running or not.
func (d *DockerDriver) ListManaged(ctx context.Context) ([]Managed, error) {
	f := filters.NewArgs(filters.Arg("label", LabelManaged+"="+labelValue))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, classify(err, "")
	}

	out := make([]Managed, 0, len(containers))
	for _, c := range containers {
		sandboxID := c.Labels[LabelSandboxID]
		if sandboxID == "" {
			logger := log.WithComponent("container")
			logger.Warn().Str("container_id", c.ID).Msg("managed container without sandbox id label")
			continue
		}
		out = append(out, Managed{
			ID:        c.ID,
			SandboxID: sandboxID,
			Running:   c.State == "running",
		})
	}
	return out, nil
}

func (d *DockerDriver) Close() error {
	return d.cli.Close()
}

// classify maps Docker daemon errors onto the failure taxonomy: missing
// image → not_found, quota/disk pressure → resource_exhausted, daemon down →
// unavailable (retryable), anything else → internal.
func classify(err error, image string) error {
	msg := strings.ToLower(err.Error())
	switch {
	case image != "" && (strings.Contains(msg, "no such image") || strings.Contains(msg, "not found")):
		return apperr.Wrap(apperr.NotFound, err, "image %s not found", image)
	case client.IsErrNotFound(err):
		return apperr.Wrap(apperr.NotFound, err, "container not found")
	case strings.Contains(msg, "conflict"):
		return apperr.Wrap(apperr.Conflict, err, "container name conflict")
	case strings.Contains(msg, "no space left") || strings.Contains(msg, "quota"):
		return apperr.Wrap(apperr.ResourceExhausted, err, "container runtime out of resources")
	case client.IsErrConnectionFailed(err):
		return apperr.Wrap(apperr.Unavailable, err, "container runtime unavailable")
	default:
		return apperr.Wrap(apperr.Internal, err, "container runtime error")
	}
}

func boolPtr(b bool) *bool { return &b }
