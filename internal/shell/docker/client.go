// Package docker talks to the container runtime: the Docker Engine API for
// inspection, image pruning and logs, and the orchestration tool for stack
// lifecycle commands.
package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/artpar/hostctl/internal/core/deploy"
)

// Labels the orchestration tool puts on every container it creates.
const (
	LabelProject = "com.docker.compose.project"
	LabelService = "com.docker.compose.service"
)

// PruneResult reports what an image prune removed.
type PruneResult struct {
	ImagesDeleted  int
	SpaceReclaimed uint64
}

// =============================================================================
// Docker Client Implementation
// =============================================================================

// Client wraps the Docker SDK.
type Client struct {
	cli *client.Client
}

// NewClient creates a Docker client. If host is empty, the daemon address
// comes from the environment (DOCKER_HOST) or the default socket.
func NewClient(host string, extra ...client.Opt) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	opts = append(opts, extra...)

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewClient", "", "", err.Error(), ErrConnectionFailed)
	}
	return &Client{cli: cli}, nil
}

// Ping checks if the Docker daemon is reachable.
func (d *Client) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewDockerError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *Client) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Stack Inspection
// =============================================================================

// StackContainers lists every container, running or not, that belongs to
// the project, sorted by name. Health and restart counts come from inspect;
// a container that vanishes between list and inspect keeps its list data.
func (d *Client) StackContainers(ctx context.Context, project string) ([]deploy.Container, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelProject+"="+project)),
	})
	if err != nil {
		return nil, NewDockerError("StackContainers", "stack", project, err.Error(), err)
	}

	result := make([]deploy.Container, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		dc := deploy.Container{
			ID:      c.ID,
			Name:    name,
			Service: c.Labels[LabelService],
			Image:   c.Image,
			State:   c.State,
		}

		if resp, err := d.cli.ContainerInspect(ctx, c.ID); err == nil && resp.ContainerJSONBase != nil {
			if resp.State != nil {
				dc.State = resp.State.Status
				if resp.State.Health != nil {
					dc.Health = resp.State.Health.Status
				}
			}
			dc.Restarts = resp.RestartCount
		}
		result = append(result, dc)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// =============================================================================
// Image Operations
// =============================================================================

// PruneDanglingImages removes untagged images no container references.
func (d *Client) PruneDanglingImages(ctx context.Context) (PruneResult, error) {
	report, err := d.cli.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return PruneResult{}, NewDockerError("PruneDanglingImages", "image", "", err.Error(), ErrImagePruneFailed)
	}
	return PruneResult{
		ImagesDeleted:  len(report.ImagesDeleted),
		SpaceReclaimed: report.SpaceReclaimed,
	}, nil
}

// =============================================================================
// Logs
// =============================================================================

// ContainerLogs writes the last tail lines of a container's stdout and
// stderr to w.
func (d *Client) ContainerLogs(ctx context.Context, containerID string, tail int, w io.Writer) error {
	tty := false
	if resp, err := d.cli.ContainerInspect(ctx, containerID); err == nil && resp.Config != nil {
		tty = resp.Config.Tty
	}

	reader, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("ContainerLogs", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return NewDockerError("ContainerLogs", "container", containerID, err.Error(), err)
	}
	defer reader.Close()

	// Without a TTY the stream is multiplexed with 8-byte frame headers.
	if tty {
		_, err = io.Copy(w, reader)
	} else {
		_, err = stdcopy.StdCopy(w, w, reader)
	}
	if err != nil {
		return NewDockerError("ContainerLogs", "container", containerID, err.Error(), err)
	}
	return nil
}
