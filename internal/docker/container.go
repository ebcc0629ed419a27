// container.go implements the container lifecycle for one build job:
// ensure the image exists, create the container with build labels, copy
// the workspace and script in, start it, follow its output, wait for
// the exit code, remove it.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/lorry-ci/lorry/internal/model"
)

// ManagedContainer summarizes one lorry-created container, including
// stopped ones left behind by crashed runs.
type ManagedContainer struct {
	// ID is the full container ID.
	ID string

	// Name is the container name without the leading "/" the API
	// prepends.
	Name string

	// State is the short Docker state string ("running", "exited",
	// "created").
	State string

	// Labels holds the raw label map; ParseLabels recovers the build
	// metadata from it.
	Labels map[string]string
}

// ListManagedContainers returns every container carrying the lorry
// managed-by label, running or not. Filtering happens daemon-side via
// a label filter.
func ListManagedContainers(ctx context.Context, cli *Client) ([]ManagedContainer, error) {
	filterArgs := filters.NewArgs(
		filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
	)

	containers, err := cli.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker containers", err)
	}

	result := make([]ManagedContainer, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, ManagedContainer{
			ID:     c.ID,
			Name:   name,
			State:  c.State,
			Labels: c.Labels,
		})
	}
	return result, nil
}

// EnsureImage makes the image available locally, pulling it when
// missing. The pull's progress stream is drained and discarded; the
// pull is only complete once the stream ends.
func EnsureImage(ctx context.Context, cli *Client, ref string) error {
	_, _, err := cli.Inner().ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to inspect image %q", ref),
			err,
		)
	}

	reader, err := cli.Inner().ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to pull image %q", ref),
			err,
		)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("pull of image %q was interrupted", ref),
			err,
		)
	}
	return nil
}

// CreateOptions describes the container for one build job.
type CreateOptions struct {
	// Image is the resolved build image reference.
	Image string

	// Name is the container name.
	Name string

	// Cmd is the container command, typically bash plus the copied
	// build script.
	Cmd []string

	// WorkDir is the working directory inside the container.
	WorkDir string

	// Env is the injected job environment.
	Env []string

	// Labels tie the container to its build and job, from JobLabels.
	Labels map[string]string
}

// CreateContainer creates the job container without starting it, so
// the workspace can be copied in first. Returns the container ID.
func CreateContainer(ctx context.Context, cli *Client, opts CreateOptions) (string, error) {
	config := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Cmd,
		WorkingDir: opts.WorkDir,
		Env:        opts.Env,
		Labels:     opts.Labels,
	}

	created, err := cli.Inner().ContainerCreate(ctx, config, &container.HostConfig{}, nil, nil, opts.Name)
	if err != nil {
		return "", model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create container %q", opts.Name),
			err,
		)
	}
	return created.ID, nil
}

// CopyTo extracts a tar stream into destPath inside the container. The
// container must exist but need not be running.
func CopyTo(ctx context.Context, cli *Client, containerID, destPath string, content io.Reader) error {
	err := cli.Inner().CopyToContainer(ctx, containerID, destPath, content, container.CopyToContainerOptions{})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to copy into container %q at %s", containerID, destPath),
			err,
		)
	}
	return nil
}

// StartContainer starts a created container.
func StartContainer(ctx context.Context, cli *Client, containerID string) error {
	if err := cli.Inner().ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to start container %q", containerID),
			err,
		)
	}
	return nil
}

// FollowLogs streams the container's demultiplexed output into w from
// the beginning until the container stops or ctx is canceled. stdout
// and stderr are interleaved, matching what a terminal would show.
func FollowLogs(ctx context.Context, cli *Client, containerID string, w io.Writer) error {
	reader, err := cli.Inner().ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to stream logs of container %q", containerID),
			err,
		)
	}
	defer reader.Close()

	if _, err := stdcopy.StdCopy(w, w, reader); err != nil && ctx.Err() == nil {
		return fmt.Errorf("log stream of container %q broke: %w", containerID, err)
	}
	return nil
}

// WaitContainer blocks until the container stops and returns its exit
// code.
func WaitContainer(ctx context.Context, cli *Client, containerID string) (int64, error) {
	statusCh, errCh := cli.Inner().ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed waiting for container %q", containerID),
			err,
		)
	case status := <-statusCh:
		if status.Error != nil {
			return 0, model.NewCLIError(
				model.ExitDockerNotRunning,
				fmt.Sprintf("container %q wait failed: %s", containerID, status.Error.Message),
			)
		}
		return status.StatusCode, nil
	}
}

// StopContainer stops a running container. A nil timeout uses the
// daemon default (10s); clean passes a short timeout so leftover
// containers die quickly before removal.
func StopContainer(ctx context.Context, cli *Client, containerID string, timeoutSeconds *int) error {
	err := cli.Inner().ContainerStop(ctx, containerID, container.StopOptions{Timeout: timeoutSeconds})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to stop container %q", containerID),
			err,
		)
	}
	return nil
}

// RemoveContainer removes a container. With force, a running container
// is killed first.
func RemoveContainer(ctx context.Context, cli *Client, containerID string, force bool) error {
	err := cli.Inner().ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to remove container %q", containerID),
			err,
		)
	}
	return nil
}
