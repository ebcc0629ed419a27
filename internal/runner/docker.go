package runner

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/lorry-ci/lorry/internal/docker"
	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/settings"
)

// Paths inside job containers. The container's WorkingDir is the build
// dir, which the daemon creates at container creation, so both copy
// destinations exist before the container starts.
const (
	containerBuildDir  = "/lorry/build"
	containerScriptDir = "/lorry"
)

// DockerExecutor runs job scripts inside labeled, throwaway containers.
type DockerExecutor struct {
	Client  *docker.Client
	Catalog *settings.ImageCatalog
	Build   *model.Build
	Logger  *zap.Logger
}

func (e *DockerExecutor) Name() string { return "docker" }

func (e *DockerExecutor) BuildDir(string) string { return containerBuildDir }

// Run creates a container for the job's image, copies the workspace and
// the script in, starts it, streams its output and waits for the exit
// status. The container is force-removed on every path.
func (e *DockerExecutor) Run(ctx context.Context, job *model.Job, workDir string, script []byte, output io.Writer) (int, error) {
	image, err := e.Catalog.Resolve(job)
	if err != nil {
		return 0, err
	}
	if err := docker.EnsureImage(ctx, e.Client, image); err != nil {
		return 0, err
	}

	containerID, err := docker.CreateContainer(ctx, e.Client, docker.CreateOptions{
		Image:   image,
		Name:    "lorry-" + job.ID,
		Cmd:     []string{"bash", containerScriptDir + "/build.sh"},
		WorkDir: containerBuildDir,
		Labels:  docker.JobLabels(e.Build, job),
	})
	if err != nil {
		return 0, err
	}
	defer func() {
		// The run context may already be canceled; removal gets its own.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := docker.RemoveContainer(cleanupCtx, e.Client, containerID, true); err != nil {
			e.Logger.Warn("failed to remove job container",
				zap.String("container", containerID), zap.Error(err))
		}
	}()

	workspaceTar := docker.TarDirectory(workDir)
	err = docker.CopyTo(ctx, e.Client, containerID, containerBuildDir, workspaceTar)
	workspaceTar.Close()
	if err != nil {
		return 0, err
	}

	scriptTar, err := docker.TarFile("build.sh", script, 0o755)
	if err != nil {
		return 0, fmt.Errorf("failed to package build script: %w", err)
	}
	if err := docker.CopyTo(ctx, e.Client, containerID, containerScriptDir, scriptTar); err != nil {
		return 0, err
	}

	if err := docker.StartContainer(ctx, e.Client, containerID); err != nil {
		return 0, err
	}

	logsDone := make(chan error, 1)
	go func() {
		logsDone <- docker.FollowLogs(ctx, e.Client, containerID, output)
	}()

	code, waitErr := docker.WaitContainer(ctx, e.Client, containerID)
	if err := <-logsDone; err != nil {
		e.Logger.Warn("log streaming ended early",
			zap.String("container", containerID), zap.Error(err))
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, waitErr
	}
	return int(code), nil
}
