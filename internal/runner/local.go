package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/lorry-ci/lorry/internal/model"
)

// Executor runs one job script to completion on some backend.
type Executor interface {
	// Name identifies the backend in logs and skip reasons.
	Name() string

	// BuildDir returns the checkout path from the job's point of view,
	// given the workspace directory on the host.
	BuildDir(workDir string) string

	// Run executes the script with the workspace at workDir, streaming
	// the raw combined output (marker lines included) to output. The
	// int is the script's exit status; err reports infrastructure
	// failures and context cancellation, never script failures.
	Run(ctx context.Context, job *model.Job, workDir string, script []byte, output io.Writer) (int, error)
}

// LocalExecutor runs job scripts directly on the host with bash.
type LocalExecutor struct{}

func (LocalExecutor) Name() string { return "local" }

func (LocalExecutor) BuildDir(workDir string) string { return workDir }

// Run writes the script next to the workspace and executes it. The
// script runs in its own process group so cancellation reaches every
// child, not just bash itself.
func (LocalExecutor) Run(ctx context.Context, job *model.Job, workDir string, script []byte, output io.Writer) (int, error) {
	scriptPath := workDir + ".sh"
	if err := os.WriteFile(scriptPath, script, 0o700); err != nil {
		return 0, fmt.Errorf("failed to write build script: %w", err)
	}
	defer os.Remove(scriptPath)

	cmd := exec.CommandContext(ctx, "bash", scriptPath)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to run build script: %w", err)
	}
	return 0, nil
}
