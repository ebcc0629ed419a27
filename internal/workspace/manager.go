// Package workspace provisions throwaway per-job build directories.
//
// Each job runs in a fresh copy of the repository so builds cannot
// contaminate the checkout or each other. Git repositories are cloned
// with --local, which is fast on the same filesystem; plain directories
// fall back to a tree copy that skips VCS metadata. All git failures
// are wrapped in model.CLIError with ExitGitError.
package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/lorry-ci/lorry/internal/model"
)

// Meta describes the source checkout a build runs against.
type Meta struct {
	// Branch is the current branch name, empty for a detached HEAD or
	// a non-git directory.
	Branch string

	// Commit is the full HEAD commit SHA, empty for a non-git directory.
	Commit string
}

// Manager creates and removes per-job build directories under a single
// work root.
type Manager struct {
	root string
}

// NewManager creates a workspace manager rooted at workRoot. The root
// is created on first provision.
func NewManager(workRoot string) *Manager {
	return &Manager{root: workRoot}
}

// Root returns the directory all workspaces live under.
func (m *Manager) Root() string {
	return m.root
}

// Provision creates a fresh build directory for the job and returns its
// path. Git repositories are cloned so the job sees committed state;
// other directories are copied file by file.
func (m *Manager) Provision(ctx context.Context, repoDir string, job *model.Job) (string, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work root %s: %w", m.root, err)
	}

	dest := filepath.Join(m.root, job.ID)
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("workspace %s already exists", dest)
	}

	if isGitRepo(ctx, repoDir) {
		if _, err := runGit(ctx, "", "clone", "--local", "--no-hardlinks", repoDir, dest); err != nil {
			return "", err
		}
		return dest, nil
	}

	if err := copyTree(repoDir, dest); err != nil {
		os.RemoveAll(dest)
		return "", fmt.Errorf("failed to copy %s: %w", repoDir, err)
	}
	return dest, nil
}

// Meta reads branch and commit from the repository. A directory that is
// not a git repository yields a zero Meta and no error, since plain
// directories are still buildable.
func (m *Manager) Meta(ctx context.Context, repoDir string) (Meta, error) {
	if !isGitRepo(ctx, repoDir) {
		return Meta{}, nil
	}

	branch, err := runGit(ctx, repoDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return Meta{}, err
	}
	commit, err := runGit(ctx, repoDir, "rev-parse", "HEAD")
	if err != nil {
		return Meta{}, err
	}

	meta := Meta{
		Branch: strings.TrimSpace(branch),
		Commit: strings.TrimSpace(commit),
	}
	// A detached HEAD reports the literal string "HEAD".
	if meta.Branch == "HEAD" {
		meta.Branch = ""
	}
	return meta, nil
}

// Cleanup removes one provisioned workspace. It refuses paths outside
// the work root so a misconfigured caller cannot delete arbitrary
// directories.
func (m *Manager) Cleanup(dir string) error {
	if !m.contains(dir) {
		return fmt.Errorf("refusing to remove %s: outside work root %s", dir, m.root)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", dir, err)
	}
	return nil
}

// List returns the paths of all workspaces currently under the root,
// including leftovers from crashed runs.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read work root %s: %w", m.root, err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(m.root, entry.Name()))
		}
	}
	return dirs, nil
}

// contains reports whether dir lies under the work root.
func (m *Manager) contains(dir string) bool {
	root, err := filepath.Abs(m.root)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// isGitRepo reports whether dir is inside a git working tree. A missing
// git binary counts as "no", which routes provisioning to the tree
// copy.
func isGitRepo(ctx context.Context, dir string) bool {
	_, err := runGit(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// vcsDirs are skipped when copying a plain directory tree.
var vcsDirs = map[string]bool{
	".git": true,
	".hg":  true,
	".svn": true,
}

// copyTree copies src into dest, preserving file modes and symlinks,
// skipping VCS metadata directories.
func copyTree(src, dest string) error {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	return filepath.WalkDir(absSrc, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() && vcsDirs[entry.Name()] {
			return filepath.SkipDir
		}
		// Never descend into the destination when it nests inside the
		// source tree.
		if path == absDest {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(absSrc, path)
		if err != nil {
			return err
		}
		target := filepath.Join(absDest, rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, devices and other specials have no place in a
			// build workspace.
			return nil
		}
	})
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// runGit executes a git command, using -C when dir is non-empty. On
// failure the stderr output is folded into a model.CLIError with
// ExitGitError.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}

	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("git %s failed", strings.Join(args, " "))
		if s := strings.TrimSpace(stderr.String()); s != "" {
			message = fmt.Sprintf("%s: %s", message, s)
		}
		return "", model.WrapCLIError(model.ExitGitError, message, err)
	}
	return stdout.String(), nil
}
