// Package cli — clean.go implements the "lorry clean" command.
//
// The clean command removes the debris a CI runner accumulates:
// managed containers left behind by crashed or interrupted docker-backend
// runs, stale job workspaces under the work root, and expired cache
// archives. Only resources lorry created are touched; containers are
// recognized by the management label, workspaces by their location under
// the work root.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lorry-ci/lorry/internal/cache"
	"github.com/lorry-ci/lorry/internal/docker"
	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/workspace"
)

// cleanFlags holds the flag values for the clean command.
type cleanFlags struct {
	wipeCache bool // --cache: clear the build cache entirely
}

// cleanResult collects what the clean pass removed, for output.
type cleanResult struct {
	ContainersRemoved int  `json:"containersRemoved"`
	DockerSkipped     bool `json:"dockerSkipped"`
	WorkspacesRemoved int  `json:"workspacesRemoved"`
	CachePruned       int  `json:"cachePruned"`
	CacheCleared      bool `json:"cacheCleared"`
}

// NewCleanCommand creates the "clean" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewCleanCommand() *cobra.Command {
	flags := &cleanFlags{}

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove leftover containers, workspaces and expired caches",
		Long: `Remove resources left behind by earlier runs.

Managed containers (recognized by their lorry labels) are force-removed,
job workspaces under the work root are deleted, and cache archives past
the configured retention are pruned. With --cache the build cache is
cleared entirely instead of pruned.

An unreachable Docker daemon skips container cleanup without failing
the rest.

Examples:
  lorry clean
  lorry clean --cache`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd.Context(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.wipeCache, "cache", false, "Clear the build cache entirely")

	return cmd
}

// runClean is the main orchestration function for the clean command.
func runClean(ctx context.Context, flags *cleanFlags) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	var result cleanResult

	// Step 1: Leftover containers. The daemon being down is a notice,
	// not an error; local-backend hosts never have any.
	if cli := probeDocker(ctx); cli != nil {
		defer func() { _ = cli.Close() }()
		removed, err := removeManagedContainers(ctx, cli)
		if err != nil {
			return err
		}
		result.ContainersRemoved = removed
	} else {
		result.DockerSkipped = true
	}

	// Step 2: Stale workspaces.
	workspaces := workspace.NewManager(cfg.WorkRoot)
	dirs, err := workspaces.List()
	if err != nil {
		return model.WrapCLIError(model.ExitInternalError, "failed to list workspaces", err)
	}
	for _, dir := range dirs {
		if err := workspaces.Cleanup(dir); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to remove workspace %s: %v\n", dir, err)
			continue
		}
		result.WorkspacesRemoved++
	}

	// Step 3: Cache. Prune by the configured retention, or clear it all
	// when asked.
	cacheStore := cache.NewStore(cacheDir(cfg))
	if flags.wipeCache {
		if err := os.RemoveAll(cacheStore.Dir()); err != nil {
			return model.WrapCLIError(model.ExitInternalError, "failed to clear the cache", err)
		}
		result.CacheCleared = true
	} else {
		pruned, err := cacheStore.Prune(cfg.Cache.MaxAge.Std(), cfg.Cache.MaxTotalMB*1024*1024)
		if err != nil {
			return model.WrapCLIError(model.ExitInternalError, "failed to prune the cache", err)
		}
		result.CachePruned = pruned
	}

	printCleanResult(result)
	return nil
}

// removeManagedContainers removes every container lorry created.
// Running ones get a short graceful stop first; individual failures are
// warnings so one stuck container does not shadow the rest.
func removeManagedContainers(ctx context.Context, cli *docker.Client) (int, error) {
	containers, err := docker.ListManagedContainers(ctx, cli)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, c := range containers {
		if meta, err := docker.ParseLabels(c.Labels); err == nil {
			VerboseLog("Removing container %s (job %s of build #%d, %s)",
				c.ID[:12], meta.JobNumber, meta.BuildNumber, c.State)
		} else {
			VerboseLog("Removing container %s (%s, %s)", c.Name, c.ID[:12], c.State)
		}
		if c.State == "running" {
			stopTimeout := 5
			if err := docker.StopContainer(ctx, cli, c.ID, &stopTimeout); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}
		if err := docker.RemoveContainer(ctx, cli, c.ID, true); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// printCleanResult outputs the clean results in text or JSON format.
func printCleanResult(result cleanResult) {
	if IsJSONOutput() {
		printCleanResultJSON(result)
	} else {
		printCleanResultText(result)
	}
}

// printCleanResultJSON outputs the clean results as structured JSON.
func printCleanResultJSON(result cleanResult) {
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

// printCleanResultText outputs the clean results as human-readable
// lines.
func printCleanResultText(result cleanResult) {
	if result.DockerSkipped {
		fmt.Println("Docker daemon not reachable; skipped container cleanup.")
	} else {
		fmt.Printf("Removed %d container(s).\n", result.ContainersRemoved)
	}
	fmt.Printf("Removed %d workspace(s).\n", result.WorkspacesRemoved)
	if result.CacheCleared {
		fmt.Println("Cleared the build cache.")
	} else {
		fmt.Printf("Pruned %d cache archive(s).\n", result.CachePruned)
	}
}
