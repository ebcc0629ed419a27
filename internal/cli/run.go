// Package cli — run.go implements the "lorry run" command.
//
// The run command is the primary user-facing operation. It orchestrates
// the full workflow of turning a repository's .travis.yml into a
// finished build: parsing and validating the configuration, expanding
// the job matrix, picking an execution backend, running every job and
// reporting the result.
//
// Orchestration steps:
//  1. Load settings and apply flag overrides
//  2. Locate and parse .travis.yml
//  3. Read repository metadata and apply the branches safelist
//  4. Expand the job matrix (decrypting secure env values when possible)
//  5. Assign the build number from history
//  6. Probe for a Docker daemon and load the image catalog
//  7. Run the build on the runner's worker pool
//  8. Output results (text or JSON); exit code mirrors the build result
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lorry-ci/lorry/internal/buildlog"
	"github.com/lorry-ci/lorry/internal/cache"
	"github.com/lorry-ci/lorry/internal/docker"
	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/observability"
	"github.com/lorry-ci/lorry/internal/runner"
	"github.com/lorry-ci/lorry/internal/secure"
	"github.com/lorry-ci/lorry/internal/settings"
	"github.com/lorry-ci/lorry/internal/store"
	"github.com/lorry-ci/lorry/internal/travis"
	"github.com/lorry-ci/lorry/internal/workspace"
)

// runFlags holds the flag values for the run command.
// These are bound to cobra flags in NewRunCommand.
type runFlags struct {
	jobs           []string // --job: run only the selected jobs
	backend        string   // --backend: override the execution backend
	concurrency    int      // --concurrency: override parallel job count
	envs           []string // --env: extra KEY=VALUE pairs for every job
	envFile        string   // --env-file: dotenv file with extra pairs
	noCache        bool     // --no-cache: skip cache restore and save
	keepWorkspaces bool     // --keep-workspaces: keep build dirs around
	quiet          bool     // --quiet: suppress live job output
	timeout        time.Duration
}

// NewRunCommand creates the "run" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [dir]",
		Short: "Run the repository's Travis build locally",
		Long: `Run the build described by a repository's .travis.yml.

The configuration is searched for in the given directory (default: the
current directory) and its parents. Every job of the expanded matrix runs
in its own throwaway workspace; logs and the build report are written to
the lorry data directory.

Examples:
  lorry run
  lorry run ~/src/sparse-ml
  lorry run --job 2
  lorry run --backend local --concurrency 4
  lorry run --env COVERAGE=1 --env-file ci.env
  lorry run --no-cache --keep-workspaces`,

		// Args allows at most one positional argument (the repository dir).
		Args: cobra.MaximumNArgs(1),

		// RunE is used instead of Run so we can return errors. Cobra will
		// pass them to the Execute error handler in root.go.
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runRun(cmd.Context(), dir, flags)
		},
	}

	// Register command-specific flags.
	cmd.Flags().StringArrayVar(&flags.jobs, "job", nil,
		"Run only the given jobs, by index (2) or full number (4.2); repeatable")
	cmd.Flags().StringVar(&flags.backend, "backend", "", "Execution backend: auto, local, docker")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "How many jobs run at once")
	cmd.Flags().StringArrayVar(&flags.envs, "env", nil, "Extra KEY=VALUE for every job; repeatable")
	cmd.Flags().StringVar(&flags.envFile, "env-file", "", "Dotenv file with extra KEY=VALUE pairs")
	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "Skip cache restore and save")
	cmd.Flags().BoolVar(&flags.keepWorkspaces, "keep-workspaces", false, "Keep job workspaces for debugging")
	cmd.Flags().BoolVar(&flags.quiet, "quiet", false, "Suppress live job output; only print the results")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "Per-job time limit (e.g. 10m)")

	return cmd
}

// runRun is the main orchestration function for the run command.
func runRun(ctx context.Context, dir string, flags *runFlags) error {
	logger := newLogger()
	defer observability.Flush(logger)

	// Step 1: Load settings and apply flag overrides. Flags beat the
	// settings file, which beats the environment.
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	if flags.backend != "" {
		cfg.Backend = flags.backend
	}
	if flags.concurrency > 0 {
		cfg.Concurrency = flags.concurrency
	}
	if flags.timeout > 0 {
		cfg.JobTimeout = settings.Duration(flags.timeout)
	}
	if flags.keepWorkspaces {
		cfg.KeepWorkspaces = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Step 2: Locate and parse the configuration.
	travisPath, err := travis.FindTravisYML(dir)
	if err != nil {
		return err
	}
	repoDir := filepath.Dir(travisPath)
	VerboseLog("Configuration: %s", travisPath)

	tcfg, err := travis.Load(travisPath)
	if err != nil {
		return err
	}
	for _, warning := range tcfg.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}
	if problems := travis.Validate(tcfg); len(problems) > 0 {
		for _, problem := range problems {
			fmt.Fprintln(os.Stderr, problem.Error())
		}
		return model.NewCLIError(model.ExitInvalidConfig,
			fmt.Sprintf(".travis.yml has %d problem(s), see above", len(problems)))
	}

	// Step 3: Repository metadata and branch gating.
	workspaces := workspace.NewManager(cfg.WorkRoot)
	meta, err := workspaces.Meta(ctx, repoDir)
	if err != nil {
		return model.WrapCLIError(model.ExitGitError, "failed to read repository metadata", err)
	}
	if !travis.ShouldRunBranch(tcfg.Branches, meta.Branch) {
		fmt.Printf("Branch %q is excluded by the branches rules; nothing to do.\n", meta.Branch)
		return nil
	}

	// Step 4: Decryption key for secure env values. A missing key is not
	// an error — affected entries are skipped with a warning during
	// expansion.
	var decrypt travis.DecryptFunc
	if box, keyErr := secure.LoadKey(cfg.Secure.KeyFile); keyErr == nil {
		decrypt = box.Decrypt
	} else {
		VerboseLog("Secure env decryption unavailable: %v", keyErr)
	}

	// Step 5: Build number from history.
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	number, err := st.NextBuildNumber(ctx)
	if err != nil {
		return err
	}

	// Step 6: Expand the matrix and apply the --job selection.
	specs, err := travis.ExpandMatrix(tcfg, travis.ExpandOptions{
		BuildNumber: number,
		Decrypt:     decrypt,
	})
	if err != nil {
		return err
	}
	specs, err = selectJobs(specs, flags.jobs)
	if err != nil {
		return err
	}

	extraEnv, err := collectExtraEnv(flags.envFile, flags.envs)
	if err != nil {
		return err
	}

	build := &model.Build{
		ID:         uuid.NewString(),
		Number:     number,
		RepoDir:    repoDir,
		ConfigPath: travisPath,
		Branch:     meta.Branch,
		Commit:     meta.Commit,
		EventType:  model.EventPush,
		Status:     model.BuildPending,
		CreatedAt:  time.Now().UTC(),
	}
	for _, spec := range specs {
		build.Jobs = append(build.Jobs, spec.Job)
	}
	VerboseLog("Build #%d: %d job(s)", number, len(specs))
	for _, spec := range specs {
		VerboseLog("  %s  %s", spec.Job.Number, travis.DescribeJob(spec.Job))
	}

	// Step 7: Backend wiring. The Docker daemon is probed once here;
	// per-job backend selection happens in the runner.
	dockerCli := probeDocker(ctx)
	if dockerCli != nil {
		defer func() { _ = dockerCli.Close() }()
	}
	if cfg.Backend == "docker" && dockerCli == nil {
		return model.NewCLIError(model.ExitDockerNotRunning,
			"backend is set to docker but no Docker daemon is reachable")
	}

	catalog, err := settings.LoadImageCatalog("")
	if err != nil {
		return err
	}

	// Step 8: Run the build. Job output streams to the terminal with a
	// job-number prefix unless suppressed or stdout is reserved for JSON.
	var stream *os.File
	if !IsJSONOutput() && !flags.quiet {
		stream = os.Stdout
	}

	r := runner.New(runner.Config{
		Settings:   cfg,
		Catalog:    catalog,
		Store:      st,
		Docker:     dockerCli,
		Workspaces: workspaces,
		Cache:      cache.NewStore(cacheDir(cfg)),
		Logger:     logger,
	})
	runOpts := runner.Options{
		Concurrency:     cfg.Concurrency,
		JobTimeout:      cfg.JobTimeout.Std(),
		NoOutputTimeout: cfg.NoOutputTimeout.Std(),
		NoCache:         flags.noCache,
		KeepWorkspaces:  cfg.KeepWorkspaces,
		FastFinish:      tcfg.FastFinish,
		CacheConfig:     tcfg.Cache,
		ExtraEnv:        extraEnv,
	}
	if stream != nil {
		runOpts.Stdout = stream
	}
	if err := r.RunBuild(ctx, build, specs, runOpts); err != nil {
		return err
	}

	// Step 9: Output results. The exit code mirrors the build result so
	// wrappers can rely on it.
	printRunResult(build, buildlog.BuildDir(cfg.DataDir, build.ID))
	if build.Status != model.BuildPassed {
		return model.NewCLIError(model.ExitCodeForBuild(build.Status),
			fmt.Sprintf("build #%d %s", build.Number, build.Status))
	}
	return nil
}

// probeDocker returns a pinged Docker client, or nil when no daemon is
// reachable.
func probeDocker(ctx context.Context) *docker.Client {
	cli, err := docker.NewClient()
	if err != nil {
		VerboseLog("Docker client unavailable: %v", err)
		return nil
	}
	if err := cli.Ping(ctx); err != nil {
		VerboseLog("Docker daemon not reachable: %v", err)
		_ = cli.Close()
		return nil
	}
	return cli
}

// openStore opens the build history database under the data directory.
func openStore(cfg *settings.Settings) (*store.Store, error) {
	return store.Open(filepath.Join(cfg.DataDir, "history.db"))
}

// cacheDir is where cache archives live under the data directory.
func cacheDir(cfg *settings.Settings) string {
	return filepath.Join(cfg.DataDir, "cache")
}

// selectJobs filters the expanded matrix by the --job flags. A selector
// with a dot matches the full job number ("4.2"); a bare integer
// matches the index part, so "--job 2" picks the second job of any
// build.
func selectJobs(specs []*travis.JobSpec, selectors []string) ([]*travis.JobSpec, error) {
	if len(selectors) == 0 {
		return specs, nil
	}

	matches := func(job *model.Job) bool {
		_, index, _ := strings.Cut(job.Number, ".")
		for _, sel := range selectors {
			if sel == job.Number || sel == index {
				return true
			}
		}
		return false
	}

	var selected []*travis.JobSpec
	for _, spec := range specs {
		if matches(spec.Job) {
			selected = append(selected, spec)
		}
	}
	if len(selected) == 0 {
		return nil, model.NewCLIError(model.ExitInvalidConfig,
			fmt.Sprintf("no jobs match --job %s (matrix has %d job(s))",
				strings.Join(selectors, ","), len(specs)))
	}
	return selected, nil
}

// collectExtraEnv merges the --env-file pairs with the --env flags.
// Flag pairs come last so they win when a key repeats.
func collectExtraEnv(envFile string, envs []string) ([]string, error) {
	var pairs []string
	if envFile != "" {
		filePairs, err := settings.LoadEnvFile(envFile)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitInvalidConfig, "failed to load --env-file", err)
		}
		pairs = append(pairs, filePairs...)
	}
	for _, env := range envs {
		if !strings.Contains(env, "=") {
			return nil, model.NewCLIError(model.ExitInvalidConfig,
				fmt.Sprintf("--env %q is not of the form KEY=VALUE", env))
		}
		pairs = append(pairs, env)
	}
	return pairs, nil
}

// printRunResult outputs the run command results in text or JSON format.
func printRunResult(build *model.Build, reportDir string) {
	if IsJSONOutput() {
		printRunResultJSON(build, reportDir)
	} else {
		printRunResultText(build, reportDir)
	}
}

// printRunResultJSON outputs the finished build as structured JSON.
func printRunResultJSON(build *model.Build, reportDir string) {
	result := map[string]interface{}{
		"build":     build,
		"reportDir": reportDir,
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

// printRunResultText outputs the finished build as a human-readable
// summary table.
//
// The table format is:
//
//	JOB   OS      LANGUAGE      STATUS   DURATION
//	4.1   linux   python 3.8    passed   31s
//	4.2   osx     python 3.8    failed   29s
func printRunResultText(build *model.Build, reportDir string) {
	fmt.Println()
	fmt.Printf("Build #%d %s in %s\n", build.Number, build.Status, buildElapsed(build))
	fmt.Println()

	fmt.Printf("  %-6s %-8s %-14s %-18s %s\n", "JOB", "OS", "LANGUAGE", "STATUS", "DURATION")
	for _, job := range build.Jobs {
		fmt.Printf("  %-6s %-8s %-14s %-18s %s\n",
			job.Number,
			job.OS,
			jobLanguage(job),
			jobStatusLabel(job),
			jobElapsed(job),
		)
	}

	fmt.Println()
	fmt.Printf("Report: %s\n", filepath.Join(reportDir, buildlog.ReportFileName))
}

// jobLanguage renders the language column ("python 3.8" or "generic").
func jobLanguage(job *model.Job) string {
	if job.LanguageVersion == "" {
		return job.Language
	}
	return job.Language + " " + job.LanguageVersion
}

// jobStatusLabel marks failures that were allowed so a red row in a
// green build is explicable at a glance.
func jobStatusLabel(job *model.Job) string {
	label := string(job.Status)
	if job.AllowFailure && (job.Status == model.JobFailed || job.Status == model.JobErrored) {
		label += " (allowed)"
	}
	return label
}

// buildElapsed formats the build's wall-clock duration.
func buildElapsed(build *model.Build) string {
	if build.StartedAt.IsZero() || build.FinishedAt.IsZero() {
		return "-"
	}
	return build.FinishedAt.Sub(build.StartedAt).Round(time.Second).String()
}

// jobElapsed formats a job's wall-clock duration; jobs that never ran
// show a dash.
func jobElapsed(job *model.Job) string {
	if job.StartedAt.IsZero() || job.FinishedAt.IsZero() {
		return "-"
	}
	return job.FinishedAt.Sub(job.StartedAt).Round(time.Second).String()
}
