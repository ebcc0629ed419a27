// Package cli — serve.go implements the "lorry serve" command.
//
// Serve starts the HTTP API: build triggering plus read access to the
// build history, with Prometheus metrics on the side. Builds triggered
// over the API run on the same runner the run command uses; preparation
// (parse, validate, matrix expansion, build numbering) happens
// synchronously so the client gets a well-formed pending build or a
// meaningful error, and execution continues in the background.
package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lorry-ci/lorry/internal/cache"
	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/observability"
	"github.com/lorry-ci/lorry/internal/runner"
	"github.com/lorry-ci/lorry/internal/secure"
	"github.com/lorry-ci/lorry/internal/server"
	"github.com/lorry-ci/lorry/internal/settings"
	"github.com/lorry-ci/lorry/internal/store"
	"github.com/lorry-ci/lorry/internal/travis"
	"github.com/lorry-ci/lorry/internal/workspace"
)

// serveFlags holds the flag values for the serve command.
type serveFlags struct {
	bind string // --bind: listen address override
}

// NewServeCommand creates the "serve" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewServeCommand() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lorry HTTP API",
		Long: `Run the HTTP API for triggering builds and browsing history.

Endpoints:
  POST /api/v1/builds        trigger a build (202 + pending build)
  GET  /api/v1/builds        list recent builds
  GET  /api/v1/builds/{id}   one build with jobs
  GET  /healthz              liveness probe
  GET  /metrics              Prometheus metrics

When a token is configured the /api/v1 endpoints require it as a
bearer token. The server stops gracefully on SIGINT/SIGTERM; builds
still running are canceled and recorded as such.

Examples:
  lorry serve
  lorry serve --bind 0.0.0.0:8080`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.bind, "bind", "", "Listen address (host:port)")

	return cmd
}

// runServe is the main orchestration function for the serve command.
func runServe(parent context.Context, flags *serveFlags) error {
	logger := newLogger()
	defer observability.Flush(logger)

	// Step 1: Settings, with the bind override applied.
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	if flags.bind != "" {
		cfg.Server.Bind = flags.bind
	}

	// Step 2: Shared infrastructure. The store is mandatory in server
	// mode: it assigns build numbers and backs the history endpoints.
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	workspaces := workspace.NewManager(cfg.WorkRoot)
	r := runner.New(runner.Config{
		Settings:   cfg,
		Catalog:    catalog,
		Store:      st,
		Docker:     dockerCli,
		Workspaces: workspaces,
		Cache:      cache.NewStore(cacheDir(cfg)),
		Logger:     logger,
	})

	trig := &triggerer{
		settings:   cfg,
		store:      st,
		runner:     r,
		workspaces: workspaces,
		logger:     logger,
		baseCtx:    ctx,
	}

	// Step 3: Serve until the context is canceled.
	srv := server.New(server.Config{
		Settings: cfg,
		Store:    st,
		Trigger:  trig.trigger,
		Logger:   logger,
		Version:  Version,
	})

	fmt.Printf("lorry API listening on http://%s\n", cfg.Server.Bind)
	if err := srv.ListenAndServe(ctx); err != nil {
		return model.WrapCLIError(model.ExitInternalError, "server failed", err)
	}

	// Wait for builds still running in the background to record their
	// canceled state before the store closes.
	trig.wait()
	return nil
}

// triggerer turns API trigger requests into running builds.
//
// Preparation runs under a mutex: NextBuildNumber reads MAX(number)
// from the store, and the row only appears once the background run has
// started, so two concurrent triggers could otherwise mint the same
// number. lastNumber keeps the high-water mark between the read and the
// insert.
type triggerer struct {
	settings   *settings.Settings
	store      *store.Store
	runner     *runner.Runner
	workspaces *workspace.Manager
	logger     *zap.Logger

	// baseCtx parents the background runs so server shutdown cancels
	// them; the per-request context dies as soon as the response is
	// written.
	baseCtx context.Context

	mu         sync.Mutex
	lastNumber int64
	running    sync.WaitGroup
}

// trigger implements server.TriggerFunc.
func (t *triggerer) trigger(ctx context.Context, req server.TriggerRequest) (*model.Build, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Parse and validate synchronously so the client hears about a bad
	// configuration in the response, not in a log file.
	travisPath, err := travis.FindTravisYML(req.RepoDir)
	if err != nil {
		return nil, err
	}
	repoDir := filepath.Dir(travisPath)

	tcfg, err := travis.Load(travisPath)
	if err != nil {
		return nil, err
	}
	if problems := travis.Validate(tcfg); len(problems) > 0 {
		return nil, model.NewCLIError(model.ExitInvalidConfig,
			fmt.Sprintf(".travis.yml has %d problem(s), first: %s", len(problems), problems[0].Error()))
	}

	meta, err := t.workspaces.Meta(ctx, repoDir)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGitError, "failed to read repository metadata", err)
	}
	branch := req.Branch
	if branch == "" {
		branch = meta.Branch
	}

	var decrypt travis.DecryptFunc
	if box, keyErr := secure.LoadKey(t.settings.Secure.KeyFile); keyErr == nil {
		decrypt = box.Decrypt
	}

	number, err := t.store.NextBuildNumber(ctx)
	if err != nil {
		return nil, err
	}
	if number <= t.lastNumber {
		number = t.lastNumber + 1
	}
	t.lastNumber = number

	specs, err := travis.ExpandMatrix(tcfg, travis.ExpandOptions{
		BuildNumber: number,
		Decrypt:     decrypt,
	})
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, model.NewCLIError(model.ExitInvalidConfig, "the job matrix is empty")
	}

	build := &model.Build{
		ID:         uuid.NewString(),
		Number:     number,
		RepoDir:    repoDir,
		ConfigPath: travisPath,
		Branch:     branch,
		Commit:     meta.Commit,
		EventType:  model.EventAPI,
		Status:     model.BuildPending,
		CreatedAt:  time.Now().UTC(),
	}
	for _, spec := range specs {
		build.Jobs = append(build.Jobs, spec.Job)
	}

	// The response carries a snapshot; the runner owns the live build
	// from here on.
	pending := snapshotBuild(build)

	opts := runner.Options{
		Concurrency:     t.settings.Concurrency,
		JobTimeout:      t.settings.JobTimeout.Std(),
		NoOutputTimeout: t.settings.NoOutputTimeout.Std(),
		NoCache:         req.NoCache,
		KeepWorkspaces:  t.settings.KeepWorkspaces,
		FastFinish:      tcfg.FastFinish,
		CacheConfig:     tcfg.Cache,
	}
	t.running.Add(1)
	go func() {
		defer t.running.Done()
		if err := t.runner.RunBuild(t.baseCtx, build, specs, opts); err != nil {
			t.logger.Error("triggered build failed to run",
				zap.Int64("build", build.Number),
				zap.Error(err))
		}
	}()

	t.logger.Info("build triggered",
		zap.Int64("build", number),
		zap.String("repo", repoDir),
		zap.Int("jobs", len(specs)))
	return pending, nil
}

// wait blocks until every background build has finished.
func (t *triggerer) wait() {
	t.running.Wait()
}

// snapshotBuild copies a build and its jobs so the HTTP response can be
// marshaled while the runner mutates the originals.
func snapshotBuild(build *model.Build) *model.Build {
	copied := *build
	copied.Jobs = make([]*model.Job, len(build.Jobs))
	for i, job := range build.Jobs {
		jobCopy := *job
		copied.Jobs[i] = &jobCopy
	}
	return &copied
}
