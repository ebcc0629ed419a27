// Package runner executes expanded builds: it provisions a workspace
// per job, generates the job's build script, runs it on a backend and
// folds the results back into the build.
//
// Jobs run concurrently up to the configured limit; steps within a job
// are strictly sequential inside its script. The runner owns job
// lifecycle state, history persistence and the build report; backends
// only know how to run one script.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lorry-ci/lorry/internal/buildlog"
	"github.com/lorry-ci/lorry/internal/cache"
	"github.com/lorry-ci/lorry/internal/docker"
	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/observability"
	"github.com/lorry-ci/lorry/internal/script"
	"github.com/lorry-ci/lorry/internal/settings"
	"github.com/lorry-ci/lorry/internal/store"
	"github.com/lorry-ci/lorry/internal/travis"
	"github.com/lorry-ci/lorry/internal/workspace"
)

// Config wires a Runner's collaborators. Store and Cache may be nil to
// disable history and caching; Docker may be nil when no daemon is
// reachable.
type Config struct {
	Settings   *settings.Settings
	Catalog    *settings.ImageCatalog
	Store      *store.Store
	Docker     *docker.Client
	Workspaces *workspace.Manager
	Cache      *cache.Store
	Logger     *zap.Logger
}

// Runner executes builds.
type Runner struct {
	settings   *settings.Settings
	catalog    *settings.ImageCatalog
	store      *store.Store
	docker     *docker.Client
	workspaces *workspace.Manager
	cache      *cache.Store
	logger     *zap.Logger

	// goos is the host OS, overridable in tests.
	goos string
}

// New returns a Runner. A nil Logger falls back to a no-op logger.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		settings:   cfg.Settings,
		catalog:    cfg.Catalog,
		store:      cfg.Store,
		docker:     cfg.Docker,
		workspaces: cfg.Workspaces,
		cache:      cfg.Cache,
		logger:     logger,
		goos:       runtime.GOOS,
	}
}

// Options carries per-build execution flags from the CLI.
type Options struct {
	// Concurrency is the number of jobs running at once. Values below 1
	// are treated as 1.
	Concurrency int

	// JobTimeout bounds each job's wall-clock time. Zero applies the
	// default from settings.
	JobTimeout time.Duration

	// NoOutputTimeout kills a job whose output has been silent for this
	// long. Zero applies the default from settings.
	NoOutputTimeout time.Duration

	// NoCache disables cache restore and save for this build.
	NoCache bool

	// KeepWorkspaces leaves job workspaces on disk for debugging.
	KeepWorkspaces bool

	// FastFinish cancels remaining jobs once a required job has failed.
	FastFinish bool

	// CacheConfig is the build's cache section.
	CacheConfig travis.CacheConfig

	// ExtraEnv appends KEY=VALUE overrides after the job's own env.
	ExtraEnv []string

	// Stdout, when non-nil, receives every job's output with a
	// "[number] " prefix per line.
	Stdout io.Writer
}

// RunBuild executes every job of the build and aggregates the result.
// The error covers infrastructure problems (log dir, history store);
// job and script failures are reported through build.Status.
func (r *Runner) RunBuild(ctx context.Context, build *model.Build, specs []*travis.JobSpec, opts Options) error {
	if len(specs) == 0 {
		return model.NewCLIError(model.ExitInvalidConfig, "build has no jobs to run")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = r.settings.JobTimeout.Std()
	}
	if opts.NoOutputTimeout <= 0 {
		opts.NoOutputTimeout = r.settings.NoOutputTimeout.Std()
	}

	sink, err := buildlog.NewSink(r.settings.DataDir, build.ID)
	if err != nil {
		return model.WrapCLIError(model.ExitInternalError, "failed to prepare build logs", err)
	}

	build.Status = model.BuildRunning
	build.StartedAt = time.Now().UTC()
	if r.store != nil {
		if err := r.store.CreateBuild(ctx, build); err != nil {
			return err
		}
	}
	r.logger.Info("build started",
		zap.Int64("build", build.Number),
		zap.String("repo", build.RepoDir),
		zap.Int("jobs", len(specs)),
		zap.Int("concurrency", opts.Concurrency))

	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan *travis.JobSpec)
	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for spec := range queue {
				r.runJob(buildCtx, build, spec, sink, opts, cancel)
			}
		}()
	}
	for _, spec := range specs {
		queue <- spec
	}
	close(queue)
	wg.Wait()

	build.Status = model.AggregateBuildStatus(build.Jobs)
	if opts.FastFinish && build.Status == model.BuildCanceled && ctx.Err() == nil {
		// The cancellation came from fast_finish, not the caller; the
		// build result is the failure that triggered it.
		build.Status = fastFinishStatus(build.Jobs)
	}
	build.FinishedAt = time.Now().UTC()
	observability.RecordBuild(build.Status)

	if r.store != nil {
		// Persist even when the run context was canceled mid-build.
		if err := r.store.UpdateBuild(context.Background(), build); err != nil {
			r.logger.Warn("failed to persist build result", zap.Error(err))
		}
	}
	if path, err := sink.WriteReport(build); err != nil {
		r.logger.Warn("failed to write build report", zap.Error(err))
	} else {
		r.logger.Info("build report written", zap.String("path", path))
	}

	r.logger.Info("build finished",
		zap.Int64("build", build.Number),
		zap.String("status", string(build.Status)),
		zap.Duration("elapsed", build.FinishedAt.Sub(build.StartedAt)))
	return nil
}

// runJob drives one job through its lifecycle and persists each state
// change. cancelBuild is invoked for fast_finish.
func (r *Runner) runJob(ctx context.Context, build *model.Build, spec *travis.JobSpec, sink *buildlog.Sink, opts Options, cancelBuild context.CancelFunc) {
	job := spec.Job
	log := r.logger.With(zap.String("job", job.Number))

	if ctx.Err() != nil {
		job.Status = model.JobCanceled
		r.persistJob(job, log)
		log.Info("job canceled before start")
		return
	}

	for _, warning := range spec.Warnings {
		log.Warn(warning)
	}

	executor, skipReason, err := r.executorFor(build, job)
	if err != nil {
		job.Status = model.JobErrored
		job.FinishedAt = time.Now().UTC()
		log.Error("no backend available for job", zap.Error(err))
		r.persistJob(job, log)
		r.maybeFastFinish(job, opts, cancelBuild)
		return
	}
	if skipReason != "" {
		job.Status = model.JobSkipped
		log.Warn("job skipped", zap.String("reason", skipReason))
		r.persistJob(job, log)
		return
	}

	job.Status = model.JobRunning
	job.StartedAt = time.Now().UTC()
	r.persistJob(job, log)
	observability.JobsInFlight.Inc()
	log.Info("job started", zap.String("backend", executor.Name()), zap.String("os", string(job.OS)))

	job.Status = r.executeJob(ctx, build, spec, executor, sink, opts, log)
	job.FinishedAt = time.Now().UTC()
	observability.JobsInFlight.Dec()
	observability.RecordJob(job)
	r.persistJob(job, log)

	log.Info("job finished",
		zap.String("status", string(job.Status)),
		zap.Duration("elapsed", job.FinishedAt.Sub(job.StartedAt)))
	r.maybeFastFinish(job, opts, cancelBuild)
}

// executeJob provisions the workspace, generates and runs the script,
// and maps the outcome to a job status.
func (r *Runner) executeJob(ctx context.Context, build *model.Build, spec *travis.JobSpec, executor Executor, sink *buildlog.Sink, opts Options, log *zap.Logger) model.JobStatus {
	job := spec.Job

	workDir, err := r.workspaces.Provision(ctx, build.RepoDir, job)
	if err != nil {
		log.Error("failed to provision workspace", zap.Error(err))
		return model.JobErrored
	}
	defer func() {
		if opts.KeepWorkspaces {
			log.Info("keeping workspace", zap.String("dir", workDir))
			return
		}
		if err := r.workspaces.Cleanup(workDir); err != nil {
			log.Warn("failed to clean workspace", zap.Error(err))
		}
	}()

	buildDir := executor.BuildDir(workDir)

	// Cache restore and save run on the host, so they only apply to the
	// local backend; container filesystems are throwaway.
	var cacheKey string
	var cacheDirs []string
	useCache := r.cache != nil && !opts.NoCache && executor.Name() == "local"
	if useCache {
		declared := travis.CacheDirs(opts.CacheConfig)
		if len(declared) == 0 {
			useCache = false
		} else {
			home, _ := os.UserHomeDir()
			cacheDirs = cache.ResolveDirs(declared, buildDir, home)
			cacheKey = cache.Key(build.RepoDir, job, opts.CacheConfig)
			restored, err := r.cache.Restore(cacheKey, cacheDirs)
			switch {
			case err != nil:
				log.Warn("cache restore failed", zap.Error(err))
			case restored:
				observability.RecordCacheEvent("hit")
				log.Info("cache restored", zap.String("key", cacheKey))
			default:
				observability.RecordCacheEvent("miss")
				log.Debug("no cache for key", zap.String("key", cacheKey))
			}
		}
	}

	env := script.Environment(build, job, buildDir, opts.ExtraEnv)
	scriptBytes, err := script.Generate(spec, script.Options{BuildDir: buildDir, Env: env})
	if err != nil {
		log.Error("failed to generate build script", zap.Error(err))
		return model.JobErrored
	}

	logWriter, logPath, err := sink.JobWriter(job)
	if err != nil {
		log.Error("failed to open job log", zap.Error(err))
		return model.JobErrored
	}
	defer logWriter.Close()
	job.LogPath = logPath

	output := io.Writer(logWriter)
	if opts.Stdout != nil {
		output = io.MultiWriter(logWriter, buildlog.NewPrefixWriter(opts.Stdout, "["+job.Number+"] "))
	}

	jobCtx, cancel := context.WithTimeout(ctx, opts.JobTimeout)
	defer cancel()

	// The backend writes raw output into the pipe; the parser strips
	// marker lines into phase results and forwards the rest to the log.
	// The activity wrapper feeds the no-output watchdog; marker lines
	// count, so only a single silent command can stall a job.
	reader, writer := io.Pipe()
	activity := newActivityWriter(writer)
	dog := watchOutput(activity, opts.NoOutputTimeout, cancel)
	type parsed struct {
		result *script.StreamResult
		err    error
	}
	parseDone := make(chan parsed, 1)
	go func() {
		result, err := script.ParseStream(reader, output, func(phase model.Phase, index int) string {
			commands := spec.Commands(phase)
			if index < len(commands) {
				return commands[index]
			}
			return ""
		})
		reader.Close()
		parseDone <- parsed{result, err}
	}()

	code, runErr := executor.Run(jobCtx, job, workDir, scriptBytes, activity)
	dog.Stop()
	writer.Close()
	outcome := <-parseDone
	if outcome.result != nil {
		job.Phases = outcome.result.Phases
	}
	if outcome.err != nil {
		log.Warn("failed to parse job output", zap.Error(outcome.err))
	}

	if runErr != nil {
		switch {
		case errors.Is(runErr, context.DeadlineExceeded):
			fmt.Fprintf(output, "\nThe job exceeded the maximum time limit of %s and was terminated.\n", opts.JobTimeout)
			log.Error("job timed out", zap.Duration("timeout", opts.JobTimeout))
			return model.JobErrored
		case errors.Is(runErr, context.Canceled):
			if dog.Stalled() {
				fmt.Fprintf(output, "\nNo output has been received in the last %s; the job was terminated.\n", opts.NoOutputTimeout)
				log.Error("job stalled", zap.Duration("no_output_timeout", opts.NoOutputTimeout))
				return model.JobErrored
			}
			log.Info("job canceled")
			return model.JobCanceled
		default:
			log.Error("backend failed to run job", zap.Error(runErr))
			return model.JobErrored
		}
	}

	if useCache && code == int(model.ExitPassed) {
		if err := r.cache.Save(cacheKey, cacheDirs); err != nil {
			log.Warn("cache save failed", zap.Error(err))
		} else {
			observability.RecordCacheEvent("save")
			log.Info("cache saved", zap.String("key", cacheKey))
			r.pruneCache(log)
		}
	}

	switch model.ExitCode(code) {
	case model.ExitPassed:
		return model.JobPassed
	case model.ExitFailed:
		return model.JobFailed
	default:
		return model.JobErrored
	}
}

// executorFor picks the backend for one job. A non-empty skip reason
// means the job cannot run in this environment and is marked skipped.
func (r *Runner) executorFor(build *model.Build, job *model.Job) (Executor, string, error) {
	dockerExecutor := func() Executor {
		return &DockerExecutor{Client: r.docker, Catalog: r.catalog, Build: build, Logger: r.logger}
	}

	switch r.settings.Backend {
	case "local":
		if job.OS == model.OSMacOS && r.goos != "darwin" {
			return nil, "osx jobs need a macOS host", nil
		}
		if job.OS == model.OSWindows {
			return nil, "windows jobs are not supported", nil
		}
		return LocalExecutor{}, "", nil

	case "docker":
		if job.OS != model.OSLinux {
			return nil, fmt.Sprintf("%s jobs cannot run in containers", job.OS), nil
		}
		if r.docker == nil {
			return nil, "", model.NewCLIError(model.ExitDockerNotRunning,
				"backend is set to docker but no Docker daemon is reachable")
		}
		return dockerExecutor(), "", nil

	default: // auto
		switch job.OS {
		case model.OSLinux:
			if r.docker != nil {
				return dockerExecutor(), "", nil
			}
			if r.goos == "linux" {
				return LocalExecutor{}, "", nil
			}
			return nil, "linux jobs need a Docker daemon on this host", nil
		case model.OSMacOS:
			if r.goos == "darwin" {
				return LocalExecutor{}, "", nil
			}
			return nil, "osx jobs need a macOS host", nil
		default:
			return nil, fmt.Sprintf("%s jobs are not supported", job.OS), nil
		}
	}
}

// fastFinishStatus derives the build result from the required jobs that
// reached a terminal failure before fast_finish canceled the rest.
func fastFinishStatus(jobs []*model.Job) model.BuildStatus {
	errored, failed := false, false
	for _, job := range jobs {
		if job.AllowFailure {
			continue
		}
		switch job.Status {
		case model.JobErrored:
			errored = true
		case model.JobFailed:
			failed = true
		}
	}
	switch {
	case errored:
		return model.BuildErrored
	case failed:
		return model.BuildFailed
	default:
		return model.BuildCanceled
	}
}

// maybeFastFinish cancels the rest of the build when a required job has
// failed and fast_finish is set.
func (r *Runner) maybeFastFinish(job *model.Job, opts Options, cancel context.CancelFunc) {
	if !opts.FastFinish || job.AllowFailure {
		return
	}
	if job.Status == model.JobFailed || job.Status == model.JobErrored {
		r.logger.Info("fast_finish: canceling remaining jobs", zap.String("failed", job.Number))
		cancel()
	}
}

// persistJob records a job state change; history failures never affect
// the run.
func (r *Runner) persistJob(job *model.Job, log *zap.Logger) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateJob(context.Background(), job); err != nil {
		log.Warn("failed to persist job state", zap.Error(err))
	}
}

// pruneCache applies the configured cache retention after a save.
func (r *Runner) pruneCache(log *zap.Logger) {
	maxAge := r.settings.Cache.MaxAge.Std()
	maxTotal := r.settings.Cache.MaxTotalMB * 1024 * 1024
	removed, err := r.cache.Prune(maxAge, maxTotal)
	if err != nil {
		log.Warn("cache prune failed", zap.Error(err))
	} else if removed > 0 {
		log.Info("pruned cache archives", zap.Int("removed", removed))
	}
}
