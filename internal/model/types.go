// Package model defines the domain types for the lorry CI runner.
//
// All entities in this package represent one execution of a Travis-style
// configuration. These types are used throughout the application for
// passing data between components: the travis package produces Jobs from a
// parsed configuration, the runner executes them, and the store persists
// them as build history.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a single matrix job.
// The state transitions are:
//
//	pending → running → passed | failed | errored | canceled
//	pending → skipped (job cannot run on this host, e.g. osx without macOS)
type JobStatus string

const (
	// JobPending indicates the job has been expanded from the matrix but
	// has not started executing yet.
	JobPending JobStatus = "pending"

	// JobRunning indicates the job's build script is currently executing.
	JobRunning JobStatus = "running"

	// JobPassed indicates every setup and script command exited zero.
	JobPassed JobStatus = "passed"

	// JobFailed indicates a script-phase command exited non-zero.
	// Remaining script commands still ran; the worst exit won.
	JobFailed JobStatus = "failed"

	// JobErrored indicates a setup-phase command (before_install, install,
	// before_script) exited non-zero. The script phase never ran.
	JobErrored JobStatus = "errored"

	// JobCanceled indicates the job was stopped before completion, either
	// by user interrupt or by fast_finish canceling allowed-failure jobs.
	JobCanceled JobStatus = "canceled"

	// JobSkipped indicates the job could not run on this host and was
	// recorded without executing. Skipped jobs do not fail the build.
	JobSkipped JobStatus = "skipped"
)

// String returns the string representation of JobStatus.
// This method satisfies the fmt.Stringer interface, enabling
// human-readable output in CLI commands and logging.
func (s JobStatus) String() string {
	return string(s)
}

// IsValid checks whether the JobStatus value is one of the
// predefined valid states.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobRunning, JobPassed, JobFailed, JobErrored, JobCanceled, JobSkipped:
		return true
	default:
		return false
	}
}

// Finished reports whether the status is terminal. Pending and running
// jobs are unfinished; every other state is final.
func (s JobStatus) Finished() bool {
	switch s {
	case JobPassed, JobFailed, JobErrored, JobCanceled, JobSkipped:
		return true
	default:
		return false
	}
}

// ParseJobStatus converts a string to a JobStatus.
// Returns an error if the string does not match any valid status.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid job status: %q (valid: pending, running, passed, failed, errored, canceled, skipped)", s)
	}
	return status, nil
}

// BuildStatus represents the aggregate state of a build — the result of
// all its matrix jobs combined.
type BuildStatus string

const (
	// BuildPending indicates the build has been created but no job has
	// started yet.
	BuildPending BuildStatus = "pending"

	// BuildRunning indicates at least one job is still executing.
	BuildRunning BuildStatus = "running"

	// BuildPassed indicates every required (non-allow-failure) job passed
	// or was skipped.
	BuildPassed BuildStatus = "passed"

	// BuildFailed indicates at least one required job failed in its
	// script phase.
	BuildFailed BuildStatus = "failed"

	// BuildErrored indicates at least one required job errored in a
	// setup phase.
	BuildErrored BuildStatus = "errored"

	// BuildCanceled indicates the build was interrupted before all
	// required jobs finished.
	BuildCanceled BuildStatus = "canceled"
)

// String returns the string representation of BuildStatus.
func (s BuildStatus) String() string {
	return string(s)
}

// IsValid checks whether the BuildStatus value is one of the
// predefined valid states.
func (s BuildStatus) IsValid() bool {
	switch s {
	case BuildPending, BuildRunning, BuildPassed, BuildFailed, BuildErrored, BuildCanceled:
		return true
	default:
		return false
	}
}

// Finished reports whether the status is terminal.
func (s BuildStatus) Finished() bool {
	switch s {
	case BuildPassed, BuildFailed, BuildErrored, BuildCanceled:
		return true
	default:
		return false
	}
}

// ParseBuildStatus converts a string to a BuildStatus.
// Returns an error if the string does not match any valid status.
func ParseBuildStatus(s string) (BuildStatus, error) {
	status := BuildStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid build status: %q (valid: pending, running, passed, failed, errored, canceled)", s)
	}
	return status, nil
}

// AggregateBuildStatus derives the build result from its job results.
// Allowed-failure jobs never influence the outcome. Skipped required jobs
// count as non-failing. Precedence among terminal required results:
// canceled, then errored, then failed, then passed.
func AggregateBuildStatus(jobs []*Job) BuildStatus {
	started := false
	var canceled, errored, failed bool
	for _, job := range jobs {
		if job.Status != JobPending {
			started = true
		}
		if job.AllowFailure {
			continue
		}
		if !job.Status.Finished() {
			if started {
				return BuildRunning
			}
			return BuildPending
		}
		switch job.Status {
		case JobCanceled:
			canceled = true
		case JobErrored:
			errored = true
		case JobFailed:
			failed = true
		}
	}
	switch {
	case canceled:
		return BuildCanceled
	case errored:
		return BuildErrored
	case failed:
		return BuildFailed
	default:
		return BuildPassed
	}
}

// Phase identifies one stage of the Travis job lifecycle. Phases run in
// the canonical order returned by Phases; which hooks run depends on the
// script-phase outcome.
type Phase string

const (
	// PhaseBeforeInstall runs before dependency installation, typically
	// bootstrapping tooling (e.g. a miniconda download and install).
	PhaseBeforeInstall Phase = "before_install"

	// PhaseInstall installs the project's dependencies.
	PhaseInstall Phase = "install"

	// PhaseBeforeScript runs after installation, before the test script.
	PhaseBeforeScript Phase = "before_script"

	// PhaseScript is the test phase. Non-zero exits here fail the job but
	// do not stop remaining script commands.
	PhaseScript Phase = "script"

	// PhaseAfterSuccess runs only when the script phase passed.
	PhaseAfterSuccess Phase = "after_success"

	// PhaseAfterFailure runs when the job failed or errored.
	PhaseAfterFailure Phase = "after_failure"

	// PhaseAfterScript always runs last, regardless of outcome.
	PhaseAfterScript Phase = "after_script"
)

// Phases returns all lifecycle phases in execution order.
func Phases() []Phase {
	return []Phase{
		PhaseBeforeInstall,
		PhaseInstall,
		PhaseBeforeScript,
		PhaseScript,
		PhaseAfterSuccess,
		PhaseAfterFailure,
		PhaseAfterScript,
	}
}

// String returns the string representation of Phase.
func (p Phase) String() string {
	return string(p)
}

// IsValid checks whether the Phase value is one of the defined
// lifecycle phases.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseBeforeInstall, PhaseInstall, PhaseBeforeScript, PhaseScript,
		PhaseAfterSuccess, PhaseAfterFailure, PhaseAfterScript:
		return true
	default:
		return false
	}
}

// Setup reports whether a non-zero exit in this phase errors the job
// immediately. Setup phases are everything before script.
func (p Phase) Setup() bool {
	switch p {
	case PhaseBeforeInstall, PhaseInstall, PhaseBeforeScript:
		return true
	default:
		return false
	}
}

// Hook reports whether the phase is a post-script hook. Non-zero exits in
// hooks are logged but never change the job result.
func (p Phase) Hook() bool {
	switch p {
	case PhaseAfterSuccess, PhaseAfterFailure, PhaseAfterScript:
		return true
	default:
		return false
	}
}

// ParsePhase converts a string to a Phase.
// Returns an error if the string does not name a lifecycle phase.
func ParsePhase(s string) (Phase, error) {
	phase := Phase(strings.ToLower(s))
	if !phase.IsValid() {
		return "", fmt.Errorf("invalid phase: %q", s)
	}
	return phase, nil
}

// OSName identifies the operating system a job targets.
type OSName string

const (
	// OSLinux is the default job OS.
	OSLinux OSName = "linux"

	// OSMacOS is the "osx" OS in Travis terms. Runnable only on macOS
	// hosts with the local backend.
	OSMacOS OSName = "osx"

	// OSWindows is accepted in configurations but unsupported for
	// execution; windows jobs are recorded as skipped.
	OSWindows OSName = "windows"
)

// String returns the string representation of OSName.
func (o OSName) String() string {
	return string(o)
}

// IsValid checks whether the OSName is one of the accepted values.
func (o OSName) IsValid() bool {
	switch o {
	case OSLinux, OSMacOS, OSWindows:
		return true
	default:
		return false
	}
}

// EventType describes how a build was triggered.
type EventType string

const (
	// EventPush is the event type for CLI-triggered builds.
	EventPush EventType = "push"

	// EventAPI is the event type for builds triggered through the HTTP API.
	EventAPI EventType = "api"
)

// String returns the string representation of EventType.
func (e EventType) String() string {
	return string(e)
}

// Build is the primary aggregate entity: one execution of a configuration
// file, holding the expanded matrix jobs and the aggregate result.
type Build struct {
	// ID is the unique identifier for this build (UUID).
	ID string `json:"id"`

	// Number is the sequential, human-facing build number assigned by the
	// history store. Job numbers are derived from it ("3.1", "3.2", ...).
	Number int64 `json:"number"`

	// RepoDir is the absolute path to the repository the build runs against.
	RepoDir string `json:"repoDir"`

	// ConfigPath is the absolute path to the configuration file
	// (.travis.yml) this build was expanded from.
	ConfigPath string `json:"configPath"`

	// Branch is the repository branch at trigger time. Empty for
	// non-git directories.
	Branch string `json:"branch,omitempty"`

	// Commit is the HEAD commit SHA at trigger time. Empty for
	// non-git directories.
	Commit string `json:"commit,omitempty"`

	// EventType records how the build was triggered (push or api).
	EventType EventType `json:"eventType"`

	// Status is the aggregate result across all jobs.
	Status BuildStatus `json:"status"`

	// Jobs holds the expanded matrix jobs in expansion order.
	Jobs []*Job `json:"jobs,omitempty"`

	// CreatedAt is when the build was created.
	CreatedAt time.Time `json:"createdAt"`

	// StartedAt is when the first job started. Zero until then.
	StartedAt time.Time `json:"startedAt,omitempty"`

	// FinishedAt is when the last job finished. Zero until then.
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// Job is one expanded matrix entry: a concrete os/language/env combination
// with its execution state and per-phase results.
type Job struct {
	// ID is the unique identifier for this job (UUID).
	ID string `json:"id"`

	// Number is the human-facing job number in "build.index" form,
	// e.g. "1.2" for the second job of build 1.
	Number string `json:"number"`

	// Name is the optional display name from a jobs.include row.
	Name string `json:"name,omitempty"`

	// OS is the operating system this job targets.
	OS OSName `json:"os"`

	// Dist is the Linux distribution codename (e.g. "focal").
	// Only meaningful for linux jobs.
	Dist string `json:"dist,omitempty"`

	// OsxImage is the macOS toolchain image name (e.g. "xcode11.2").
	// Only meaningful for osx jobs.
	OsxImage string `json:"osxImage,omitempty"`

	// Language is the normalized job language (python, go, generic, ...).
	Language string `json:"language"`

	// LanguageVersion is the requested language version (e.g. "3.8.0").
	// Empty for version-less languages such as generic.
	LanguageVersion string `json:"languageVersion,omitempty"`

	// Env holds the KEY=VALUE pairs contributed by this job's matrix axis
	// and the global env section, in declaration order.
	Env []string `json:"env,omitempty"`

	// AllowFailure marks jobs whose result does not affect the build
	// outcome (matrix allow_failures).
	AllowFailure bool `json:"allowFailure,omitempty"`

	// Status is the current lifecycle state of the job.
	Status JobStatus `json:"status"`

	// Phases holds per-phase results in execution order. Phases that never
	// ran are absent.
	Phases []PhaseResult `json:"phases,omitempty"`

	// LogPath is the path to the job's captured log file.
	LogPath string `json:"logPath,omitempty"`

	// StartedAt is when the job's script began executing. Zero until then.
	StartedAt time.Time `json:"startedAt,omitempty"`

	// FinishedAt is when the job reached a terminal state. Zero until then.
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// Result returns the job's script-phase exit code: 0 for passed jobs,
// the worst script exit for failed jobs, and -1 when the script phase
// never ran.
func (j *Job) Result() int {
	for i := range j.Phases {
		if j.Phases[i].Phase == PhaseScript {
			return j.Phases[i].ExitCode
		}
	}
	return -1
}

// PhaseResult records the outcome of one lifecycle phase of a job.
type PhaseResult struct {
	// Phase names the lifecycle phase.
	Phase Phase `json:"phase"`

	// Commands holds per-command results in execution order.
	Commands []CommandResult `json:"commands,omitempty"`

	// ExitCode is the phase result: zero when every command exited zero,
	// otherwise the first non-zero command exit. Setup phases stop at
	// that command; the script phase keeps running but the first
	// non-zero exit still decides the result. A value of -1 marks a
	// phase the build never finished.
	ExitCode int `json:"exitCode"`

	// Duration is the wall-clock time the phase took.
	Duration time.Duration `json:"duration"`
}

// CommandResult records the outcome of a single command within a phase.
type CommandResult struct {
	// Command is the shell command text as written in the configuration.
	Command string `json:"command"`

	// ExitCode is the command's exit status.
	ExitCode int `json:"exitCode"`

	// Duration is the wall-clock time the command took.
	Duration time.Duration `json:"duration"`
}

// jobNumberRegex validates job numbers: a build number, a dot, a job index.
var jobNumberRegex = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)

// ValidateJobNumber checks that the given string is a well-formed job
// number of the form "build.index", e.g. "1.2".
func ValidateJobNumber(number string) error {
	if number == "" {
		return fmt.Errorf("job number must not be empty")
	}
	if !jobNumberRegex.MatchString(number) {
		return fmt.Errorf("invalid job number %q: expected the form \"build.index\", e.g. \"1.2\"", number)
	}
	return nil
}

// JobNumber formats a job number from a build number and a zero-based
// job index: JobNumber(3, 0) == "3.1".
func JobNumber(buildNumber int64, index int) string {
	return fmt.Sprintf("%d.%d", buildNumber, index+1)
}

// ExitCode defines standard CLI exit codes. The first three mirror the
// build result so scripts and CI wrappers can distinguish a failing test
// suite from a broken environment; higher codes report CLI-level errors.
type ExitCode int

const (
	// ExitPassed indicates the command completed and the build passed.
	ExitPassed ExitCode = 0

	// ExitFailed indicates the build failed: a required job's script
	// phase exited non-zero.
	ExitFailed ExitCode = 1

	// ExitErrored indicates the build errored: a required job's setup
	// phase exited non-zero, or the build was canceled.
	ExitErrored ExitCode = 2

	// ExitConfigNotFound indicates no .travis.yml was found in the
	// expected location.
	ExitConfigNotFound ExitCode = 3

	// ExitInvalidConfig indicates the configuration file failed to parse
	// or validate.
	ExitInvalidConfig ExitCode = 4

	// ExitDockerNotRunning indicates the Docker daemon is not accessible
	// but the docker backend was requested.
	ExitDockerNotRunning ExitCode = 5

	// ExitGitError indicates a Git operation failed.
	ExitGitError ExitCode = 6

	// ExitStoreError indicates the build history store could not be
	// opened or written.
	ExitStoreError ExitCode = 7

	// ExitInternalError indicates an unexpected runner error.
	ExitInternalError ExitCode = 8
)

// ExitCodeForBuild maps a terminal build status to the process exit code.
func ExitCodeForBuild(status BuildStatus) ExitCode {
	switch status {
	case BuildPassed:
		return ExitPassed
	case BuildFailed:
		return ExitFailed
	default:
		return ExitErrored
	}
}

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
