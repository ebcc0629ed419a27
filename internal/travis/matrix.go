// matrix.go expands a normalized configuration into concrete jobs: the
// implicit os × version × env product, minus exclude rows, plus include
// rows, with allow_failures marking.
package travis

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lorry-ci/lorry/internal/model"
)

// JobSpec pairs an expanded matrix job with its resolved phase commands.
// The runner executes JobSpecs; the embedded model.Job is what gets
// persisted and reported.
type JobSpec struct {
	// Job is the domain entity for this matrix entry.
	Job *model.Job

	// Phases maps each lifecycle phase to the commands this job runs.
	// Include rows may override individual phases, so the map is per-job.
	Phases map[model.Phase][]string

	// EnvRaw is the job's env cell exactly as written in the
	// configuration. Exclude and allow_failures rows match against it.
	EnvRaw string

	// Warnings collects non-fatal findings from expanding this job
	// (skipped secure entries, malformed env pairs).
	Warnings []string
}

// Commands returns the command list for a phase, nil when the phase is
// not configured.
func (s *JobSpec) Commands(phase model.Phase) []string {
	return s.Phases[phase]
}

// ExpandOptions controls matrix expansion.
type ExpandOptions struct {
	// BuildNumber seeds the job numbers ("3.1", "3.2", ...).
	// Zero is treated as build 1.
	BuildNumber int64

	// Decrypt resolves secure env entries. Nil skips them with a warning.
	Decrypt DecryptFunc
}

// ExpandMatrix expands the build matrix of a configuration into jobs,
// in deterministic order: the implicit product iterates os, then
// osx_image, then language version, then env cell, each in declaration
// order; include rows append afterwards in declaration order.
//
// Returns a CLIError with ExitInvalidConfig when the matrix expands to
// zero jobs.
func ExpandMatrix(cfg *Config, opts ExpandOptions) ([]*JobSpec, error) {
	buildNumber := opts.BuildNumber
	if buildNumber <= 0 {
		buildNumber = 1
	}

	globalPairs, globalWarnings := ResolveEnvEntries(cfg.Env.Global, opts.Decrypt)

	versions := cfg.Versions
	if len(versions) == 0 {
		versions = []string{""}
	}

	cells := cfg.Env.Jobs
	if len(cells) == 0 {
		cells = []EnvEntry{{}}
	}

	var specs []*JobSpec

	// Implicit matrix product.
	for _, osName := range cfg.OSes {
		images := []string{""}
		if osName == model.OSMacOS && len(cfg.OsxImages) > 0 {
			images = cfg.OsxImages
		}
		for _, image := range images {
			for _, version := range versions {
				for _, cell := range cells {
					spec := buildJobSpec(cfg, jobSeed{
						os:       osName,
						osxImage: image,
						language: cfg.Language,
						version:  version,
						envCell:  []EnvEntry{cell},
						envRaw:   cell.Raw,
					}, globalPairs, globalWarnings, opts.Decrypt)

					if matchesAny(cfg.Exclude, spec) {
						continue
					}
					specs = append(specs, spec)
				}
			}
		}
	}

	// Explicit include rows.
	for _, row := range cfg.Include {
		specs = append(specs, buildIncludeSpec(cfg, row, globalPairs, globalWarnings, opts.Decrypt))
	}

	if len(specs) == 0 {
		return nil, model.NewCLIError(
			model.ExitInvalidConfig,
			"build matrix expanded to zero jobs (every combination excluded)",
		)
	}

	// Numbering and allow_failures run over the final list so include
	// rows participate in both.
	for i, spec := range specs {
		spec.Job.Number = model.JobNumber(buildNumber, i)
		spec.Job.AllowFailure = matchesAny(cfg.AllowFailures, spec)
	}

	return specs, nil
}

// jobSeed collects the axis values for one matrix entry before the job
// is materialized.
type jobSeed struct {
	name     string
	os       model.OSName
	osxImage string
	language string
	version  string
	dist     string
	envCell  []EnvEntry
	envRaw   string
	phases   map[model.Phase][]string
}

// buildJobSpec materializes one job from its axis values, resolving env
// entries and cloning phase commands so jobs never alias each other.
func buildJobSpec(cfg *Config, seed jobSeed, globalPairs []string, globalWarnings []string, decrypt DecryptFunc) *JobSpec {
	cellPairs, cellWarnings := ResolveEnvEntries(seed.envCell, decrypt)

	env := make([]string, 0, len(globalPairs)+len(cellPairs))
	env = append(env, globalPairs...)
	env = append(env, cellPairs...)

	dist := seed.dist
	if dist == "" && seed.os == model.OSLinux {
		dist = cfg.Dist
	}

	job := &model.Job{
		ID:              uuid.NewString(),
		Name:            seed.name,
		OS:              seed.os,
		Dist:            dist,
		OsxImage:        seed.osxImage,
		Language:        seed.language,
		LanguageVersion: seed.version,
		Env:             env,
		Status:          model.JobPending,
	}

	phases := seed.phases
	if phases == nil {
		phases = cfg.Phases
	}

	spec := &JobSpec{
		Job:    job,
		Phases: clonePhases(phases),
		EnvRaw: seed.envRaw,
	}
	spec.Warnings = append(spec.Warnings, globalWarnings...)
	spec.Warnings = append(spec.Warnings, cellWarnings...)
	return spec
}

// buildIncludeSpec materializes a jobs.include row, inheriting unset
// fields from the top-level configuration.
func buildIncludeSpec(cfg *Config, row IncludeRow, globalPairs []string, globalWarnings []string, decrypt DecryptFunc) *JobSpec {
	osName := model.OSName(row.OS)
	if row.OS == "" {
		osName = cfg.OSes[0]
	}

	language := row.Language
	if language == "" {
		language = cfg.Language
	}

	// A row only inherits the top-level version axis when it kept the
	// top-level language; a generic include row has no version.
	version := row.Version
	if version == "" && language == cfg.Language && len(cfg.Versions) > 0 {
		version = cfg.Versions[0]
	}

	osxImage := row.OsxImage
	if osxImage == "" && osName == model.OSMacOS && len(cfg.OsxImages) > 0 {
		osxImage = cfg.OsxImages[0]
	}

	var envRaw []string
	for _, entry := range row.Env {
		if !entry.Secure {
			envRaw = append(envRaw, entry.Raw)
		}
	}

	var phases map[model.Phase][]string
	if len(row.Phases) > 0 {
		phases = mergePhases(cfg.Phases, row.Phases)
	}

	return buildJobSpec(cfg, jobSeed{
		name:     row.Name,
		os:       osName,
		osxImage: osxImage,
		language: language,
		version:  version,
		dist:     row.Dist,
		envCell:  row.Env,
		envRaw:   strings.Join(envRaw, " "),
		phases:   phases,
	}, globalPairs, globalWarnings, decrypt)
}

// IsZero reports whether the row has no constraints at all. Zero rows
// match nothing; otherwise an accidental empty allow_failures entry
// would mark every job as allowed to fail.
func (m MatchRow) IsZero() bool {
	return m == MatchRow{}
}

// matches reports whether every set field of the row equals the job's
// value.
func (m MatchRow) matches(spec *JobSpec) bool {
	if m.IsZero() {
		return false
	}
	job := spec.Job
	if m.OS != "" && m.OS != string(job.OS) {
		return false
	}
	if m.Language != "" && m.Language != job.Language {
		return false
	}
	if m.Version != "" && m.Version != job.LanguageVersion {
		return false
	}
	if m.Env != "" && m.Env != spec.EnvRaw {
		return false
	}
	if m.Dist != "" && m.Dist != job.Dist {
		return false
	}
	if m.OsxImage != "" && m.OsxImage != job.OsxImage {
		return false
	}
	if m.Name != "" && m.Name != job.Name {
		return false
	}
	return true
}

// matchesAny reports whether any row matches the job.
func matchesAny(rows []MatchRow, spec *JobSpec) bool {
	for _, row := range rows {
		if row.matches(spec) {
			return true
		}
	}
	return false
}

// clonePhases deep-copies a phase map so expanded jobs can be modified
// independently.
func clonePhases(phases map[model.Phase][]string) map[model.Phase][]string {
	clone := make(map[model.Phase][]string, len(phases))
	for phase, commands := range phases {
		if len(commands) == 0 {
			continue
		}
		clone[phase] = append([]string(nil), commands...)
	}
	return clone
}

// mergePhases overlays row phase overrides onto the top-level phases.
func mergePhases(base, overrides map[model.Phase][]string) map[model.Phase][]string {
	merged := clonePhases(base)
	for phase, commands := range overrides {
		merged[phase] = append([]string(nil), commands...)
	}
	return merged
}

// DescribeJob renders a one-line summary of an expanded job for matrix
// listings: os, language/version, image selector, and env.
func DescribeJob(job *model.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s", job.OS, job.Language)
	if job.LanguageVersion != "" {
		fmt.Fprintf(&b, " %s", job.LanguageVersion)
	}
	switch {
	case job.OsxImage != "":
		fmt.Fprintf(&b, " (%s)", job.OsxImage)
	case job.Dist != "":
		fmt.Fprintf(&b, " (%s)", job.Dist)
	}
	if len(job.Env) > 0 {
		fmt.Fprintf(&b, " env=%s", strings.Join(job.Env, " "))
	}
	if job.AllowFailure {
		b.WriteString(" [allowed to fail]")
	}
	return b.String()
}
