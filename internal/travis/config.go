// config.go loads .travis.yml files and normalizes their permissive YAML
// into the Config struct the rest of the runner consumes.
package travis

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lorry-ci/lorry/internal/model"
)

// DefaultDist is the Linux distribution assumed when the configuration
// does not set one.
const DefaultDist = "focal"

// RawConfig mirrors the YAML structure of a .travis.yml file before
// normalization. Fields that Travis allows in multiple shapes (scalar or
// list, string or map) are declared as interface{} and coerced later.
//
// Unrecognized top-level keys land in Rest and surface as lint warnings
// rather than parse errors, matching Travis's own tolerance.
type RawConfig struct {
	// Language selects the job language preset (python, go, generic, ...).
	Language string `yaml:"language"`

	// OS is the target operating system: a string or a list of strings.
	OS interface{} `yaml:"os"`

	// Dist is the Linux distribution codename (xenial, focal, ...).
	Dist string `yaml:"dist"`

	// OsxImage names the macOS toolchain image(s) for osx jobs.
	// A string or a list; a list expands osx jobs into one per image.
	OsxImage interface{} `yaml:"osx_image"`

	// Python lists requested Python versions. Scalar or list; numbers are
	// tolerated ("3.8" may arrive as a YAML float).
	Python interface{} `yaml:"python"`

	// Go lists requested Go versions. Scalar or list.
	Go interface{} `yaml:"go"`

	// Env is the environment section: a string, a list of strings, or a
	// map with global/jobs (or matrix) sub-lists. Entries may be
	// {secure: <blob>} maps.
	Env interface{} `yaml:"env"`

	// Lifecycle phases. Each is a string or a list of shell commands.
	BeforeInstall interface{} `yaml:"before_install"`
	Install       interface{} `yaml:"install"`
	BeforeScript  interface{} `yaml:"before_script"`
	Script        interface{} `yaml:"script"`
	AfterSuccess  interface{} `yaml:"after_success"`
	AfterFailure  interface{} `yaml:"after_failure"`
	AfterScript   interface{} `yaml:"after_script"`

	// Cache configures directory caching: a preset string ("pip"), a list
	// of presets, or a map with a directories list and boolean presets.
	Cache interface{} `yaml:"cache"`

	// Branches holds the safelist/blocklist of branches to build.
	Branches *RawBranches `yaml:"branches"`

	// Jobs declares the explicit matrix: include/exclude rows,
	// allow_failures, fast_finish. Matrix is the historical alias.
	Jobs   *RawJobs `yaml:"jobs"`
	Matrix *RawJobs `yaml:"matrix"`

	// Rest collects every top-level key not named above.
	Rest map[string]interface{} `yaml:",inline"`
}

// RawBranches is the branches section: build only these branches, or
// build everything except these. Entries wrapped in slashes (/.../) are
// regular expressions.
type RawBranches struct {
	Only   []string `yaml:"only"`
	Except []string `yaml:"except"`
}

// RawJobs is the jobs (or matrix) section before normalization. Rows are
// kept as generic maps because include rows accept nearly every top-level
// key, including phase overrides.
type RawJobs struct {
	Include       []map[string]interface{} `yaml:"include"`
	Exclude       []map[string]interface{} `yaml:"exclude"`
	AllowFailures []map[string]interface{} `yaml:"allow_failures"`
	FastFinish    bool                     `yaml:"fast_finish"`
}

// Config is the normalized form of a .travis.yml file. All scalar-or-list
// ambiguity has been resolved; expansion and validation work only with
// this type.
type Config struct {
	// Path is the absolute path the configuration was loaded from.
	// Empty when the config was parsed from bytes.
	Path string `json:"path,omitempty"`

	// Language is the normalized (lowercased) job language.
	Language string `json:"language"`

	// OSes is the operating system expansion axis. Defaults to [linux].
	OSes []model.OSName `json:"oses"`

	// Dist is the Linux distribution codename. Defaults to DefaultDist.
	Dist string `json:"dist"`

	// OsxImages is the macOS image expansion axis for osx jobs.
	// Empty means the backend's default image.
	OsxImages []string `json:"osxImages,omitempty"`

	// Versions is the language version expansion axis (from python: or
	// go:, depending on Language). Empty for version-less languages.
	Versions []string `json:"versions,omitempty"`

	// Env holds the normalized environment section.
	Env EnvConfig `json:"env"`

	// Phases maps each lifecycle phase to its command list.
	Phases map[model.Phase][]string `json:"phases"`

	// Cache is the normalized cache section.
	Cache CacheConfig `json:"cache"`

	// Branches holds the branch safelist/blocklist.
	Branches BranchRules `json:"branches"`

	// Include rows append explicit jobs to the expanded matrix.
	Include []IncludeRow `json:"include,omitempty"`

	// Exclude rows remove matching jobs from the implicit matrix product.
	Exclude []MatchRow `json:"exclude,omitempty"`

	// AllowFailures rows mark matching jobs as non-required.
	AllowFailures []MatchRow `json:"allowFailures,omitempty"`

	// FastFinish finalizes the build result as soon as every required job
	// has finished, canceling still-running allowed-failure jobs.
	FastFinish bool `json:"fastFinish,omitempty"`

	// Warnings collects non-fatal findings from normalization (unknown
	// keys, ignored sections). Surfaced by lorry lint.
	Warnings []string `json:"warnings,omitempty"`
}

// CacheConfig is the normalized cache section.
type CacheConfig struct {
	// Presets holds named cache locations such as "pip" or "npm".
	Presets []string `json:"presets,omitempty"`

	// Directories holds explicit paths to cache. Entries may reference
	// $HOME and other variables, expanded at runtime.
	Directories []string `json:"directories,omitempty"`
}

// Enabled reports whether the configuration caches anything.
func (c CacheConfig) Enabled() bool {
	return len(c.Presets) > 0 || len(c.Directories) > 0
}

// BranchRules is the normalized branches section.
type BranchRules struct {
	Only   []string `json:"only,omitempty"`
	Except []string `json:"except,omitempty"`
}

// IncludeRow is one normalized jobs.include entry: a fully explicit job
// that inherits unset fields from the top-level configuration.
type IncludeRow struct {
	// Name is the optional display name for the job.
	Name string `json:"name,omitempty"`

	// OS overrides the job operating system. Empty inherits the first
	// top-level os value.
	OS string `json:"os,omitempty"`

	// Language overrides the job language.
	Language string `json:"language,omitempty"`

	// Version overrides the language version (from the row's python: or
	// go: key).
	Version string `json:"version,omitempty"`

	// Dist and OsxImage override the execution image selectors.
	Dist     string `json:"dist,omitempty"`
	OsxImage string `json:"osxImage,omitempty"`

	// Env holds the row's env entries. All of them apply to this one job.
	Env []EnvEntry `json:"env,omitempty"`

	// Phases holds per-row phase overrides (an include row may carry its
	// own script, install, etc.).
	Phases map[model.Phase][]string `json:"phases,omitempty"`
}

// MatchRow is a key/value pattern from jobs.exclude or
// jobs.allow_failures. Empty fields match anything; set fields must equal
// the candidate job's value exactly.
type MatchRow struct {
	OS       string `json:"os,omitempty"`
	Language string `json:"language,omitempty"`
	Version  string `json:"version,omitempty"`
	Env      string `json:"env,omitempty"`
	Dist     string `json:"dist,omitempty"`
	OsxImage string `json:"osxImage,omitempty"`
	Name     string `json:"name,omitempty"`
}

// FindTravisYML locates the .travis.yml for a repository by checking the
// start directory and walking up its parents, so the runner works from
// any subdirectory of a checkout.
//
// Returns a CLIError with ExitConfigNotFound when no configuration exists
// anywhere on the path to the filesystem root.
func FindTravisYML(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve directory %s: %w", startDir, err)
	}

	for {
		candidate := filepath.Join(dir, ".travis.yml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", model.NewCLIError(
		model.ExitConfigNotFound,
		fmt.Sprintf(".travis.yml not found in %s or any parent directory", startDir),
	)
}

// Load reads and parses a .travis.yml file.
//
// Returns a CLIError with ExitConfigNotFound if the file does not exist,
// and ExitInvalidConfig if the YAML cannot be parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(
				model.ExitConfigNotFound,
				fmt.Sprintf(".travis.yml not found: %s", path),
				err,
			)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	cfg.Path = abs
	return cfg, nil
}

// Parse parses .travis.yml content and normalizes it into a Config.
//
// Parse is lenient the way Travis is: unknown keys and unsupported
// sections become warnings, not errors. Only malformed YAML and
// structurally impossible values fail.
func Parse(data []byte) (*Config, error) {
	var raw RawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, model.WrapCLIError(
			model.ExitInvalidConfig,
			"failed to parse .travis.yml",
			err,
		)
	}
	return normalize(&raw)
}

// normalize converts a RawConfig into the canonical Config form,
// resolving every scalar-or-list field and collecting warnings.
func normalize(raw *RawConfig) (*Config, error) {
	cfg := &Config{
		Language: strings.ToLower(strings.TrimSpace(raw.Language)),
		Dist:     strings.TrimSpace(raw.Dist),
		Phases:   make(map[model.Phase][]string, 7),
	}

	if cfg.Language == "" {
		cfg.Language = "generic"
		cfg.Warnings = append(cfg.Warnings, "no language set; assuming generic")
	}
	if cfg.Dist == "" {
		cfg.Dist = DefaultDist
	}

	// Operating systems: default linux, preserve declaration order.
	for _, name := range stringList(raw.OS) {
		cfg.OSes = append(cfg.OSes, model.OSName(strings.ToLower(name)))
	}
	if len(cfg.OSes) == 0 {
		cfg.OSes = []model.OSName{model.OSLinux}
	}

	cfg.OsxImages = stringList(raw.OsxImage)

	// Language versions come from the key matching the language; a
	// version list under a different language key is ignored with a
	// warning rather than silently merged.
	switch cfg.Language {
	case "python":
		cfg.Versions = stringList(raw.Python)
		if raw.Go != nil {
			cfg.Warnings = append(cfg.Warnings, "go versions ignored for language python")
		}
	case "go":
		cfg.Versions = stringList(raw.Go)
		if raw.Python != nil {
			cfg.Warnings = append(cfg.Warnings, "python versions ignored for language go")
		}
	default:
		if raw.Python != nil {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("python versions ignored for language %s", cfg.Language))
		}
		if raw.Go != nil {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("go versions ignored for language %s", cfg.Language))
		}
	}
	if versionedLanguage(cfg.Language) && len(cfg.Versions) == 0 {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("no %s versions listed; jobs will run without a pinned version", cfg.Language))
	}

	env, envWarnings, err := normalizeEnv(raw.Env)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidConfig, "invalid env section", err)
	}
	cfg.Env = env
	cfg.Warnings = append(cfg.Warnings, envWarnings...)

	cfg.Phases[model.PhaseBeforeInstall] = stringList(raw.BeforeInstall)
	cfg.Phases[model.PhaseInstall] = stringList(raw.Install)
	cfg.Phases[model.PhaseBeforeScript] = stringList(raw.BeforeScript)
	cfg.Phases[model.PhaseScript] = stringList(raw.Script)
	cfg.Phases[model.PhaseAfterSuccess] = stringList(raw.AfterSuccess)
	cfg.Phases[model.PhaseAfterFailure] = stringList(raw.AfterFailure)
	cfg.Phases[model.PhaseAfterScript] = stringList(raw.AfterScript)

	cache, cacheWarnings := normalizeCache(raw.Cache)
	cfg.Cache = cache
	cfg.Warnings = append(cfg.Warnings, cacheWarnings...)

	if raw.Branches != nil {
		cfg.Branches = BranchRules{
			Only:   raw.Branches.Only,
			Except: raw.Branches.Except,
		}
	}

	// jobs: is the current name, matrix: the historical alias. When both
	// are present, jobs wins.
	jobs := raw.Jobs
	if jobs == nil {
		jobs = raw.Matrix
	} else if raw.Matrix != nil {
		cfg.Warnings = append(cfg.Warnings, "both jobs and matrix sections present; using jobs")
	}
	if jobs != nil {
		cfg.FastFinish = jobs.FastFinish
		for i, row := range jobs.Include {
			include, rowWarnings, err := normalizeIncludeRow(row, cfg)
			if err != nil {
				return nil, model.WrapCLIError(
					model.ExitInvalidConfig,
					fmt.Sprintf("invalid jobs.include entry %d", i+1),
					err,
				)
			}
			cfg.Include = append(cfg.Include, include)
			cfg.Warnings = append(cfg.Warnings, rowWarnings...)
		}
		for _, row := range jobs.Exclude {
			cfg.Exclude = append(cfg.Exclude, normalizeMatchRow(row))
		}
		for _, row := range jobs.AllowFailures {
			cfg.AllowFailures = append(cfg.AllowFailures, normalizeMatchRow(row))
		}
	}

	cfg.Warnings = append(cfg.Warnings, restWarnings(raw.Rest)...)

	return cfg, nil
}

// includeRowPhaseKeys maps include-row YAML keys to lifecycle phases.
var includeRowPhaseKeys = map[string]model.Phase{
	"before_install": model.PhaseBeforeInstall,
	"install":        model.PhaseInstall,
	"before_script":  model.PhaseBeforeScript,
	"script":         model.PhaseScript,
	"after_success":  model.PhaseAfterSuccess,
	"after_failure":  model.PhaseAfterFailure,
	"after_script":   model.PhaseAfterScript,
}

// normalizeIncludeRow converts one jobs.include map into an IncludeRow.
// The row's language decides which version key (python/go) applies; when
// the row sets no language it inherits the top-level one.
func normalizeIncludeRow(row map[string]interface{}, cfg *Config) (IncludeRow, []string, error) {
	var warnings []string
	include := IncludeRow{}

	include.Name = scalarString(row["name"])
	include.OS = strings.ToLower(scalarString(row["os"]))
	include.Language = strings.ToLower(scalarString(row["language"]))
	include.Dist = scalarString(row["dist"])
	include.OsxImage = scalarString(row["osx_image"])

	language := include.Language
	if language == "" {
		language = cfg.Language
	}
	switch language {
	case "python":
		include.Version = scalarString(row["python"])
	case "go":
		include.Version = scalarString(row["go"])
	default:
		if _, ok := row["python"]; ok {
			warnings = append(warnings, fmt.Sprintf("jobs.include: python version ignored for language %s", language))
		}
	}

	if rawEnv, ok := row["env"]; ok {
		entries, err := envEntries(rawEnv)
		if err != nil {
			return IncludeRow{}, nil, err
		}
		include.Env = entries
	}

	for key, phase := range includeRowPhaseKeys {
		if v, ok := row[key]; ok {
			if include.Phases == nil {
				include.Phases = make(map[model.Phase][]string)
			}
			include.Phases[phase] = stringList(v)
		}
	}

	return include, warnings, nil
}

// normalizeMatchRow converts a jobs.exclude or jobs.allow_failures map
// into a MatchRow. The version is read from whichever language version
// key the row carries.
func normalizeMatchRow(row map[string]interface{}) MatchRow {
	match := MatchRow{
		OS:       strings.ToLower(scalarString(row["os"])),
		Language: strings.ToLower(scalarString(row["language"])),
		Env:      scalarString(row["env"]),
		Dist:     scalarString(row["dist"]),
		OsxImage: scalarString(row["osx_image"]),
		Name:     scalarString(row["name"]),
	}
	if v := scalarString(row["python"]); v != "" {
		match.Version = v
	} else if v := scalarString(row["go"]); v != "" {
		match.Version = v
	}
	return match
}

// normalizeCache resolves the three cache shapes into CacheConfig.
func normalizeCache(v interface{}) (CacheConfig, []string) {
	var cache CacheConfig
	var warnings []string

	switch value := v.(type) {
	case nil:
	case string:
		cache.Presets = append(cache.Presets, value)
	case []interface{}:
		for _, item := range value {
			if s, ok := formatScalar(item); ok {
				cache.Presets = append(cache.Presets, s)
			}
		}
	case map[string]interface{}:
		// Map form: a directories list plus boolean presets (pip: true).
		for key, item := range value {
			switch key {
			case "directories":
				cache.Directories = stringList(item)
			case "timeout", "branch":
				warnings = append(warnings, fmt.Sprintf("cache.%s is not supported and was ignored", key))
			default:
				if enabled, ok := item.(bool); ok {
					if enabled {
						cache.Presets = append(cache.Presets, key)
					}
				} else {
					warnings = append(warnings, fmt.Sprintf("cache.%s has an unrecognized value and was ignored", key))
				}
			}
		}
		sort.Strings(cache.Presets)
	default:
		warnings = append(warnings, "cache section has an unrecognized shape and was ignored")
	}

	for _, preset := range cache.Presets {
		if !KnownCachePreset(preset) {
			warnings = append(warnings, fmt.Sprintf("unknown cache preset %q ignored", preset))
		}
	}

	return cache, warnings
}

// versionedLanguage reports whether the language has a version axis.
func versionedLanguage(language string) bool {
	return language == "python" || language == "go"
}

// knownIgnoredKeys are top-level Travis keys lorry understands enough to
// name in a warning but deliberately does not execute.
var knownIgnoredKeys = map[string]string{
	"notifications": "notifications are not supported",
	"deploy":        "deploy providers are not supported",
	"services":      "services are not provisioned; start them in before_install instead",
	"addons":        "addons are not provisioned",
	"sudo":          "sudo has no effect (obsolete on Travis as well)",
	"git":           "git depth/submodule options are not supported",
	"stages":        "build stages are not supported; jobs run as one concurrent group",
}

// restWarnings produces one warning per unrecognized top-level key, in
// stable alphabetical order.
func restWarnings(rest map[string]interface{}) []string {
	if len(rest) == 0 {
		return nil
	}

	keys := make([]string, 0, len(rest))
	for key := range rest {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	warnings := make([]string, 0, len(keys))
	for _, key := range keys {
		if reason, ok := knownIgnoredKeys[key]; ok {
			warnings = append(warnings, fmt.Sprintf("%s: %s", key, reason))
		} else {
			warnings = append(warnings, fmt.Sprintf("unknown key %q ignored", key))
		}
	}
	return warnings
}

// stringList coerces a scalar-or-list YAML value into a string slice.
// Numbers are formatted the way they were written where possible
// (3.8 → "3.8"), since version lists frequently omit quotes.
func stringList(v interface{}) []string {
	switch value := v.(type) {
	case nil:
		return nil
	case []interface{}:
		list := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := formatScalar(item); ok {
				list = append(list, s)
			}
		}
		return list
	default:
		if s, ok := formatScalar(v); ok {
			return []string{s}
		}
		return nil
	}
}

// scalarString coerces a single YAML scalar into a string, returning ""
// for nil and non-scalar values.
func scalarString(v interface{}) string {
	s, _ := formatScalar(v)
	return s
}

// formatScalar renders a YAML scalar value as a string.
func formatScalar(v interface{}) (string, bool) {
	switch value := v.(type) {
	case string:
		return value, true
	case int:
		return strconv.Itoa(value), true
	case int64:
		return strconv.FormatInt(value, 10), true
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(value), true
	default:
		return "", false
	}
}
