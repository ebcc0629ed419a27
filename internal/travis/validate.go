// validate.go checks normalized configurations for problems that would
// make a build meaningless, and decides branch eligibility.
package travis

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lorry-ci/lorry/internal/model"
)

// ValidationError represents a specific validation failure in a
// .travis.yml file.
type ValidationError struct {
	// Field is the configuration key that failed validation (e.g. "script").
	Field string

	// Message describes what's wrong with the field value.
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf(".travis.yml validation error: %s: %s", e.Field, e.Message)
}

// Validate performs conformance checks on a normalized configuration.
// It returns a list of validation errors (empty list = valid). Non-fatal
// findings are not errors; those accumulate in Config.Warnings during
// parsing.
//
// Checks performed:
//   - os values are recognized (linux, osx, windows)
//   - a script phase exists, either top-level or on every include row
//   - env entries split into KEY=VALUE pairs
//   - branch patterns written as /regex/ compile
//   - include rows reference recognized os values
func Validate(cfg *Config) []ValidationError {
	var errors []ValidationError

	for _, osName := range cfg.OSes {
		if !osName.IsValid() {
			errors = append(errors, ValidationError{
				Field:   "os",
				Message: fmt.Sprintf("unknown operating system %q (valid: linux, osx, windows)", osName),
			})
		}
	}

	// Every job needs a script phase: it is the only phase whose result
	// defines pass/fail. A missing top-level script is acceptable only
	// when every include row supplies its own.
	if len(cfg.Phases[model.PhaseScript]) == 0 {
		covered := len(cfg.Include) > 0
		for _, row := range cfg.Include {
			if len(row.Phases[model.PhaseScript]) == 0 {
				covered = false
				break
			}
		}
		if !covered {
			errors = append(errors, ValidationError{
				Field:   "script",
				Message: "script phase is required: add at least one command",
			})
		}
	}

	errors = append(errors, validateEnvEntries("env.global", cfg.Env.Global)...)
	errors = append(errors, validateEnvEntries("env.jobs", cfg.Env.Jobs)...)
	for i, row := range cfg.Include {
		field := fmt.Sprintf("jobs.include[%d]", i)
		if row.OS != "" && !model.OSName(row.OS).IsValid() {
			errors = append(errors, ValidationError{
				Field:   field + ".os",
				Message: fmt.Sprintf("unknown operating system %q", row.OS),
			})
		}
		errors = append(errors, validateEnvEntries(field+".env", row.Env)...)
	}

	errors = append(errors, validateBranchPatterns("branches.only", cfg.Branches.Only)...)
	errors = append(errors, validateBranchPatterns("branches.except", cfg.Branches.Except)...)

	return errors
}

// validateEnvEntries checks that plain env entries split into KEY=VALUE
// pairs. Secure entries are opaque until decryption and skipped here.
func validateEnvEntries(field string, entries []EnvEntry) []ValidationError {
	var errors []ValidationError
	for _, entry := range entries {
		if entry.Secure {
			continue
		}
		if entry.Raw == "" {
			continue
		}
		if _, err := SplitEnvPairs(entry.Raw); err != nil {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: err.Error(),
			})
		}
	}
	return errors
}

// validateBranchPatterns checks that /regex/ branch patterns compile.
func validateBranchPatterns(field string, patterns []string) []ValidationError {
	var errors []ValidationError
	for _, pattern := range patterns {
		expr, ok := regexPattern(pattern)
		if !ok {
			continue
		}
		if _, err := regexp.Compile(expr); err != nil {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid branch pattern %s: %v", pattern, err),
			})
		}
	}
	return errors
}

// ShouldRunBranch applies the branches safelist/blocklist to a branch
// name. An empty branch (non-git directory) always runs; gating by
// branch requires knowing one.
func ShouldRunBranch(rules BranchRules, branch string) bool {
	if branch == "" {
		return true
	}
	if len(rules.Only) > 0 && !branchMatchesAny(rules.Only, branch) {
		return false
	}
	if len(rules.Except) > 0 && branchMatchesAny(rules.Except, branch) {
		return false
	}
	return true
}

// branchMatchesAny reports whether the branch matches any pattern.
// Patterns wrapped in slashes are regular expressions; everything else
// is an exact name.
func branchMatchesAny(patterns []string, branch string) bool {
	for _, pattern := range patterns {
		if expr, ok := regexPattern(pattern); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				continue
			}
			if re.MatchString(branch) {
				return true
			}
			continue
		}
		if pattern == branch {
			return true
		}
	}
	return false
}

// regexPattern unwraps /.../-style patterns, reporting whether the
// pattern was one.
func regexPattern(pattern string) (string, bool) {
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		return pattern[1 : len(pattern)-1], true
	}
	return "", false
}

// cachePresetDirs maps cache presets to the directories they conventionally
// cover. Values may reference $HOME; the runner resolves them against the
// real home directory before snapshotting.
var cachePresetDirs = map[string]string{
	"pip":       "$HOME/.cache/pip",
	"npm":       "$HOME/.npm",
	"yarn":      "$HOME/.cache/yarn",
	"bundler":   "vendor/bundle",
	"ccache":    "$HOME/.ccache",
	"cargo":     "$HOME/.cargo",
	"cocoapods": "Pods",
}

// KnownCachePreset reports whether the preset has a directory mapping.
func KnownCachePreset(name string) bool {
	_, ok := cachePresetDirs[name]
	return ok
}

// CacheDirs resolves the cache section into the directory list to
// snapshot: preset directories first, then explicit directories, in
// declaration order. Unknown presets are dropped (parsing already warned
// about them).
func CacheDirs(cache CacheConfig) []string {
	var dirs []string
	for _, preset := range cache.Presets {
		if dir, ok := cachePresetDirs[preset]; ok {
			dirs = append(dirs, dir)
		}
	}
	dirs = append(dirs, cache.Directories...)
	return dirs
}
