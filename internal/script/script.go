// script.go generates the per-job bash build script.
package script

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/travis"
)

// Options controls build-script generation for one job.
type Options struct {
	// BuildDir is the checkout directory the script cds into. Exported
	// as TRAVIS_BUILD_DIR.
	BuildDir string

	// Env is the complete injected environment in precedence order,
	// usually from Environment. Later entries override earlier ones.
	Env []string
}

// Environment composes the injected job environment: CI metadata first,
// then the job's matrix env, then caller overrides, so later sources win
// when the same key repeats.
func Environment(build *model.Build, job *model.Job, buildDir string, overrides []string) []string {
	vars := []string{
		"CI=true",
		"TRAVIS=true",
		"CONTINUOUS_INTEGRATION=true",
		"TRAVIS_OS_NAME=" + string(job.OS),
		"TRAVIS_BUILD_DIR=" + buildDir,
		"TRAVIS_BUILD_ID=" + build.ID,
		"TRAVIS_BUILD_NUMBER=" + strconv.FormatInt(build.Number, 10),
		"TRAVIS_JOB_ID=" + job.ID,
		"TRAVIS_JOB_NUMBER=" + job.Number,
		"TRAVIS_BRANCH=" + build.Branch,
		"TRAVIS_COMMIT=" + build.Commit,
		"TRAVIS_EVENT_TYPE=" + string(build.EventType),
	}

	if job.Dist != "" {
		vars = append(vars, "TRAVIS_DIST="+job.Dist)
	}
	if job.OsxImage != "" {
		vars = append(vars, "TRAVIS_OSX_IMAGE="+job.OsxImage)
	}
	if job.LanguageVersion != "" {
		switch job.Language {
		case "python":
			vars = append(vars, "TRAVIS_PYTHON_VERSION="+job.LanguageVersion)
		case "go":
			vars = append(vars, "TRAVIS_GO_VERSION="+job.LanguageVersion)
		}
	}

	vars = append(vars, job.Env...)
	vars = append(vars, overrides...)
	return vars
}

// envKeyRegex limits exported names to valid shell identifiers.
var envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Generate compiles a job into a bash build script.
//
// Script layout:
//
//	header and marker helper
//	environment exports, cd into the build dir
//	one shell function per configured phase
//	a driver that runs setup, script, and the result-dependent hooks
//
// The driver exits 0 when the job passed, 1 when the script phase
// failed, and 2 when a setup phase errored, mirroring the runner's
// build exit codes.
func Generate(spec *travis.JobSpec, opts Options) ([]byte, error) {
	if spec == nil || spec.Job == nil {
		return nil, fmt.Errorf("job spec must not be nil")
	}

	var b bytes.Buffer
	job := spec.Job

	fmt.Fprintf(&b, "#!/bin/bash\n")
	fmt.Fprintf(&b, "# Build script generated by lorry for job %s (%s/%s). Do not edit.\n", job.Number, job.OS, job.Language)
	b.WriteString("\n")
	b.WriteString("lorry_mark() {\n")
	b.WriteString("  printf '##[lorry:%s]\\n' \"$1\"\n")
	b.WriteString("}\n\n")

	for _, pair := range opts.Env {
		key, value, found := strings.Cut(pair, "=")
		if !found || !envKeyRegex.MatchString(key) {
			continue
		}
		fmt.Fprintf(&b, "export %s=%s\n", key, shQuote(value))
	}
	b.WriteString("\n")

	if opts.BuildDir != "" {
		fmt.Fprintf(&b, "cd %s || exit 2\n\n", shQuote(opts.BuildDir))
	}

	b.WriteString("LORRY_TEST_RESULT=0\n\n")

	for _, phase := range model.Phases() {
		commands := spec.Commands(phase)
		if len(commands) == 0 {
			continue
		}
		writePhaseFunction(&b, phase, commands)
	}

	writeDriver(&b, spec)

	return b.Bytes(), nil
}

// writePhaseFunction emits one shell function per phase. The function
// brackets every command with markers; its return value is the phase
// result.
func writePhaseFunction(b *bytes.Buffer, phase model.Phase, commands []string) {
	fmt.Fprintf(b, "lorry_phase_%s() {\n", phase)
	fmt.Fprintf(b, "  local phase_start=$(date +%%s)\n")
	fmt.Fprintf(b, "  local phase_result=0\n")
	fmt.Fprintf(b, "  local cmd_start\n")
	fmt.Fprintf(b, "  local cmd_result\n")
	fmt.Fprintf(b, "  lorry_mark 'phase:%s:start'\n", phase)

	for i, command := range commands {
		fmt.Fprintf(b, "\n  lorry_mark 'cmd:%s:%d:start'\n", phase, i)
		fmt.Fprintf(b, "  cmd_start=$(date +%%s)\n")
		fmt.Fprintf(b, "  printf '%%s\\n' %s\n", shQuote("$ "+command))
		fmt.Fprintf(b, "  %s\n", command)
		fmt.Fprintf(b, "  cmd_result=$?\n")
		fmt.Fprintf(b, "  lorry_mark \"cmd:%s:%d:exit:${cmd_result}:d=$(( $(date +%%s) - cmd_start ))\"\n", phase, i)

		switch {
		case phase.Setup():
			// Setup phases stop at the first failure; the job errors.
			fmt.Fprintf(b, "  if [ \"$cmd_result\" -ne 0 ]; then\n")
			fmt.Fprintf(b, "    lorry_mark \"phase:%s:exit:${cmd_result}:d=$(( $(date +%%s) - phase_start ))\"\n", phase)
			fmt.Fprintf(b, "    return \"$cmd_result\"\n")
			fmt.Fprintf(b, "  fi\n")
		default:
			// The script phase and the hooks run every command; the
			// first non-zero exit decides the phase result.
			fmt.Fprintf(b, "  if [ \"$phase_result\" -eq 0 ] && [ \"$cmd_result\" -ne 0 ]; then\n")
			fmt.Fprintf(b, "    phase_result=$cmd_result\n")
			fmt.Fprintf(b, "  fi\n")
		}
	}

	fmt.Fprintf(b, "\n  lorry_mark \"phase:%s:exit:${phase_result}:d=$(( $(date +%%s) - phase_start ))\"\n", phase)
	fmt.Fprintf(b, "  return \"$phase_result\"\n")
	fmt.Fprintf(b, "}\n\n")
}

// writeDriver emits the main sequence: setup phases fail fast into the
// failure hooks, the script phase accumulates, and hook selection keys
// on the combined result.
func writeDriver(b *bytes.Buffer, spec *travis.JobSpec) {
	b.WriteString("LORRY_SETUP_RESULT=0\n")

	for _, phase := range []model.Phase{model.PhaseBeforeInstall, model.PhaseInstall, model.PhaseBeforeScript} {
		if len(spec.Commands(phase)) == 0 {
			continue
		}
		fmt.Fprintf(b, "if [ \"$LORRY_SETUP_RESULT\" -eq 0 ]; then\n")
		fmt.Fprintf(b, "  lorry_phase_%s\n", phase)
		fmt.Fprintf(b, "  LORRY_SETUP_RESULT=$?\n")
		fmt.Fprintf(b, "fi\n")
	}
	b.WriteString("\n")

	if len(spec.Commands(model.PhaseScript)) > 0 {
		b.WriteString("if [ \"$LORRY_SETUP_RESULT\" -eq 0 ]; then\n")
		fmt.Fprintf(b, "  lorry_phase_%s\n", model.PhaseScript)
		b.WriteString("  LORRY_TEST_RESULT=$?\n")
		b.WriteString("fi\n\n")
	}

	hasSuccess := len(spec.Commands(model.PhaseAfterSuccess)) > 0
	hasFailure := len(spec.Commands(model.PhaseAfterFailure)) > 0
	if hasSuccess || hasFailure {
		b.WriteString("if [ \"$LORRY_SETUP_RESULT\" -eq 0 ] && [ \"$LORRY_TEST_RESULT\" -eq 0 ]; then\n")
		if hasSuccess {
			fmt.Fprintf(b, "  lorry_phase_%s\n", model.PhaseAfterSuccess)
		} else {
			b.WriteString("  :\n")
		}
		b.WriteString("else\n")
		if hasFailure {
			fmt.Fprintf(b, "  lorry_phase_%s\n", model.PhaseAfterFailure)
		} else {
			b.WriteString("  :\n")
		}
		b.WriteString("fi\n")
	}

	if len(spec.Commands(model.PhaseAfterScript)) > 0 {
		fmt.Fprintf(b, "lorry_phase_%s\n", model.PhaseAfterScript)
	}
	b.WriteString("\n")

	b.WriteString("if [ \"$LORRY_SETUP_RESULT\" -ne 0 ]; then\n")
	b.WriteString("  exit 2\n")
	b.WriteString("fi\n")
	b.WriteString("if [ \"$LORRY_TEST_RESULT\" -ne 0 ]; then\n")
	b.WriteString("  exit 1\n")
	b.WriteString("fi\n")
	b.WriteString("exit 0\n")
}

// shQuote wraps a string in single quotes for safe embedding in the
// generated script, escaping embedded single quotes.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
