// Package cli — run_test.go contains unit tests for the pure helper
// functions used by the run command and the other CLI output helpers.
//
// These tests verify selection, env merging and formatting logic without
// requiring a Docker daemon or any external dependencies.
package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/travis"
)

// matrixSpecs builds a three-job matrix for build 4, the shape the
// selection tests slice up.
func matrixSpecs() []*travis.JobSpec {
	var specs []*travis.JobSpec
	for i, osName := range []model.OSName{model.OSLinux, model.OSLinux, model.OSMacOS} {
		specs = append(specs, &travis.JobSpec{
			Job: &model.Job{
				Number: model.JobNumber(4, i),
				OS:     osName,
			},
		})
	}
	return specs
}

// TestSelectJobs verifies the --job selection: bare integers match the
// index part, dotted selectors match the full job number.
func TestSelectJobs(t *testing.T) {
	tests := []struct {
		name      string
		selectors []string
		want      []string
	}{
		{
			name:      "no selectors keeps every job",
			selectors: nil,
			want:      []string{"4.1", "4.2", "4.3"},
		},
		{
			name:      "bare index",
			selectors: []string{"2"},
			want:      []string{"4.2"},
		},
		{
			name:      "full job number",
			selectors: []string{"4.3"},
			want:      []string{"4.3"},
		},
		{
			name:      "multiple selectors",
			selectors: []string{"1", "4.3"},
			want:      []string{"4.1", "4.3"},
		},
		{
			name:      "dotted selector must match the build part too",
			selectors: []string{"1.2", "2"},
			want:      []string{"4.2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selected, err := selectJobs(matrixSpecs(), tt.selectors)
			require.NoError(t, err)

			var got []string
			for _, spec := range selected {
				got = append(got, spec.Job.Number)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestSelectJobs_NoMatch verifies that a selector matching nothing is
// an error rather than a silently empty build.
func TestSelectJobs_NoMatch(t *testing.T) {
	_, err := selectJobs(matrixSpecs(), []string{"9"})
	require.Error(t, err)

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitInvalidConfig, cliErr.Code)
	assert.Contains(t, cliErr.Message, "no jobs match")
}

// TestCollectExtraEnv verifies merging of --env-file pairs with --env
// flags, flags last.
func TestCollectExtraEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "ci.env")
	require.NoError(t, os.WriteFile(envFile, []byte("ALPHA=1\nBETA=two\n"), 0o644))

	pairs, err := collectExtraEnv(envFile, []string{"GAMMA=3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ALPHA=1", "BETA=two", "GAMMA=3"}, pairs)
}

// TestCollectExtraEnv_FlagsOnly verifies --env works without a file.
func TestCollectExtraEnv_FlagsOnly(t *testing.T) {
	pairs, err := collectExtraEnv("", []string{"A=1", "B=with=equals"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=with=equals"}, pairs)
}

// TestCollectExtraEnv_Malformed verifies that a pair without "=" is
// rejected.
func TestCollectExtraEnv_Malformed(t *testing.T) {
	_, err := collectExtraEnv("", []string{"NOVALUE"})
	require.Error(t, err)

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitInvalidConfig, cliErr.Code)
}

// TestCollectExtraEnv_MissingFile verifies a missing --env-file errors
// instead of being ignored.
func TestCollectExtraEnv_MissingFile(t *testing.T) {
	_, err := collectExtraEnv(filepath.Join(t.TempDir(), "nope.env"), nil)
	require.Error(t, err)
}

// TestJobLanguage verifies the language column rendering.
func TestJobLanguage(t *testing.T) {
	tests := []struct {
		name string
		job  *model.Job
		want string
	}{
		{
			name: "language with version",
			job:  &model.Job{Language: "python", LanguageVersion: "3.8"},
			want: "python 3.8",
		},
		{
			name: "version-less language",
			job:  &model.Job{Language: "generic"},
			want: "generic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, jobLanguage(tt.job))
		})
	}
}

// TestJobStatusLabel verifies the "(allowed)" marker appears only on
// allowed failures.
func TestJobStatusLabel(t *testing.T) {
	tests := []struct {
		name string
		job  *model.Job
		want string
	}{
		{
			name: "plain passed",
			job:  &model.Job{Status: model.JobPassed},
			want: "passed",
		},
		{
			name: "plain failed",
			job:  &model.Job{Status: model.JobFailed},
			want: "failed",
		},
		{
			name: "allowed failure",
			job:  &model.Job{Status: model.JobFailed, AllowFailure: true},
			want: "failed (allowed)",
		},
		{
			name: "allowed error",
			job:  &model.Job{Status: model.JobErrored, AllowFailure: true},
			want: "errored (allowed)",
		},
		{
			name: "allowed job that passed gets no marker",
			job:  &model.Job{Status: model.JobPassed, AllowFailure: true},
			want: "passed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, jobStatusLabel(tt.job))
		})
	}
}

// TestElapsedFormatting verifies duration rendering for finished and
// never-started builds and jobs.
func TestElapsedFormatting(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	build := &model.Build{StartedAt: start, FinishedAt: start.Add(31400 * time.Millisecond)}
	assert.Equal(t, "31s", buildElapsed(build))
	assert.Equal(t, "-", buildElapsed(&model.Build{}))

	job := &model.Job{StartedAt: start, FinishedAt: start.Add(90 * time.Second)}
	assert.Equal(t, "1m30s", jobElapsed(job))
	assert.Equal(t, "-", jobElapsed(&model.Job{Status: model.JobSkipped}))
}

// TestSummarizeJobs verifies the history jobs column.
func TestSummarizeJobs(t *testing.T) {
	build := &model.Build{
		Jobs: []*model.Job{
			{Status: model.JobPassed},
			{Status: model.JobFailed},
			{Status: model.JobPassed},
		},
	}
	assert.Equal(t, "2/3 passed", summarizeJobs(build))

	assert.Equal(t, "0/0 passed", summarizeJobs(&model.Build{}))
}

// TestSnapshotBuild verifies the trigger response is isolated from the
// runner's later mutations.
func TestSnapshotBuild(t *testing.T) {
	original := &model.Build{
		ID:     "b-1",
		Number: 7,
		Status: model.BuildPending,
		Jobs: []*model.Job{
			{ID: "j-1", Number: "7.1", Status: model.JobPending},
		},
	}

	snapshot := snapshotBuild(original)

	original.Status = model.BuildRunning
	original.Jobs[0].Status = model.JobRunning

	assert.Equal(t, model.BuildPending, snapshot.Status)
	assert.Equal(t, model.JobPending, snapshot.Jobs[0].Status)
	assert.Equal(t, "7.1", snapshot.Jobs[0].Number)
}
