package buildlog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/lorry-ci/lorry/internal/model"
)

// TestJobWriter verifies log files land under builds/<id>/ with the job
// number in the name.
func TestJobWriter(t *testing.T) {
	dataDir := t.TempDir()
	sink, err := NewSink(dataDir, "b-1234")
	require.NoError(t, err)

	w, path, err := sink.JobWriter(&model.Job{Number: "1.2"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dataDir, "builds", "b-1234", "job-1.2.log"), path)

	_, err = w.Write([]byte("$ pip install pytest\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "$ pip install pytest\n", string(data))
}

// TestWriter_Concurrent verifies interleaved writers never lose lines.
func TestWriter_Concurrent(t *testing.T) {
	sink, err := NewSink(t.TempDir(), "b-conc")
	require.NoError(t, err)
	w, path, err := sink.JobWriter(&model.Job{Number: "1.1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := w.Write([]byte("line\n"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8*50, strings.Count(string(data), "line\n"))
}

// TestNewPrefixWriter verifies every line gets the prefix exactly once,
// even when writes split lines mid-way.
func TestNewPrefixWriter(t *testing.T) {
	var out bytes.Buffer
	w := NewPrefixWriter(&out, "[1.2] ")

	for _, chunk := range []string{"first li", "ne\nsecond line\npar", "tial"} {
		n, err := w.Write([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}

	assert.Equal(t, "[1.2] first line\n[1.2] second line\n[1.2] partial", out.String())
}

// reportTestBuild returns a finished build with one passed and one
// failed job, including phase results.
func reportTestBuild() *model.Build {
	started := time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)
	return &model.Build{
		ID:         "b-report",
		Number:     7,
		RepoDir:    "/repos/sparse-ml",
		ConfigPath: "/repos/sparse-ml/.travis.yml",
		Branch:     "master",
		EventType:  model.EventPush,
		Status:     model.BuildFailed,
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Jobs: []*model.Job{
			{
				Number:          "7.1",
				OS:              model.OSLinux,
				Language:        "python",
				LanguageVersion: "3.8.0",
				Status:          model.JobPassed,
				LogPath:         "/data/builds/b-report/job-7.1.log",
				StartedAt:       started,
				FinishedAt:      started.Add(80 * time.Second),
				Phases: []model.PhaseResult{
					{
						Phase:    model.PhaseInstall,
						ExitCode: 0,
						Duration: 42 * time.Second,
						Commands: []model.CommandResult{
							{Command: "pip install pytest coverage", ExitCode: 0, Duration: 42 * time.Second},
						},
					},
					{
						Phase:    model.PhaseScript,
						ExitCode: 0,
						Duration: 30 * time.Second,
					},
				},
			},
			{
				Number:   "7.2",
				OS:       model.OSMacOS,
				Language: "generic",
				Status:   model.JobFailed,
				Phases: []model.PhaseResult{
					{Phase: model.PhaseScript, ExitCode: 1, Duration: 12 * time.Second},
				},
			},
		},
	}
}

// TestWriteReport verifies the rendered YAML carries the header comment
// and parses back into the same report.
func TestWriteReport(t *testing.T) {
	sink, err := NewSink(t.TempDir(), "b-report")
	require.NoError(t, err)

	path, err := sink.WriteReport(reportTestBuild())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sink.Dir(), ReportFileName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "# Build report for build 7, generated by lorry.\n"))
	assert.Contains(t, text, "status: failed")
	assert.Contains(t, text, "number: \"7.1\"")
	assert.Contains(t, text, "exit_code: 1")

	var report Report
	require.NoError(t, yaml.Unmarshal(data, &report))
	assert.Equal(t, int64(7), report.Build.Number)
	assert.Equal(t, "1m30s", report.Build.Duration)
	require.Len(t, report.Jobs, 2)
	assert.Equal(t, "passed", report.Jobs[0].Status)
	assert.Equal(t, 0, report.Jobs[0].Result)
	assert.Equal(t, 1, report.Jobs[1].Result)
	require.Len(t, report.Jobs[0].Phases, 2)
	assert.Equal(t, "install", report.Jobs[0].Phases[0].Phase)
	require.Len(t, report.Jobs[0].Phases[0].Commands, 1)
	assert.Equal(t, "pip install pytest coverage", report.Jobs[0].Phases[0].Commands[0].Command)
	assert.Equal(t, "failed", report.Jobs[1].Status)
	assert.Empty(t, report.Jobs[1].Duration, "job without timestamps has no duration")
}

// TestNewReport_EnvNotIncluded documents that env pairs never reach the
// report, since secure entries are decrypted by then.
func TestNewReport_EnvNotIncluded(t *testing.T) {
	build := reportTestBuild()
	build.Jobs[0].Env = []string{"COVERALLS_TOKEN=super-secret"}

	sink, err := NewSink(t.TempDir(), build.ID)
	require.NoError(t, err)
	path, err := sink.WriteReport(build)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret")
}
