package buildlog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorry-ci/lorry/internal/model"
)

// ReportFileName is the report's file name inside the build directory.
const ReportFileName = "report.yml"

// Report is the YAML document written next to the job logs once a build
// finishes. It mirrors the build model but keeps only what a reader
// skimming results needs: no env (may hold secrets), no raw output.
type Report struct {
	Build ReportBuild `yaml:"build"`
	Jobs  []ReportJob `yaml:"jobs"`
}

// ReportBuild summarizes the build itself.
type ReportBuild struct {
	ID       string `yaml:"id"`
	Number   int64  `yaml:"number"`
	Repo     string `yaml:"repo"`
	Branch   string `yaml:"branch,omitempty"`
	Commit   string `yaml:"commit,omitempty"`
	Event    string `yaml:"event"`
	Status   string `yaml:"status"`
	Duration string `yaml:"duration,omitempty"`
}

// ReportJob summarizes one job and its phases.
type ReportJob struct {
	Number       string `yaml:"number"`
	Name         string `yaml:"name,omitempty"`
	OS           string `yaml:"os"`
	Language     string `yaml:"language"`
	Version      string `yaml:"version,omitempty"`
	AllowFailure bool   `yaml:"allow_failure,omitempty"`
	Status       string `yaml:"status"`

	// Result is the script-phase exit code: 0 when it passed, the first
	// failing exit otherwise, -1 when the script phase never ran.
	Result int `yaml:"result"`

	Duration string        `yaml:"duration,omitempty"`
	Log      string        `yaml:"log,omitempty"`
	Phases   []ReportPhase `yaml:"phases,omitempty"`
}

// ReportPhase summarizes one lifecycle phase of a job.
type ReportPhase struct {
	Phase    string          `yaml:"phase"`
	ExitCode int             `yaml:"exit_code"`
	Duration string          `yaml:"duration"`
	Commands []ReportCommand `yaml:"commands,omitempty"`
}

// ReportCommand records one command's outcome.
type ReportCommand struct {
	Command  string `yaml:"command"`
	ExitCode int    `yaml:"exit_code"`
	Duration string `yaml:"duration"`
}

// NewReport flattens a finished build into its report form.
func NewReport(build *model.Build) *Report {
	r := &Report{
		Build: ReportBuild{
			ID:       build.ID,
			Number:   build.Number,
			Repo:     build.RepoDir,
			Branch:   build.Branch,
			Commit:   build.Commit,
			Event:    string(build.EventType),
			Status:   string(build.Status),
			Duration: spanString(build.StartedAt, build.FinishedAt),
		},
	}

	for _, job := range build.Jobs {
		rj := ReportJob{
			Number:       job.Number,
			Name:         job.Name,
			OS:           string(job.OS),
			Language:     job.Language,
			Version:      job.LanguageVersion,
			AllowFailure: job.AllowFailure,
			Status:       string(job.Status),
			Result:       job.Result(),
			Duration:     spanString(job.StartedAt, job.FinishedAt),
			Log:          job.LogPath,
		}
		for _, phase := range job.Phases {
			rp := ReportPhase{
				Phase:    string(phase.Phase),
				ExitCode: phase.ExitCode,
				Duration: phase.Duration.String(),
			}
			for _, cmd := range phase.Commands {
				rp.Commands = append(rp.Commands, ReportCommand{
					Command:  cmd.Command,
					ExitCode: cmd.ExitCode,
					Duration: cmd.Duration.String(),
				})
			}
			rj.Phases = append(rj.Phases, rp)
		}
		r.Jobs = append(r.Jobs, rj)
	}
	return r
}

// WriteReport renders the build report into the sink's directory and
// returns the report path.
func (s *Sink) WriteReport(build *model.Build) (string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Build report for build %d, generated by lorry.\n", build.Number)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(NewReport(build)); err != nil {
		return "", fmt.Errorf("failed to render build report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to render build report: %w", err)
	}

	path := filepath.Join(s.dir, ReportFileName)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write build report: %w", err)
	}
	return path, nil
}

// spanString formats the wall-clock span between two timestamps, or ""
// when either end is missing.
func spanString(start, end time.Time) string {
	if start.IsZero() || end.IsZero() {
		return ""
	}
	return end.Sub(start).Round(time.Millisecond).String()
}
