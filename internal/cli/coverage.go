// Package cli — coverage.go implements the "lorry coverage" command
// group.
//
// "coverage upload" sends a coverage file to the configured endpoint.
// It is designed to be called from inside a job's after_success phase,
// where the TRAVIS_* variables injected by the runner identify the
// branch, commit and job; run outside a job it falls back to empty
// metadata and still uploads the file.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorry-ci/lorry/internal/coverage"
	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/observability"
)

// coverageFlags holds the flag values for the coverage upload command.
type coverageFlags struct {
	file string // --file: the coverage file to upload
}

// NewCoverageCommand creates the "coverage" cobra command group.
// It is called from NewRootCommand to register as a subcommand.
func NewCoverageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "Coverage reporting subcommands",
	}
	cmd.AddCommand(newCoverageUploadCommand())
	return cmd
}

// newCoverageUploadCommand creates the "coverage upload" subcommand.
func newCoverageUploadCommand() *cobra.Command {
	flags := &coverageFlags{}

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a coverage file to the configured endpoint",
		Long: `Upload a coverage file to the configured coverage endpoint.

Intended for use inside a job, typically from after_success:

  after_success:
    - coverage run -m pytest
    - lorry coverage upload --file .coverage

Build metadata is taken from the TRAVIS_* environment the runner
injects. Without a configured token the upload is skipped with a
warning and the command still exits 0, so pipelines do not break on
machines where coverage is not set up.`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoverageUpload(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.file, "file", "", "Coverage file to upload (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// runCoverageUpload is the main orchestration function for the
// coverage upload command.
func runCoverageUpload(ctx context.Context, flags *coverageFlags) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}

	// Step 1: Read the coverage file. A missing file is a real error:
	// the job asked for an upload that cannot happen.
	source, err := os.ReadFile(flags.file)
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidConfig,
			fmt.Sprintf("failed to read coverage file %s", flags.file), err)
	}

	// Step 2: Collect job metadata from the runner-injected environment.
	report := &coverage.Report{
		Repo:      os.Getenv("TRAVIS_BUILD_DIR"),
		Branch:    os.Getenv("TRAVIS_BRANCH"),
		CommitSHA: os.Getenv("TRAVIS_COMMIT"),
		JobNumber: os.Getenv("TRAVIS_JOB_NUMBER"),
		RunAt:     time.Now().UTC(),
		Source:    string(source),
	}

	// Step 3: Upload. No token means skip, not fail.
	client := coverage.NewClient(cfg.Coverage.URL, cfg.Coverage.Token)
	if err := client.Upload(ctx, report); err != nil {
		if errors.Is(err, coverage.ErrNoToken) {
			observability.CoverageUploadsTotal.WithLabelValues("skipped").Inc()
			fmt.Fprintln(os.Stderr, "Warning: no coverage token configured; skipping upload.")
			return nil
		}
		observability.CoverageUploadsTotal.WithLabelValues("failed").Inc()
		return model.WrapCLIError(model.ExitInternalError, "coverage upload failed", err)
	}
	observability.CoverageUploadsTotal.WithLabelValues("ok").Inc()

	printCoverageResult(flags.file, report)
	return nil
}

// printCoverageResult outputs the upload confirmation in text or JSON
// format.
func printCoverageResult(file string, report *coverage.Report) {
	if IsJSONOutput() {
		result := map[string]interface{}{
			"uploaded": true,
			"file":     file,
			"job":      report.JobNumber,
			"bytes":    len(report.Source),
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Printf("Uploaded %s (%d bytes).\n", file, len(report.Source))
}
