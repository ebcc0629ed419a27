// Package cli — matrix.go implements the "lorry matrix" command.
//
// The matrix command expands a repository's .travis.yml into its job
// matrix and lists the jobs without running them. It answers "what
// would lorry run do" for configs with os lists, language version
// lists, env matrices, include/exclude rows and allow_failures.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/secure"
	"github.com/lorry-ci/lorry/internal/travis"
)

// NewMatrixCommand creates the "matrix" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewMatrixCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "matrix [dir]",
		Short: "Show the expanded job matrix of a .travis.yml",
		Long: `Expand a repository's .travis.yml into its job matrix and list the
jobs without running them.

Job numbers are shown as they would appear on the next build of an
empty history ("1.1", "1.2", ...). Secure env values are decrypted when
the secret key is available; otherwise they are skipped with a warning.

Examples:
  lorry matrix
  lorry matrix ~/src/sparse-ml
  lorry matrix --json`,

		// Args allows at most one positional argument (the repository dir).
		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runMatrix(dir)
		},
	}
}

// runMatrix is the main orchestration function for the matrix command.
func runMatrix(dir string) error {
	// Step 1: Locate, parse and validate the configuration.
	travisPath, err := travis.FindTravisYML(dir)
	if err != nil {
		return err
	}
	VerboseLog("Configuration: %s", travisPath)

	tcfg, err := travis.Load(travisPath)
	if err != nil {
		return err
	}
	if problems := travis.Validate(tcfg); len(problems) > 0 {
		for _, problem := range problems {
			fmt.Fprintln(os.Stderr, problem.Error())
		}
		return model.NewCLIError(model.ExitInvalidConfig,
			fmt.Sprintf(".travis.yml has %d problem(s), see above", len(problems)))
	}

	// Step 2: Optional decryption key. Skipped secure entries show up
	// as per-job warnings.
	var decrypt travis.DecryptFunc
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	if box, keyErr := secure.LoadKey(cfg.Secure.KeyFile); keyErr == nil {
		decrypt = box.Decrypt
	} else {
		VerboseLog("Secure env decryption unavailable: %v", keyErr)
	}

	// Step 3: Expand. Numbering assumes the next build would be #1;
	// the real number is assigned by run from history.
	specs, err := travis.ExpandMatrix(tcfg, travis.ExpandOptions{
		BuildNumber: 1,
		Decrypt:     decrypt,
	})
	if err != nil {
		return err
	}

	printMatrixResult(specs)
	return nil
}

// printMatrixResult outputs the job matrix in text or JSON format.
func printMatrixResult(specs []*travis.JobSpec) {
	if IsJSONOutput() {
		printMatrixResultJSON(specs)
	} else {
		printMatrixResultText(specs)
	}
}

// printMatrixResultJSON outputs the job matrix as structured JSON.
func printMatrixResultJSON(specs []*travis.JobSpec) {
	jobs := make([]map[string]interface{}, 0, len(specs))
	for _, spec := range specs {
		jobs = append(jobs, map[string]interface{}{
			"number":       spec.Job.Number,
			"os":           spec.Job.OS,
			"dist":         spec.Job.Dist,
			"language":     spec.Job.Language,
			"version":      spec.Job.LanguageVersion,
			"env":          spec.EnvRaw,
			"allowFailure": spec.Job.AllowFailure,
		})
	}

	result := map[string]interface{}{
		"count": len(specs),
		"jobs":  jobs,
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

// printMatrixResultText outputs the job matrix as a human-readable
// table.
//
// The table format is:
//
//	NUMBER   OS      LANGUAGE      ENV               ALLOW FAILURE
//	1.1      linux   python 3.8                      no
//	1.2      osx     python 3.8    FAST_BUILD=1      yes
func printMatrixResultText(specs []*travis.JobSpec) {
	if len(specs) == 0 {
		fmt.Println("The matrix is empty; every job is excluded.")
		return
	}

	fmt.Printf("%-8s %-8s %-14s %-24s %s\n", "NUMBER", "OS", "LANGUAGE", "ENV", "ALLOW FAILURE")
	for _, spec := range specs {
		allowed := "no"
		if spec.Job.AllowFailure {
			allowed = "yes"
		}
		fmt.Printf("%-8s %-8s %-14s %-24s %s\n",
			spec.Job.Number,
			spec.Job.OS,
			jobLanguage(spec.Job),
			spec.EnvRaw,
			allowed,
		)
	}

	for _, spec := range specs {
		for _, warning := range spec.Warnings {
			fmt.Fprintf(os.Stderr, "Warning: job %s: %s\n", spec.Job.Number, warning)
		}
	}
}
