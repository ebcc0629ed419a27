// Package cli — lint.go implements the "lorry lint" command.
//
// The lint command parses and validates a repository's .travis.yml
// without running anything. Unlike run, which stops at the first hurdle,
// lint reports every validation problem at once so the file can be fixed
// in one pass.
package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/travis"
)

// NewLintCommand creates the "lint" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewLintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lint [dir]",
		Short: "Validate the repository's .travis.yml",
		Long: `Parse and validate a repository's .travis.yml without running it.

All validation problems are reported at once. Deprecated but accepted
constructs are reported as warnings and do not fail the lint.

Exit code is 0 for a valid configuration, 4 otherwise.

Examples:
  lorry lint
  lorry lint ~/src/sparse-ml
  lorry lint --json`,

		// Args allows at most one positional argument (the repository dir).
		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runLint(dir)
		},
	}
}

// runLint is the main orchestration function for the lint command.
func runLint(dir string) error {
	// Step 1: Locate and parse the configuration. Parse failures (bad
	// YAML, missing file) surface as errors directly since there is no
	// configuration to report on.
	travisPath, err := travis.FindTravisYML(dir)
	if err != nil {
		return err
	}
	VerboseLog("Configuration: %s", travisPath)

	cfg, err := travis.Load(travisPath)
	if err != nil {
		return err
	}

	// Step 2: Validate and report everything in one go.
	problems := travis.Validate(cfg)
	printLintResult(travisPath, problems, cfg.Warnings)

	if len(problems) > 0 {
		return model.NewCLIError(model.ExitInvalidConfig,
			fmt.Sprintf(".travis.yml has %d problem(s)", len(problems)))
	}
	return nil
}

// printLintResult outputs the lint result in text or JSON format.
func printLintResult(path string, problems []travis.ValidationError, warnings []string) {
	if IsJSONOutput() {
		printLintResultJSON(path, problems, warnings)
	} else {
		printLintResultText(path, problems, warnings)
	}
}

// printLintResultJSON outputs the lint result as structured JSON.
func printLintResultJSON(path string, problems []travis.ValidationError, warnings []string) {
	errs := make([]map[string]interface{}, 0, len(problems))
	for _, problem := range problems {
		errs = append(errs, map[string]interface{}{
			"field":   problem.Field,
			"message": problem.Message,
		})
	}
	if warnings == nil {
		warnings = []string{}
	}

	result := map[string]interface{}{
		"config":   path,
		"valid":    len(problems) == 0,
		"errors":   errs,
		"warnings": warnings,
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

// printLintResultText outputs the lint result as human-readable lines.
func printLintResultText(path string, problems []travis.ValidationError, warnings []string) {
	for _, warning := range warnings {
		fmt.Printf("Warning: %s\n", warning)
	}
	if len(problems) == 0 {
		fmt.Printf("%s is valid.\n", path)
		return
	}
	for _, problem := range problems {
		fmt.Println(problem.Error())
	}
}
