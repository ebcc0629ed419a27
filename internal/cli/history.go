// Package cli — history.go implements the "lorry history" command.
//
// The history command lists recent builds from the local build store,
// newest first, so "did that pass yesterday" has an answer without
// scrolling back through terminal output.
package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lorry-ci/lorry/internal/model"
)

// historyFlags holds the flag values for the history command.
type historyFlags struct {
	limit int // --limit: how many builds to list
}

// NewHistoryCommand creates the "history" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewHistoryCommand() *cobra.Command {
	flags := &historyFlags{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent builds",
		Long: `List recent builds from the local build history, newest first.

Examples:
  lorry history
  lorry history --limit 50
  lorry history --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), flags)
		},
	}

	cmd.Flags().IntVar(&flags.limit, "limit", 10, "How many builds to list")

	return cmd
}

// runHistory is the main orchestration function for the history command.
func runHistory(ctx context.Context, flags *historyFlags) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	builds, err := st.RecentBuilds(ctx, flags.limit)
	if err != nil {
		return err
	}

	printHistoryResult(builds)
	return nil
}

// printHistoryResult outputs the build list in text or JSON format.
func printHistoryResult(builds []*model.Build) {
	if IsJSONOutput() {
		printHistoryResultJSON(builds)
	} else {
		printHistoryResultText(builds)
	}
}

// printHistoryResultJSON outputs the build list as structured JSON.
func printHistoryResultJSON(builds []*model.Build) {
	if builds == nil {
		builds = []*model.Build{}
	}
	result := map[string]interface{}{
		"count":  len(builds),
		"builds": builds,
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

// printHistoryResultText outputs the build list as a human-readable
// table.
//
// The table format is:
//
//	BUILD   STATUS   JOBS         BRANCH   WHEN               REPO
//	#12     passed   2/2 passed   main     2026-03-01 14:02   /home/user/src/sparse-ml
func printHistoryResultText(builds []*model.Build) {
	if len(builds) == 0 {
		fmt.Println("No builds recorded yet. Run \"lorry run\" first.")
		return
	}

	fmt.Printf("%-7s %-9s %-12s %-16s %-18s %s\n", "BUILD", "STATUS", "JOBS", "BRANCH", "WHEN", "REPO")
	for _, build := range builds {
		fmt.Printf("%-7s %-9s %-12s %-16s %-18s %s\n",
			fmt.Sprintf("#%d", build.Number),
			build.Status,
			summarizeJobs(build),
			build.Branch,
			build.CreatedAt.Local().Format("2006-01-02 15:04"),
			build.RepoDir,
		)
	}
}

// summarizeJobs renders the jobs column as "passed/total passed".
func summarizeJobs(build *model.Build) string {
	passed := 0
	for _, job := range build.Jobs {
		if job.Status == model.JobPassed {
			passed++
		}
	}
	return fmt.Sprintf("%d/%d passed", passed, len(build.Jobs))
}
