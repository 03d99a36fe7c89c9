package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tOgg1/forge/internal/db"
	"github.com/tOgg1/forge/internal/wait"
)

var (
	waitUntilFlag     string
	waitLoopFlag      string
	waitWorkspaceFlag string
	waitTimeoutFlag   time.Duration
	waitPollFlag      time.Duration
)

func init() {
	rootCmd.AddCommand(waitCmd)

	waitCmd.Flags().StringVarP(&waitUntilFlag, "until", "u", "", "condition to wait for (required)")
	waitCmd.Flags().StringVarP(&waitLoopFlag, "agent", "a", "", "loop to wait on (loop-scoped conditions)")
	waitCmd.Flags().StringVarP(&waitWorkspaceFlag, "workspace", "w", "", "repo path to wait on (workspace-scoped conditions)")
	waitCmd.Flags().DurationVarP(&waitTimeoutFlag, "timeout", "t", 30*time.Minute, "maximum wait time")
	waitCmd.Flags().DurationVar(&waitPollFlag, "poll-interval", 2*time.Second, "check interval")
	_ = waitCmd.MarkFlagRequired("until")
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for a loop or workspace condition to be met",
	Long: `Wait for a named condition before continuing, for use in automation.

Exit codes:
  0: condition met
  1: timeout reached or condition invalid`,
	Example: `  forge wait --agent my-loop --until idle
  forge wait --workspace /repo --until all-idle --timeout 5m
  forge wait --agent my-loop --until ready --quiet`,
	RunE: func(cmd *cobra.Command, args []string) error {
		condition := wait.Condition(waitUntilFlag)
		if !wait.Valid(condition) {
			return wait.ErrUnknownCondition{Condition: condition}
		}

		target := wait.Target{LoopID: waitLoopFlag, RepoPath: waitWorkspaceFlag}
		if wait.NeedsLoop(condition) && target.LoopID == "" {
			return fmt.Errorf("--agent is required for condition '%s' (no context set)", condition)
		}
		if wait.NeedsWorkspace(condition) && target.RepoPath == "" {
			return fmt.Errorf("--workspace is required for condition '%s' (no context set)", condition)
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		if target.LoopID != "" {
			loopRepo := db.NewLoopRepository(database)
			if loopEntry, err := resolveLoopByRef(cmd.Context(), loopRepo, target.LoopID); err == nil {
				target.LoopID = loopEntry.ID
			}
		}

		evaluator := wait.NewEvaluator(database)

		if !IsQuiet() && !IsJSONOutput() && !IsJSONLOutput() {
			fmt.Printf("Waiting for condition '%s'...\n", condition)
		}

		statusFn := func(reason wait.Reason, elapsed time.Duration) {
			if IsQuiet() || IsJSONOutput() || IsJSONLOutput() {
				return
			}
			fmt.Printf("  %s (elapsed: %s)\n", reason, elapsed.Round(time.Second))
		}

		outcome, err := evaluator.Poll(cmd.Context(), condition, target, waitTimeoutFlag, waitPollFlag, statusFn)
		if err == wait.ErrTimeout {
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(os.Stdout, map[string]any{
					"success":   false,
					"condition": condition,
					"reason":    "timeout",
					"elapsed":   outcome.Elapsed.String(),
				})
			}
			if !IsQuiet() {
				fmt.Printf("\nTimeout reached after %s\n", outcome.Elapsed.Round(time.Second))
			}
			os.Exit(1)
		}
		if err != nil {
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(os.Stdout, map[string]any{
					"success":   false,
					"condition": condition,
					"reason":    "error",
					"error":     err.Error(),
				})
			}
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, map[string]any{
				"success":   true,
				"condition": condition,
				"elapsed":   outcome.Elapsed.String(),
			})
		}
		if !IsQuiet() {
			fmt.Printf("\nCondition '%s' met (waited %s)\n", condition, outcome.Elapsed.Round(time.Second))
		}
		return nil
	},
}
