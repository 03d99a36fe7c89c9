package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tOgg1/forge/internal/db"
	"github.com/tOgg1/forge/internal/loop"
	"github.com/tOgg1/forge/internal/models"
)

func init() {
	rootCmd.AddCommand(runIterationCmd)
	rootCmd.AddCommand(runLoopCmd)
}

var runIterationCmd = &cobra.Command{
	Use:   "run-iteration <loop>",
	Short: "Perform one loop iteration and exit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		loopEntry, err := resolveLoopByRef(cmd.Context(), db.NewLoopRepository(database), args[0])
		if err != nil {
			return fmt.Errorf("loop %q unavailable: %w", args[0], err)
		}

		runner := loop.NewRunner(database, GetConfig())
		if err := runner.RunOnce(cmd.Context(), loopEntry.ID); err != nil {
			return fmt.Errorf("loop run failed: %w", err)
		}
		return nil
	},
}

var runLoopCmd = &cobra.Command{
	Use:   "run-loop <loop>",
	Short: "Drive a loop through iterations until it stops",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		loopEntry, err := resolveLoopByRef(cmd.Context(), db.NewLoopRepository(database), args[0])
		if err != nil {
			return fmt.Errorf("loop %q unavailable: %w", args[0], err)
		}

		runner := loop.NewRunner(database, GetConfig())
		if err := runner.RunLoop(cmd.Context(), loopEntry.ID); err != nil {
			return fmt.Errorf("loop run failed: %w", err)
		}
		return nil
	},
}

func resolveLoopByRef(ctx context.Context, repo *db.LoopRepository, ref string) (*models.Loop, error) {
	if loopEntry, err := repo.GetByName(ctx, ref); err == nil {
		return loopEntry, nil
	}
	if loopEntry, err := repo.GetByShortID(ctx, ref); err == nil {
		return loopEntry, nil
	}
	return repo.Get(ctx, ref)
}
