package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tOgg1/forge/internal/db"
	"github.com/tOgg1/forge/internal/models"
	"github.com/tOgg1/forge/internal/wait"
)

var (
	sendPriority string
	sendFront    bool
	sendWhenIdle bool
	sendAfter    string
	sendAll      bool
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendPriority, "priority", "normal", "priority: high, normal, or low")
	sendCmd.Flags().BoolVar(&sendFront, "front", false, "insert ahead of existing pending items")
	sendCmd.Flags().BoolVar(&sendWhenIdle, "when-idle", false, "wait for the loop to be idle before dispatching")
	sendCmd.Flags().StringVar(&sendAfter, "after", "", "queue item id; accepted but not used: the item is appended, or placed ahead of pending items with --front")
	sendCmd.Flags().BoolVar(&sendAll, "all", false, "enqueue the message on every loop")
}

var sendCmd = &cobra.Command{
	Use:   "send [<loop>] <message>",
	Short: "Queue an operator message for one or all loops",
	Long: `Enqueue a message_append queue item so the next iteration's prompt
footer includes it. With --all, the same text is queued on every loop.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var loopRef, message string
		if sendAll {
			message = strings.Join(args, " ")
		} else {
			if len(args) < 2 {
				return fmt.Errorf("message text required")
			}
			loopRef, message = args[0], strings.Join(args[1:], " ")
		}
		message = strings.TrimSpace(message)
		if message == "" {
			return fmt.Errorf("message text required")
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		loopRepo := db.NewLoopRepository(database)
		queueRepo := db.NewLoopQueueRepository(database)

		var targets []*models.Loop
		if sendAll {
			all, err := loopRepo.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list loops: %w", err)
			}
			targets = all
		} else {
			loopEntry, err := resolveLoopByRef(cmd.Context(), loopRepo, loopRef)
			if err != nil {
				return fmt.Errorf("loop %q unavailable: %w", loopRef, err)
			}
			targets = []*models.Loop{loopEntry}
		}

		payload, err := json.Marshal(models.MessageAppendPayload{Text: message})
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}

		if sendWhenIdle && !sendAll {
			evaluator := wait.NewEvaluator(database)
			target := wait.Target{LoopID: targets[0].ID}
			if _, err := evaluator.Poll(cmd.Context(), wait.ConditionIdle, target, 30*time.Minute, 2*time.Second, nil); err != nil {
				return fmt.Errorf("loop %s never went idle: %w", targets[0].Name, err)
			}
		}

		enqueued := make([]*models.LoopQueueItem, 0, len(targets))
		for _, loopEntry := range targets {
			item := &models.LoopQueueItem{
				LoopID:  loopEntry.ID,
				Type:    models.LoopQueueItemMessageAppend,
				Status:  models.LoopQueueStatusPending,
				Payload: payload,
			}
			if err := item.Validate(); err != nil {
				return fmt.Errorf("invalid queue item: %w", err)
			}
			if err := queueRepo.Enqueue(cmd.Context(), loopEntry.ID, item); err != nil {
				return fmt.Errorf("failed to enqueue message for loop %s: %w", loopEntry.Name, err)
			}
			if sendFront {
				if err := moveToFront(cmd.Context(), queueRepo, loopEntry.ID, item.ID); err != nil {
					return fmt.Errorf("failed to reorder queue for loop %s: %w", loopEntry.Name, err)
				}
			}
			enqueued = append(enqueued, item)
		}

		if IsJSONOutput() || IsJSONLOutput() {
			items := make([]any, len(enqueued))
			for i, item := range enqueued {
				items[i] = item
			}
			return WriteOutput(os.Stdout, items)
		}
		if !IsQuiet() {
			fmt.Printf("queued message on %d loop(s)\n", len(enqueued))
		}
		return nil
	},
}

// moveToFront reorders loopID's pending queue so itemID sorts ahead of
// every other pending item while preserving their relative order.
func moveToFront(ctx context.Context, queueRepo *db.LoopQueueRepository, loopID, itemID string) error {
	items, err := queueRepo.List(ctx, loopID)
	if err != nil {
		return fmt.Errorf("failed to list queue: %w", err)
	}

	ordered := make([]string, 0, len(items))
	ordered = append(ordered, itemID)
	for _, item := range items {
		if item.Status != models.LoopQueueStatusPending || item.ID == itemID {
			continue
		}
		ordered = append(ordered, item.ID)
	}

	return queueRepo.Reorder(ctx, loopID, ordered)
}
