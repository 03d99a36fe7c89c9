package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tOgg1/forge/internal/db"
	"github.com/tOgg1/forge/internal/models"
)

// messageEntry is a single piece of text to fold into the next prompt,
// whichever queue item type it came from.
type messageEntry struct {
	Text      string
	Timestamp time.Time
	Source    string
}

// queuePlan is the net effect of a loop's pending queue on its next
// iteration: messages to append, an optional prompt override, any
// stop/kill/pause signal, and the set of item IDs each decision consumed.
type queuePlan struct {
	Messages       []messageEntry
	OverridePrompt *models.NextPromptOverridePayload
	StopRequested  bool
	KillRequested  bool
	PauseDuration  time.Duration
	PauseBeforeRun bool
	ConsumeItemIDs []string
	PauseItemIDs   []string
	StopItemIDs    []string
	KillItemIDs    []string
}

// buildQueuePlan folds every pending item on loopID's queue, plus any
// steerMessages supplied out-of-band, into a single queuePlan. A pause,
// graceful-stop, or kill item ends the fold early, leaving anything queued
// behind it for a later iteration: stop and kill short-circuit the
// iteration, and a pause delays the run or follows it.
func buildQueuePlan(ctx context.Context, repo *db.LoopQueueRepository, loopID string, steerMessages []messageEntry) (*queuePlan, error) {
	items, err := pendingQueueItems(ctx, repo, loopID)
	if err != nil {
		return nil, err
	}

	plan := &queuePlan{Messages: append([]messageEntry{}, steerMessages...)}

	for _, item := range items {
		done, err := applyQueueItem(plan, item)
		if err != nil {
			return nil, err
		}
		if done {
			return plan, nil
		}
	}

	return plan, nil
}

// applyQueueItem folds one queue item into plan, returning true if the item
// terminates the fold (pause, stop, kill).
func applyQueueItem(plan *queuePlan, item *models.LoopQueueItem) (bool, error) {
	switch item.Type {
	case models.LoopQueueItemMessageAppend:
		payload, err := decodePayload[models.MessageAppendPayload](item.Payload)
		if err != nil {
			return false, err
		}
		plan.Messages = append(plan.Messages, messageEntry{Text: payload.Text, Timestamp: item.CreatedAt, Source: "queue"})
		plan.ConsumeItemIDs = append(plan.ConsumeItemIDs, item.ID)
		return false, nil

	case models.LoopQueueItemSteerMessage:
		payload, err := decodePayload[models.SteerPayload](item.Payload)
		if err != nil {
			return false, err
		}
		plan.Messages = append(plan.Messages, messageEntry{Text: payload.Message, Timestamp: item.CreatedAt, Source: "steer"})
		plan.ConsumeItemIDs = append(plan.ConsumeItemIDs, item.ID)
		return false, nil

	case models.LoopQueueItemNextPromptOverride:
		if plan.OverridePrompt != nil {
			return false, nil
		}
		payload, err := decodePayload[models.NextPromptOverridePayload](item.Payload)
		if err != nil {
			return false, err
		}
		plan.OverridePrompt = &payload
		plan.ConsumeItemIDs = append(plan.ConsumeItemIDs, item.ID)
		return false, nil

	case models.LoopQueueItemPause:
		payload, err := decodePayload[models.LoopPausePayload](item.Payload)
		if err != nil {
			return false, err
		}
		plan.PauseDuration = time.Duration(payload.DurationSeconds) * time.Second
		plan.PauseItemIDs = append(plan.PauseItemIDs, item.ID)
		plan.PauseBeforeRun = plan.OverridePrompt == nil && len(plan.Messages) == 0
		return true, nil

	case models.LoopQueueItemStopGraceful:
		plan.StopRequested = true
		plan.StopItemIDs = append(plan.StopItemIDs, item.ID)
		return true, nil

	case models.LoopQueueItemKillNow:
		plan.KillRequested = true
		plan.KillItemIDs = append(plan.KillItemIDs, item.ID)
		return true, nil

	default:
		return false, fmt.Errorf("unsupported queue item type %q", item.Type)
	}
}

func decodePayload[T any](payload []byte) (T, error) {
	var data T
	if err := json.Unmarshal(payload, &data); err != nil {
		return data, err
	}
	return data, nil
}

func markQueueCompleted(ctx context.Context, repo *db.LoopQueueRepository, ids []string) error {
	for _, id := range ids {
		if err := repo.UpdateStatus(ctx, id, models.LoopQueueStatusCompleted, ""); err != nil {
			return err
		}
	}
	return nil
}

func pendingQueueItems(ctx context.Context, repo *db.LoopQueueRepository, loopID string) ([]*models.LoopQueueItem, error) {
	items, err := repo.List(ctx, loopID)
	if err != nil {
		return nil, err
	}
	pending := items[:0]
	for _, item := range items {
		if item.Status == models.LoopQueueStatusPending {
			pending = append(pending, item)
		}
	}
	return pending, nil
}

func pendingItemsOfType(ctx context.Context, repo *db.LoopQueueRepository, loopID string, itemType models.LoopQueueItemType) ([]*models.LoopQueueItem, error) {
	items, err := pendingQueueItems(ctx, repo, loopID)
	if err != nil {
		return nil, err
	}
	matches := items[:0]
	for _, item := range items {
		if item.Type == itemType {
			matches = append(matches, item)
		}
	}
	return matches, nil
}

func hasPendingOfType(ctx context.Context, repo *db.LoopQueueRepository, loopID string, itemType models.LoopQueueItemType) (bool, error) {
	items, err := pendingItemsOfType(ctx, repo, loopID, itemType)
	if err != nil {
		return false, err
	}
	return len(items) > 0, nil
}

func consumePendingOfType(ctx context.Context, repo *db.LoopQueueRepository, loopID string, itemType models.LoopQueueItemType) error {
	items, err := pendingItemsOfType(ctx, repo, loopID, itemType)
	if err != nil {
		return err
	}
	return markQueueCompleted(ctx, repo, idsOf(items))
}

func idsOf(items []*models.LoopQueueItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func hasPendingStop(ctx context.Context, repo *db.LoopQueueRepository, loopID string) (bool, error) {
	return hasPendingOfType(ctx, repo, loopID, models.LoopQueueItemStopGraceful)
}

func consumePendingStop(ctx context.Context, repo *db.LoopQueueRepository, loopID string) error {
	return consumePendingOfType(ctx, repo, loopID, models.LoopQueueItemStopGraceful)
}

func hasPendingKill(ctx context.Context, repo *db.LoopQueueRepository, loopID string) (bool, error) {
	return hasPendingOfType(ctx, repo, loopID, models.LoopQueueItemKillNow)
}

func consumePendingKill(ctx context.Context, repo *db.LoopQueueRepository, loopID string) error {
	return consumePendingOfType(ctx, repo, loopID, models.LoopQueueItemKillNow)
}
