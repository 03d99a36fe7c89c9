// Package wait implements the blocking conditions the `forge wait` CLI
// polls: idle, queue-empty, cooldown-over, ready, all-idle, any-idle. Each
// condition is a predicate over the store, re-evaluated at a fixed interval
// until it holds or a deadline passes.
package wait

import (
	"context"
	"fmt"
	"time"

	"github.com/tOgg1/forge/internal/clock"
	"github.com/tOgg1/forge/internal/db"
	"github.com/tOgg1/forge/internal/models"
)

// Condition names a wait predicate. The zero value is not a valid condition.
type Condition string

const (
	ConditionIdle         Condition = "idle"
	ConditionQueueEmpty   Condition = "queue-empty"
	ConditionCooldownOver Condition = "cooldown-over"
	ConditionReady        Condition = "ready"
	ConditionAllIdle      Condition = "all-idle"
	ConditionAnyIdle      Condition = "any-idle"
)

// Conditions lists every valid condition name, in the order surfaced in
// CLI error messages.
var Conditions = []Condition{
	ConditionIdle,
	ConditionQueueEmpty,
	ConditionCooldownOver,
	ConditionReady,
	ConditionAllIdle,
	ConditionAnyIdle,
}

// NeedsLoop reports whether condition targets a single loop (vs. a
// repo-path workspace).
func NeedsLoop(c Condition) bool {
	switch c {
	case ConditionIdle, ConditionQueueEmpty, ConditionCooldownOver, ConditionReady:
		return true
	default:
		return false
	}
}

// NeedsWorkspace reports whether condition targets a repo-path workspace
// (the set of loops sharing a repo_path) rather than a single loop.
func NeedsWorkspace(c Condition) bool {
	switch c {
	case ConditionAllIdle, ConditionAnyIdle:
		return true
	default:
		return false
	}
}

// Valid reports whether c is one of the known Conditions.
func Valid(c Condition) bool {
	for _, known := range Conditions {
		if known == c {
			return true
		}
	}
	return false
}

// Target identifies what a wait call checks: a single loop (by id) or a
// workspace (every loop sharing RepoPath).
type Target struct {
	LoopID   string
	RepoPath string
}

// Reason describes why a condition check did or didn't pass. It is
// informational only — callers branch on the bool, not the string.
type Reason string

// Evaluator checks wait conditions against the store.
type Evaluator struct {
	Loops    *db.LoopRepository
	Queue    *db.LoopQueueRepository
	Profiles *db.ProfileRepository
	Clock    clock.Clock
}

// NewEvaluator builds an Evaluator backed by the given database.
func NewEvaluator(database *db.DB) *Evaluator {
	return &Evaluator{
		Loops:    db.NewLoopRepository(database),
		Queue:    db.NewLoopQueueRepository(database),
		Profiles: db.NewProfileRepository(database),
		Clock:    clock.System{},
	}
}

// ErrUnknownCondition is returned when Condition isn't one of Conditions.
type ErrUnknownCondition struct{ Condition Condition }

func (e ErrUnknownCondition) Error() string {
	return fmt.Sprintf("invalid condition '%s'; valid conditions: %v", e.Condition, Conditions)
}

// Check evaluates condition once against target and reports whether it is
// met along with a human-readable status line.
func (e *Evaluator) Check(ctx context.Context, condition Condition, target Target) (bool, Reason, error) {
	switch condition {
	case ConditionIdle:
		return e.loopIdle(ctx, target.LoopID)
	case ConditionQueueEmpty:
		return e.queueEmpty(ctx, target.LoopID)
	case ConditionCooldownOver:
		return e.cooldownOver(ctx, target.LoopID)
	case ConditionReady:
		return e.ready(ctx, target.LoopID)
	case ConditionAllIdle:
		return e.workspaceIdle(ctx, target.RepoPath, true)
	case ConditionAnyIdle:
		return e.workspaceIdle(ctx, target.RepoPath, false)
	default:
		return false, "", ErrUnknownCondition{Condition: condition}
	}
}

func (e *Evaluator) loopIdle(ctx context.Context, loopID string) (bool, Reason, error) {
	loop, err := e.Loops.Get(ctx, loopID)
	if err != nil {
		return false, "", fmt.Errorf("loop not found: %w", err)
	}
	if loop.State.IsIdle() {
		return true, Reason(fmt.Sprintf("state: %s", loop.State)), nil
	}
	return false, Reason(fmt.Sprintf("state: %s", loop.State)), nil
}

func (e *Evaluator) queueEmpty(ctx context.Context, loopID string) (bool, Reason, error) {
	pending, err := e.pendingCount(ctx, loopID)
	if err != nil {
		return false, "", err
	}
	if pending == 0 {
		return true, "queue empty", nil
	}
	return false, Reason(fmt.Sprintf("queue: %d pending", pending)), nil
}

func (e *Evaluator) cooldownOver(ctx context.Context, loopID string) (bool, Reason, error) {
	loop, err := e.Loops.Get(ctx, loopID)
	if err != nil {
		return false, "", fmt.Errorf("loop not found: %w", err)
	}
	if loop.ProfileID == "" {
		return true, "no pinned profile", nil
	}
	profile, err := e.Profiles.Get(ctx, loop.ProfileID)
	if err != nil {
		return false, "", fmt.Errorf("profile not found: %w", err)
	}
	now := e.now()
	if profile.CooldownUntil == nil || !profile.CooldownUntil.After(now) {
		return true, "no cooldown", nil
	}
	remaining := profile.CooldownUntil.Sub(now).Round(time.Second)
	return false, Reason(fmt.Sprintf("cooldown: %s remaining", remaining)), nil
}

func (e *Evaluator) ready(ctx context.Context, loopID string) (bool, Reason, error) {
	idle, reason, err := e.loopIdle(ctx, loopID)
	if err != nil {
		return false, "", err
	}
	if !idle {
		return false, reason, nil
	}

	pending, err := e.pendingCount(ctx, loopID)
	if err != nil {
		return false, "", err
	}
	if pending > 0 {
		return false, Reason(fmt.Sprintf("queue: %d pending", pending)), nil
	}

	cooldownOK, reason, err := e.cooldownOver(ctx, loopID)
	if err != nil {
		return false, "", err
	}
	if !cooldownOK {
		return false, reason, nil
	}

	return true, "ready", nil
}

func (e *Evaluator) workspaceIdle(ctx context.Context, repoPath string, requireAll bool) (bool, Reason, error) {
	loops, err := e.loopsInWorkspace(ctx, repoPath)
	if err != nil {
		return false, "", err
	}
	if len(loops) == 0 {
		return true, "no agents", nil
	}

	idleCount := 0
	for _, loop := range loops {
		if loop.State.IsIdle() {
			idleCount++
			if !requireAll {
				return true, Reason(fmt.Sprintf("loop %s is idle", shortID(loop))), nil
			}
		}
	}

	if requireAll {
		if idleCount == len(loops) {
			return true, "all idle", nil
		}
		return false, Reason(fmt.Sprintf("%d/%d loops not idle", len(loops)-idleCount, len(loops))), nil
	}

	return false, Reason(fmt.Sprintf("0/%d loops idle", len(loops))), nil
}

func (e *Evaluator) loopsInWorkspace(ctx context.Context, repoPath string) ([]*models.Loop, error) {
	all, err := e.Loops.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list loops: %w", err)
	}
	matched := make([]*models.Loop, 0, len(all))
	for _, loop := range all {
		if loop.RepoPath == repoPath {
			matched = append(matched, loop)
		}
	}
	return matched, nil
}

func (e *Evaluator) pendingCount(ctx context.Context, loopID string) (int, error) {
	items, err := e.Queue.List(ctx, loopID)
	if err != nil {
		return 0, fmt.Errorf("failed to check queue: %w", err)
	}
	pending := 0
	for _, item := range items {
		if item.Status == models.LoopQueueStatusPending {
			pending++
		}
	}
	return pending, nil
}

func (e *Evaluator) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now().UTC()
}

func shortID(loop *models.Loop) string {
	if loop.ShortID != "" {
		return loop.ShortID
	}
	return loop.ID
}

// Outcome is the terminal result of a Poll call.
type Outcome struct {
	Met     bool
	Reason  Reason
	Elapsed time.Duration
}

// ErrTimeout is returned by Poll when the deadline passes before the
// condition is met.
var ErrTimeout = fmt.Errorf("timeout waiting for condition")

// Poll re-checks condition every pollInterval until it is met or timeout
// elapses. statusFn, if non-nil, is invoked on every status change (so a
// caller can print progress); it is never called after Poll returns.
func (e *Evaluator) Poll(ctx context.Context, condition Condition, target Target, timeout, pollInterval time.Duration, statusFn func(Reason, time.Duration)) (Outcome, error) {
	if !Valid(condition) {
		return Outcome{}, ErrUnknownCondition{Condition: condition}
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	start := e.now()
	deadline := start.Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastReason Reason
	for {
		met, reason, err := e.Check(ctx, condition, target)
		if err != nil {
			return Outcome{}, err
		}
		elapsed := e.now().Sub(start)
		if met {
			return Outcome{Met: true, Reason: reason, Elapsed: elapsed}, nil
		}
		if reason != lastReason && statusFn != nil {
			statusFn(reason, elapsed)
			lastReason = reason
		}

		if e.now().After(deadline) {
			return Outcome{Met: false, Reason: "timeout", Elapsed: elapsed}, ErrTimeout
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
