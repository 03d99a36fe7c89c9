package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tOgg1/forge/internal/config"
	"github.com/tOgg1/forge/internal/db"
	"github.com/tOgg1/forge/internal/models"
)

var (
	ErrProfileUnavailable = errors.New("profile unavailable")
	ErrPoolUnavailable    = errors.New("pool unavailable")
)

// profileCandidate records the moment a pool member would next become
// available, so the round-robin scan can remember the closest upcoming
// opening even after it has moved past it.
type profileCandidate struct {
	nextAt time.Time
}

// selectProfile resolves the profile a loop's next run should use.
//
// A pinned loop (ProfileID set) runs on that profile, waits out a known
// cooldown, or fails immediately with a wrapped ErrProfileUnavailable when
// the profile is unavailable with no time bound to wait toward (a saturated
// max_concurrency): pinning expresses intent to use exactly one profile, so
// there is no pool to fall back to and no implicit back-off.
//
// An unpinned loop scans its pool once, starting just after the member it
// used last, and takes the first available profile it finds. If none are
// available it returns the earliest known cooldown expiry across the pool
// so the caller can sleep until then, or a default wait interval when no
// profile exposes one (e.g. every member is concurrency-capped instead).
func (r *Runner) selectProfile(ctx context.Context, loop *models.Loop, profileRepo *db.ProfileRepository, poolRepo *db.PoolRepository, runRepo *db.LoopRunRepository) (*models.Profile, *time.Time, error) {
	now := time.Now().UTC()

	if loop.ProfileID != "" {
		return selectPinnedProfile(ctx, loop.ProfileID, profileRepo, runRepo, now)
	}
	return r.selectPooledProfile(ctx, loop, profileRepo, poolRepo, runRepo, now)
}

func selectPinnedProfile(ctx context.Context, profileID string, profileRepo *db.ProfileRepository, runRepo *db.LoopRunRepository, now time.Time) (*models.Profile, *time.Time, error) {
	profile, err := profileRepo.Get(ctx, profileID)
	if err != nil {
		return nil, nil, err
	}

	available, nextAt, err := profileAvailability(ctx, runRepo, profile, now)
	if err != nil {
		return nil, nil, err
	}
	if !available {
		if nextAt != nil {
			return nil, nextAt, nil
		}
		return nil, nil, fmt.Errorf("%w: %s", ErrProfileUnavailable, profile.Name)
	}
	return profile, nil, nil
}

func (r *Runner) selectPooledProfile(ctx context.Context, loop *models.Loop, profileRepo *db.ProfileRepository, poolRepo *db.PoolRepository, runRepo *db.LoopRunRepository, now time.Time) (*models.Profile, *time.Time, error) {
	pool, err := resolveLoopPool(ctx, loop, r.Config, poolRepo)
	if err != nil {
		return nil, nil, err
	}

	members, err := poolRepo.ListMembers(ctx, pool.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(members) == 0 {
		return nil, nil, ErrPoolUnavailable
	}

	start := poolLastIndex(pool) + 1
	var soonest *profileCandidate

	for offset := 0; offset < len(members); offset++ {
		idx := (start + offset) % len(members)
		profile, err := profileRepo.Get(ctx, members[idx].ProfileID)
		if err != nil {
			continue
		}

		available, nextAt, err := profileAvailability(ctx, runRepo, profile, now)
		if err != nil {
			continue
		}
		if available {
			setPoolLastIndex(pool, idx)
			_ = poolRepo.Update(ctx, pool)
			return profile, nil, nil
		}
		if nextAt != nil && (soonest == nil || nextAt.Before(soonest.nextAt)) {
			soonest = &profileCandidate{nextAt: *nextAt}
		}
	}

	wait := now.Add(defaultWaitInterval)
	if soonest != nil {
		wait = soonest.nextAt
	}
	return nil, &wait, nil
}

// profileAvailability reports whether profile can take a run right now, and
// if not, the earliest time it's expected to (nil when that's unknown, as
// is the case for a concurrency cap rather than a fixed cooldown).
func profileAvailability(ctx context.Context, runRepo *db.LoopRunRepository, profile *models.Profile, now time.Time) (bool, *time.Time, error) {
	if profile.CooldownUntil != nil && profile.CooldownUntil.After(now) {
		until := *profile.CooldownUntil
		return false, &until, nil
	}

	if profile.MaxConcurrency <= 0 {
		return true, nil, nil
	}

	running, err := runRepo.CountRunningByProfile(ctx, profile.ID)
	if err != nil {
		return false, nil, err
	}
	if running >= profile.MaxConcurrency {
		return false, nil, nil
	}
	return true, nil, nil
}

// resolveLoopPool picks the pool a loop's run should draw a profile from:
// the loop's own pool, falling back to the configured default pool name,
// falling back to whichever pool is flagged default in the store.
func resolveLoopPool(ctx context.Context, loop *models.Loop, cfg *config.Config, poolRepo *db.PoolRepository) (*models.Pool, error) {
	if loop.PoolID != "" {
		return poolRepo.Get(ctx, loop.PoolID)
	}

	if cfg != nil && cfg.DefaultPool != "" {
		if pool, err := poolRepo.GetByName(ctx, cfg.DefaultPool); err == nil {
			return pool, nil
		}
	}

	pool, err := poolRepo.GetDefault(ctx)
	if err != nil {
		return nil, ErrPoolUnavailable
	}
	return pool, nil
}

// poolLastIndex/setPoolLastIndex persist the round-robin cursor in the
// pool's metadata map, reusing the same loosely-typed accessor a loop's
// iteration_count/started_at go through, since both stores round-trip
// metadata as JSON.
func poolLastIndex(pool *models.Pool) int {
	return metadataInt(pool.Metadata, "last_index", -1)
}

func setPoolLastIndex(pool *models.Pool, idx int) {
	if pool.Metadata == nil {
		pool.Metadata = make(map[string]any)
	}
	pool.Metadata["last_index"] = idx
}
