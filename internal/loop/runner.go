package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/forge/internal/config"
	"github.com/tOgg1/forge/internal/db"
	"github.com/tOgg1/forge/internal/harness"
	"github.com/tOgg1/forge/internal/logging"
	"github.com/tOgg1/forge/internal/models"
	"github.com/tOgg1/forge/internal/stoprule"
	"github.com/tOgg1/forge/internal/subprocess"
)

const (
	defaultOutputTailLines = 200
	defaultWaitInterval    = 5 * time.Second
)

// ExecuteFunc runs a harness execution and returns exit code, output tail, and error.
type ExecuteFunc func(ctx context.Context, profile models.Profile, promptPath, promptContent, workDir string, output io.Writer) (int, string, error)

// Runner executes loop iterations for a specific loop.
type Runner struct {
	DB              *db.DB
	Config          *config.Config
	Logger          zerolog.Logger
	OutputTailLines int
	Exec            ExecuteFunc
}

// NewRunner creates a Runner with default dependencies.
func NewRunner(database *db.DB, cfg *config.Config) *Runner {
	logger := logging.Component("loop")
	tailLines := defaultOutputTailLines
	if cfg != nil && cfg.LoopDefaults.OutputTailLines > 0 {
		tailLines = cfg.LoopDefaults.OutputTailLines
	}
	return &Runner{
		DB:              database,
		Config:          cfg,
		Logger:          logger,
		OutputTailLines: tailLines,
		Exec:            defaultExecute,
	}
}

// RunLoop runs the loop until stopped or context cancellation.
func (r *Runner) RunLoop(ctx context.Context, loopID string) error {
	return r.runLoop(ctx, loopID, false)
}

// RunOnce runs a single loop iteration.
func (r *Runner) RunOnce(ctx context.Context, loopID string) error {
	return r.runLoop(ctx, loopID, true)
}

func (r *Runner) runLoop(ctx context.Context, loopID string, singleRun bool) error {
	if r.DB == nil || r.Config == nil {
		return errors.New("runner requires database and config")
	}
	if r.Exec == nil {
		r.Exec = defaultExecute
	}
	if r.OutputTailLines <= 0 {
		r.OutputTailLines = defaultOutputTailLines
	}

	loopRepo := db.NewLoopRepository(r.DB)
	queueRepo := db.NewLoopQueueRepository(r.DB)
	runRepo := db.NewLoopRunRepository(r.DB)
	profileRepo := db.NewProfileRepository(r.DB)
	poolRepo := db.NewPoolRepository(r.DB)

	loop, err := loopRepo.Get(ctx, loopID)
	if err != nil {
		return err
	}

	if err := r.ensureLoopPaths(ctx, loop, loopRepo); err != nil {
		return err
	}

	logWriter, err := newLoopLogger(loop.LogPath)
	if err != nil {
		return err
	}
	defer logWriter.Close()

	if err := r.attachLoopPID(ctx, loop, loopRepo); err != nil {
		logWriter.WriteLine(fmt.Sprintf("warning: failed to record pid: %v", err))
	}

	maxIterations := loop.MaxIterations
	maxRuntime := time.Duration(loop.MaxRuntimeSeconds) * time.Second
	iterationCount := loopIterationCount(loop.Metadata)
	startedAt := loopStartedAt(loop.Metadata)
	if maxRuntime > 0 && startedAt.IsZero() {
		startedAt = time.Now().UTC()
		setLoopStartedAt(loop, startedAt)
		_ = loopRepo.Update(ctx, loop)
	}

	loop.State = models.LoopStateRunning
	if err := loopRepo.Update(ctx, loop); err != nil {
		return err
	}

	logWriter.WriteLine("loop started")

	stopCfg, err := stoprule.ParseConfig(loop.Metadata)
	if err != nil {
		loop.State = models.LoopStateError
		loop.LastError = fmt.Sprintf("stop_config parse error: %v", err)
		_ = loopRepo.Update(ctx, loop)
		return err
	}

	for {
		if ctx.Err() != nil {
			logWriter.WriteLine("loop context cancelled")
			loop.State = models.LoopStateStopped
			_ = loopRepo.Update(ctx, loop)
			return ctx.Err()
		}

		if maxIterations > 0 && iterationCount >= maxIterations {
			reason := fmt.Sprintf("max iterations reached (%d)", maxIterations)
			logWriter.WriteLine(reason)
			loop.State = models.LoopStateStopped
			loop.LastError = reason
			_ = loopRepo.Update(ctx, loop)
			return nil
		}

		if maxRuntime > 0 && time.Since(startedAt) >= maxRuntime {
			reason := fmt.Sprintf("max runtime reached (%s)", maxRuntime)
			logWriter.WriteLine(reason)
			loop.State = models.LoopStateStopped
			loop.LastError = reason
			_ = loopRepo.Update(ctx, loop)
			return nil
		}

		iterationIndex := iterationCount + 1

		plan, err := buildQueuePlan(ctx, queueRepo, loop.ID, nil)
		if err != nil {
			loop.State = models.LoopStateError
			loop.LastError = err.Error()
			_ = loopRepo.Update(ctx, loop)
			logWriter.WriteLine(fmt.Sprintf("queue planning error: %v", err))
			return err
		}

		if plan.StopRequested {
			logWriter.WriteLine("graceful stop requested")
			_ = markQueueCompleted(ctx, queueRepo, plan.StopItemIDs)
			loop.State = models.LoopStateStopped
			_ = loopRepo.Update(ctx, loop)
			return nil
		}

		if plan.KillRequested {
			logWriter.WriteLine("kill requested")
			_ = markQueueCompleted(ctx, queueRepo, plan.KillItemIDs)
			loop.State = models.LoopStateStopped
			_ = loopRepo.Update(ctx, loop)
			return nil
		}

		if plan.PauseDuration > 0 && plan.PauseBeforeRun {
			logWriter.WriteLine(fmt.Sprintf("pause for %s", plan.PauseDuration))
			loop.State = models.LoopStateSleeping
			_ = loopRepo.Update(ctx, loop)
			r.sleep(ctx, plan.PauseDuration)
			if ctx.Err() == nil {
				_ = markQueueCompleted(ctx, queueRepo, plan.PauseItemIDs)
			}
			continue
		}

		if stopCfg != nil && stopCfg.Quant != nil && stoprule.QuantShouldEvaluate(stopCfg.Quant, stoprule.WhenBeforeRun, iterationIndex) {
			quantResult := stoprule.RunQuantCommand(ctx, stopCfg.Quant, loop.RepoPath)
			if quantResult.Stopped {
				logWriter.WriteLine(fmt.Sprintf("pre-run quant stop: %s", quantResult.Reason))
				loop.State = models.LoopStateStopped
				loop.LastError = "quantitative stop matched (before-run)"
				_ = loopRepo.Update(ctx, loop)
				return nil
			}
		}

		profile, waitUntil, err := r.selectProfile(ctx, loop, profileRepo, poolRepo, runRepo)
		if err != nil {
			loop.State = models.LoopStateError
			loop.LastError = err.Error()
			_ = loopRepo.Update(ctx, loop)
			logWriter.WriteLine(fmt.Sprintf("profile selection error: %v", err))
			return err
		}
		if waitUntil != nil {
			if loop.Metadata == nil {
				loop.Metadata = make(map[string]any)
			}
			loop.Metadata["wait_until"] = waitUntil.UTC().Format(time.RFC3339)
			loop.State = models.LoopStateWaiting
			loop.LastError = fmt.Sprintf("waiting for profile availability until %s", waitUntil.UTC().Format(time.RFC3339))
			_ = loopRepo.Update(ctx, loop)
			logWriter.WriteLine(loop.LastError)
			if singleRun {
				return nil
			}
			r.sleepUntil(ctx, *waitUntil)
			continue
		}
		if loop.Metadata != nil {
			delete(loop.Metadata, "wait_until")
		}

		prompt, err := resolveBasePrompt(loop)
		if err != nil {
			loop.State = models.LoopStateError
			loop.LastError = err.Error()
			_ = loopRepo.Update(ctx, loop)
			logWriter.WriteLine(fmt.Sprintf("prompt resolution error: %v", err))
			return err
		}

		if plan.OverridePrompt != nil {
			prompt, err = resolveOverridePrompt(loop.RepoPath, *plan.OverridePrompt)
			if err != nil {
				loop.State = models.LoopStateError
				loop.LastError = err.Error()
				_ = loopRepo.Update(ctx, loop)
				logWriter.WriteLine(fmt.Sprintf("override prompt error: %v", err))
				return err
			}
			prompt.Source = "override"
			prompt.Override = true
		}

		hasMessages := len(plan.Messages) > 0
		prompt.Content = appendOperatorMessages(prompt.Content, plan.Messages)

		run := &models.LoopRun{
			LoopID:         loop.ID,
			ProfileID:      profile.ID,
			PromptSource:   prompt.Source,
			PromptPath:     prompt.Path,
			PromptOverride: prompt.Override,
		}
		if err := runRepo.Create(ctx, run); err != nil {
			loop.State = models.LoopStateError
			loop.LastError = err.Error()
			_ = loopRepo.Update(ctx, loop)
			return err
		}

		effectivePromptPath, effectivePromptContent, err := r.preparePrompt(loop, run, profile, prompt, hasMessages)
		if err != nil {
			run.Status = models.LoopRunStatusError
			_ = runRepo.Finish(ctx, run)
			loop.State = models.LoopStateError
			loop.LastError = err.Error()
			_ = loopRepo.Update(ctx, loop)
			logWriter.WriteLine(fmt.Sprintf("prompt preparation error: %v", err))
			return err
		}

		loop.State = models.LoopStateRunning
		_ = loopRepo.Update(ctx, loop)

		logWriter.WriteLine(fmt.Sprintf("run %s start (profile=%s)", run.ID, profile.Name))

		execProfile := seedLoopEnv(*profile, loop)
		runResult := r.executeRun(ctx, loop, execProfile, effectivePromptPath, effectivePromptContent, logWriter)

		run.Status = runResult.status
		run.ExitCode = &runResult.exitCode
		run.OutputTail = runResult.outputTail
		_ = runRepo.Finish(ctx, run)

		if run.FinishedAt != nil {
			loop.LastRunAt = run.FinishedAt
		} else {
			loop.LastRunAt = &run.StartedAt
		}
		loop.LastExitCode = run.ExitCode
		loop.LastError = runResult.errText

		competingIntent := len(plan.Messages) > 0 || plan.OverridePrompt != nil || plan.PauseDuration > 0 || plan.StopRequested || plan.KillRequested
		stopReason := r.evaluatePostRunStop(ctx, stopCfg, loop, iterationIndex, competingIntent, singleRun, logWriter)
		if stopReason != "" {
			if loop.LastError != "" {
				loop.LastError = loop.LastError + "; " + stopReason
			} else {
				loop.LastError = stopReason
			}
		}

		loop.State = models.LoopStateSleeping
		iterationCount++
		setLoopIterationCount(loop, iterationCount)
		_ = loopRepo.Update(ctx, loop)

		_ = markQueueCompleted(ctx, queueRepo, plan.ConsumeItemIDs)

		if err := appendLedgerEntry(loop, run, profile, runResult.outputTail, r.OutputTailLines); err != nil {
			logWriter.WriteLine(fmt.Sprintf("ledger append failed: %v", err))
		}

		skipSleep := false
		if stopReason != "" {
			logWriter.WriteLine(fmt.Sprintf("stop rule fired: %s", stopReason))
			loop.State = models.LoopStateStopped
			_ = loopRepo.Update(ctx, loop)
			return nil
		}

		if killRequested, _ := hasPendingKill(ctx, queueRepo, loop.ID); killRequested {
			logWriter.WriteLine("kill queued")
			_ = consumePendingKill(ctx, queueRepo, loop.ID)
			loop.State = models.LoopStateStopped
			_ = loopRepo.Update(ctx, loop)
			return nil
		}

		if stopRequested, _ := hasPendingStop(ctx, queueRepo, loop.ID); stopRequested {
			logWriter.WriteLine("graceful stop queued")
			_ = consumePendingStop(ctx, queueRepo, loop.ID)
			loop.State = models.LoopStateStopped
			_ = loopRepo.Update(ctx, loop)
			return nil
		}

		if plan.PauseDuration > 0 && !plan.PauseBeforeRun {
			logWriter.WriteLine(fmt.Sprintf("pause for %s", plan.PauseDuration))
			loop.State = models.LoopStateSleeping
			_ = loopRepo.Update(ctx, loop)
			r.sleep(ctx, plan.PauseDuration)
			if ctx.Err() == nil {
				_ = markQueueCompleted(ctx, queueRepo, plan.PauseItemIDs)
			}
			skipSleep = true
		}

		if singleRun {
			loop.State = models.LoopStateStopped
			_ = loopRepo.Update(ctx, loop)
			return nil
		}

		// A limit reached by this iteration stops the loop now, through the
		// checks at the top of the loop, instead of after another interval.
		if (maxIterations > 0 && iterationCount >= maxIterations) || (maxRuntime > 0 && time.Since(startedAt) >= maxRuntime) {
			continue
		}

		if !skipSleep {
			interval := time.Duration(loop.IntervalSeconds) * time.Second
			r.sleep(ctx, interval)
		}
	}
}

func (r *Runner) preparePrompt(loop *models.Loop, run *models.LoopRun, profile *models.Profile, prompt promptSpec, hasMessages bool) (string, string, error) {
	promptPath := prompt.Path
	promptContent := prompt.Content

	needsRender := !prompt.FromFile || hasMessages

	if profile.PromptMode == models.PromptModePath {
		if promptPath == "" || needsRender {
			path, err := r.writePromptFile(loop.ID, run.ID, promptContent)
			if err != nil {
				return "", "", err
			}
			promptPath = path
		}
		return promptPath, promptContent, nil
	}

	return promptPath, promptContent, nil
}

// executeRun spawns the harness subprocess and waits for it to finish. There
// is no cooperative cancellation channel inside a running subprocess: once
// started, a run can only be ended by the process exiting on its own.
// kill_now/stop_graceful requests queued mid-run are honored at the next
// iteration boundary, not by reaching back into this call.
func (r *Runner) executeRun(ctx context.Context, loop *models.Loop, profile models.Profile, promptPath, promptContent string, logWriter *loopLogger) runResult {
	outputWriter := newTailWriter(r.OutputTailLines)
	writer := io.MultiWriter(logWriter, outputWriter)
	exitCode, outputTail, err := r.Exec(ctx, profile, promptPath, promptContent, loop.RepoPath, writer)
	return runResult{
		status:     statusFromResult(err),
		exitCode:   exitCode,
		outputTail: limitOutputLines(outputTailOrFallback(outputTail, outputWriter.String()), r.OutputTailLines),
		errText:    errText(err),
	}
}

// evaluatePostRunStop runs the post-run quant and qual stop rules and returns
// the first matching reason, or "" if neither fired.
func (r *Runner) evaluatePostRunStop(ctx context.Context, cfg *stoprule.Config, loop *models.Loop, iterationIndex int, competingIntent, singleRun bool, logWriter *loopLogger) string {
	if cfg == nil {
		return ""
	}

	if cfg.Quant != nil && stoprule.QuantShouldEvaluate(cfg.Quant, stoprule.WhenAfterRun, iterationIndex) {
		quantResult := stoprule.RunQuantCommand(ctx, cfg.Quant, loop.RepoPath)
		if quantResult.Stopped {
			return "quantitative stop matched (after-run)"
		}
	}

	if cfg.Qual != nil && stoprule.QualShouldEvaluate(cfg.Qual, iterationIndex) && !competingIntent && !singleRun {
		judgeText, err := stoprule.ResolveJudgeOutput(cfg.Qual, loop.RepoPath)
		if err != nil {
			logWriter.WriteLine(fmt.Sprintf("qual judge resolve error: %v", err))
			return ""
		}
		stop, reason := stoprule.ClassifyJudgeOutput(judgeText, cfg.Qual.OnInvalid)
		if stop {
			logWriter.WriteLine(fmt.Sprintf("post-run qual stop: %s", reason))
			return "qualitative stop matched (after-run)"
		}
	}

	return ""
}

func (r *Runner) ensureLoopPaths(ctx context.Context, loop *models.Loop, repo *db.LoopRepository) error {
	updated := false
	if loop.LogPath == "" {
		path := LogPath(r.Config.Global.DataDir, loop.Name, loop.ID)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		loop.LogPath = path
		updated = true
	} else {
		if err := os.MkdirAll(filepath.Dir(loop.LogPath), 0o755); err != nil {
			return err
		}
	}
	if loop.LedgerPath == "" {
		path := LedgerPath(loop.RepoPath, loop.Name, loop.ID)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		loop.LedgerPath = path
		updated = true
	}
	if updated {
		if err := repo.Update(ctx, loop); err != nil {
			return err
		}
	}

	return ensureLedgerFile(loop)
}

// attachLoopPID stamps the owning process's pid on every call (it genuinely
// changes across invocations of the same loop) but only seeds
// iteration_count/started_at when they're absent from persisted metadata.
// Resetting either on a re-attach would silently rewind the max_iterations
// and max_runtime_seconds counters a previous RunOnce/RunLoop call left
// behind, re-arming limits that should already be exhausted.
func (r *Runner) attachLoopPID(ctx context.Context, loop *models.Loop, repo *db.LoopRepository) error {
	if loop.Metadata == nil {
		loop.Metadata = make(map[string]any)
	}
	loop.Metadata["pid"] = os.Getpid()

	if _, present := loop.Metadata["iteration_count"]; !present {
		loop.Metadata["iteration_count"] = 0
	}
	if loop.MaxRuntimeSeconds > 0 {
		if _, present := loop.Metadata["started_at"]; !present {
			setMetadataTime(loop.Metadata, "started_at", time.Now().UTC())
		}
	}

	return repo.Update(ctx, loop)
}

func loopIterationCount(metadata map[string]any) int {
	return metadataInt(metadata, "iteration_count", 0)
}

func setLoopIterationCount(loop *models.Loop, count int) {
	if loop.Metadata == nil {
		loop.Metadata = make(map[string]any)
	}
	loop.Metadata["iteration_count"] = count
}

func loopStartedAt(metadata map[string]any) time.Time {
	return metadataTime(metadata, "started_at")
}

func setLoopStartedAt(loop *models.Loop, startedAt time.Time) {
	loop.Metadata = setMetadataTime(loop.Metadata, "started_at", startedAt)
}

func (r *Runner) sleep(ctx context.Context, duration time.Duration) {
	if duration <= 0 {
		return
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (r *Runner) sleepUntil(ctx context.Context, when time.Time) {
	if when.IsZero() {
		r.sleep(ctx, defaultWaitInterval)
		return
	}
	wait := time.Until(when)
	if wait < 0 {
		wait = defaultWaitInterval
	}
	r.sleep(ctx, wait)
}

func defaultExecute(ctx context.Context, profile models.Profile, promptPath, promptContent, workDir string, output io.Writer) (int, string, error) {
	execPlan, err := harness.BuildExecution(ctx, profile, promptPath, promptContent)
	if err != nil {
		return -1, "", err
	}
	execPlan.Cmd.Dir = workDir

	result := subprocess.Run(ctx, execPlan.Cmd, execPlan.Stdin, output, defaultOutputTailLines)

	var resultErr error
	if result.ErrText != "" {
		resultErr = errors.New(result.ErrText)
	}
	return result.ExitCode, result.OutputTail, resultErr
}

func statusFromResult(err error) models.LoopRunStatus {
	if err == nil {
		return models.LoopRunStatusSuccess
	}
	return models.LoopRunStatusError
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func outputTailOrFallback(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

type runResult struct {
	status     models.LoopRunStatus
	exitCode   int
	outputTail string
	errText    string
}
