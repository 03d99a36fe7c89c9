package stoprule

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// QuantResult is the outcome of running and matching a quant stop rule.
type QuantResult struct {
	Ran      bool
	ExitCode int
	Stdout   string
	Stderr   string
	Matched  bool
	Stopped  bool
	Reason   string
	RunErr   error
}

// QuantShouldEvaluate reports whether a quant rule is due at the given
// iteration index and cadence phase. Pure predicate, no side effects.
func QuantShouldEvaluate(cfg *QuantConfig, phase When, iterationIndex int) bool {
	if cfg == nil || strings.TrimSpace(cfg.Cmd) == "" {
		return false
	}
	if cfg.EveryN <= 0 {
		return false
	}
	if cfg.When != WhenBoth && cfg.When != phase {
		return false
	}
	return iterationIndex%cfg.EveryN == 0
}

// QuantRuleMatches compares an exit code and captured stdout/stderr against
// a quant rule's configured match conditions. Pure predicate.
func QuantRuleMatches(cfg *QuantConfig, exitCode int, stdout, stderr string) (bool, error) {
	if cfg == nil {
		return false, nil
	}

	exitMatch := matchExitCode(cfg.ExitCodes, exitCode)
	if cfg.ExitInvert {
		exitMatch = !exitMatch
	}
	if !exitMatch {
		return false, nil
	}

	stdoutMatch, err := matchStream(cfg.StdoutMode, cfg.StdoutRegex, stdout)
	if err != nil {
		return false, fmt.Errorf("stdout match: %w", err)
	}
	if !stdoutMatch {
		return false, nil
	}

	stderrMatch, err := matchStream(cfg.StderrMode, cfg.StderrRegex, stderr)
	if err != nil {
		return false, fmt.Errorf("stderr match: %w", err)
	}
	return stderrMatch, nil
}

func matchExitCode(codes []int, exitCode int) bool {
	if len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		if c == exitCode {
			return true
		}
	}
	return false
}

func matchStream(mode MatchMode, pattern, content string) (bool, error) {
	switch mode {
	case "", MatchAny:
		return true, nil
	case MatchEmpty:
		return strings.TrimSpace(content) == "", nil
	case MatchNonempty:
		return strings.TrimSpace(content) != "", nil
	case MatchContains:
		return strings.Contains(content, pattern), nil
	case MatchRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(content), nil
	default:
		return false, fmt.Errorf("unknown match mode: %s", mode)
	}
}

// RunQuantCommand runs the configured shell command with cwd = repoPath and
// an optional timeout, then applies QuantRuleMatches to the result.
func RunQuantCommand(ctx context.Context, cfg *QuantConfig, repoPath string) QuantResult {
	if cfg == nil || strings.TrimSpace(cfg.Cmd) == "" {
		return QuantResult{}
	}

	runCtx := ctx
	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", cfg.Cmd)
	cmd.Dir = repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := exitCodeFromError(runErr)

	matched, matchErr := QuantRuleMatches(cfg, exitCode, stdout.String(), stderr.String())
	if matchErr != nil {
		return QuantResult{Ran: true, ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String(), RunErr: matchErr}
	}

	decision := cfg.Decision
	if decision == "" {
		decision = DecisionStop
	}

	result := QuantResult{
		Ran:      true,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Matched:  matched,
		RunErr:   runErr,
	}

	if matched && decision != DecisionContinue {
		result.Stopped = true
		result.Reason = "quantitative stop matched"
	}

	return result
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
