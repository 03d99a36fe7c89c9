package stoprule

import (
	"os"
	"path/filepath"
	"strings"
)

var stopTokens = []string{"stop", "done", "halt", "finished", "complete", "completed"}
var continueTokens = []string{"continue", "proceed", "more", "keep going", "in progress"}

// negatedStopTokens are continue signals that would otherwise trip a stop
// token by substring ("not done" contains "done"), so they are checked
// first.
var negatedStopTokens = []string{"not done", "not stop", "not finished", "not complete", "incomplete"}

// ClassifyJudgeOutput parses a judge's free text into a stop/continue
// decision. Ambiguous or empty text falls back to onInvalid. This is the
// single place the token grammar lives; callers never inspect judge text
// themselves.
func ClassifyJudgeOutput(text string, onInvalid OnInvalid) (stop bool, reason string) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return onInvalid == OnInvalidStop, "judge output empty, falling back to on_invalid"
	}

	for _, token := range negatedStopTokens {
		if strings.Contains(normalized, token) {
			return false, "judge output matched continue token: " + token
		}
	}
	for _, token := range stopTokens {
		if strings.Contains(normalized, token) {
			return true, "judge output matched stop token: " + token
		}
	}
	for _, token := range continueTokens {
		if strings.Contains(normalized, token) {
			return false, "judge output matched continue token: " + token
		}
	}

	return onInvalid == OnInvalidStop, "judge output ambiguous, falling back to on_invalid"
}

// QualShouldEvaluate reports whether a qual rule is due at this iteration.
func QualShouldEvaluate(cfg *QualConfig, iterationIndex int) bool {
	if cfg == nil || cfg.EveryN <= 0 {
		return false
	}
	return iterationIndex%cfg.EveryN == 0
}

// ResolveJudgeOutput returns the literal judge text, reading it from a file
// relative to repoPath when IsPromptPath is set.
func ResolveJudgeOutput(cfg *QualConfig, repoPath string) (string, error) {
	if cfg == nil {
		return "", nil
	}
	if !cfg.IsPromptPath {
		return cfg.Prompt, nil
	}

	path := cfg.Prompt
	if !filepath.IsAbs(path) {
		path = filepath.Join(repoPath, path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}
