package loop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tOgg1/forge/internal/models"
)

// promptSpec is a resolved prompt ready to hand to a harness: the rendered
// text, where it came from, and (when sourced from a file) the path that
// content was read from.
type promptSpec struct {
	Path     string
	Content  string
	Source   string
	Override bool
	FromFile bool
}

// promptSource returns the literal text for a source's inline content, or
// resolves its path and reads the file at it. Exactly one of content/path
// should be non-empty.
func promptSource(path, content string) (promptSpec, error) {
	if content != "" {
		return promptSpec{Content: content}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return promptSpec{}, err
	}
	return promptSpec{Path: path, Content: string(data), FromFile: true}, nil
}

// resolveBasePrompt picks a loop's base prompt from its configured sources
// in priority order: an inline message, an explicit file path, a PROMPT.md
// at the repo root, then the loop's default prompt file. The first source
// that resolves wins.
func resolveBasePrompt(loop *models.Loop) (promptSpec, error) {
	if loop == nil {
		return promptSpec{}, errors.New("loop is nil")
	}

	spec, err := firstResolvedPrompt(
		func() (promptSpec, bool, error) {
			if strings.TrimSpace(loop.BasePromptMsg) == "" {
				return promptSpec{}, false, nil
			}
			spec, err := promptSource("", loop.BasePromptMsg)
			return spec, true, err
		},
		func() (promptSpec, bool, error) {
			if strings.TrimSpace(loop.BasePromptPath) == "" {
				return promptSpec{}, false, nil
			}
			spec, err := promptSource(resolveRepoPath(loop.RepoPath, loop.BasePromptPath), "")
			return spec, true, err
		},
		func() (promptSpec, bool, error) {
			path := filepath.Join(loop.RepoPath, "PROMPT.md")
			if _, err := os.Stat(path); err != nil {
				return promptSpec{}, false, nil
			}
			spec, err := promptSource(path, "")
			return spec, true, err
		},
		func() (promptSpec, bool, error) {
			path := filepath.Join(loop.RepoPath, ".forge", "prompts", "default.md")
			spec, err := promptSource(path, "")
			return spec, true, err
		},
	)
	if err != nil {
		return promptSpec{}, err
	}
	if spec == nil {
		return promptSpec{}, fmt.Errorf("loop %s has no resolvable base prompt", loop.ID)
	}

	spec.Source = "base"
	return *spec, nil
}

// firstResolvedPrompt evaluates candidates in order and returns the first
// one that applies (its ok return is true), short-circuiting on error.
func firstResolvedPrompt(candidates ...func() (promptSpec, bool, error)) (*promptSpec, error) {
	for _, candidate := range candidates {
		spec, ok, err := candidate()
		if err != nil {
			return nil, err
		}
		if ok {
			return &spec, nil
		}
	}
	return nil, nil
}

// resolveOverridePrompt materializes a queued next_prompt_override payload,
// reading it from disk when IsPath is set.
func resolveOverridePrompt(repoPath string, payload models.NextPromptOverridePayload) (promptSpec, error) {
	if strings.TrimSpace(payload.Prompt) == "" {
		return promptSpec{}, errors.New("override prompt is empty")
	}

	var spec promptSpec
	var err error
	if payload.IsPath {
		spec, err = promptSource(resolveRepoPath(repoPath, payload.Prompt), "")
	} else {
		spec, err = promptSource("", payload.Prompt)
	}
	if err != nil {
		return promptSpec{}, err
	}

	spec.Source = "override"
	spec.Override = true
	return spec, nil
}

func resolveRepoPath(repoRoot, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(repoRoot, path)
}

// appendOperatorMessages folds queued operator messages onto the end of a
// prompt's rendered content, each under its own timestamped heading so a
// harness transcript shows exactly when it was injected.
func appendOperatorMessages(base string, messages []messageEntry) string {
	if len(messages) == 0 {
		return base
	}

	var builder strings.Builder
	builder.WriteString(strings.TrimRight(base, "\n"))
	for _, entry := range messages {
		fmt.Fprintf(&builder, "\n\n## Operator Message (%s)\n\n%s",
			entry.Timestamp.UTC().Format(time.RFC3339), strings.TrimSpace(entry.Text))
	}

	return builder.String()
}
