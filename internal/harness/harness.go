package harness

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tOgg1/forge/internal/models"
)

// Execution represents a prepared harness execution.
type Execution struct {
	Cmd   *exec.Cmd
	Stdin io.Reader
	Env   []string
}

// BuildExecution prepares a harness command based on profile and prompt settings.
func BuildExecution(ctx context.Context, profile models.Profile, promptPath, promptContent string) (*Execution, error) {
	command := strings.TrimSpace(profile.CommandTemplate)
	if command == "" {
		return nil, errors.New("command template is required")
	}
	if len(profile.ExtraArgs) > 0 {
		command = command + " " + strings.Join(profile.ExtraArgs, " ")
	}

	promptMode := profile.PromptMode
	if promptMode == "" {
		promptMode = models.PromptModeEnv
	}

	codexConfig := ""
	if profile.Harness == models.HarnessCodex {
		codexConfig = resolveCodexConfigPath(profile)
		command = applyCodexSandbox(command, codexConfig)
	}

	command, err := renderCommandForPromptMode(command, promptMode, promptPath)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "bash", "-lc", command)
	env := buildEnv(profile, promptMode, promptContent, codexConfig)
	cmd.Env = env

	var stdin io.Reader
	if promptMode == models.PromptModeStdin {
		stdin = strings.NewReader(promptContent)
		cmd.Stdin = stdin
	}

	return &Execution{Cmd: cmd, Stdin: stdin, Env: env}, nil
}

// renderCommandForPromptMode substitutes the "{prompt}" placeholder for
// path-mode profiles; env/stdin modes pass the prompt out-of-band instead,
// so the command template is left untouched.
func renderCommandForPromptMode(command string, mode models.PromptMode, promptPath string) (string, error) {
	switch mode {
	case models.PromptModePath:
		if promptPath == "" {
			return "", errors.New("prompt path is required for path mode")
		}
		return strings.ReplaceAll(command, "{prompt}", promptPath), nil
	case models.PromptModeEnv, models.PromptModeStdin:
		return command, nil
	default:
		return "", fmt.Errorf("unknown prompt mode %q", mode)
	}
}

// harnessesOwningHome lists harnesses whose auth env var (CODEX_HOME,
// OPENCODE_CONFIG_DIR, ...) fully replaces the role HOME would otherwise
// play, so setting HOME alongside it would only break their own tilde
// expansion without adding anything.
var harnessesOwningHome = map[models.Harness]bool{
	models.HarnessClaude:   true,
	models.HarnessCodex:    true,
	models.HarnessOpenCode: true,
}

// harnessAuthEnv returns the harness-specific env vars that point it at
// authHome, beyond whatever HOME handling buildEnv already applied.
func harnessAuthEnv(h models.Harness, authHome string) []string {
	switch h {
	case models.HarnessCodex:
		return []string{"CODEX_HOME=" + authHome}
	case models.HarnessOpenCode:
		return []string{"OPENCODE_CONFIG_DIR=" + authHome, "XDG_DATA_HOME=" + authHome}
	case models.HarnessPi:
		return []string{"PI_CODING_AGENT_DIR=" + authHome}
	case models.HarnessClaude:
		return []string{"CLAUDE_CONFIG_DIR=" + authHome}
	default:
		return nil
	}
}

func buildEnv(profile models.Profile, mode models.PromptMode, promptContent, codexConfig string) []string {
	env := append([]string{}, defaultEnv()...)

	if profile.AuthHome != "" {
		if !harnessesOwningHome[profile.Harness] {
			env = append(env, "HOME="+profile.AuthHome)
		}
		env = append(env, harnessAuthEnv(profile.Harness, profile.AuthHome)...)
	}

	if mode == models.PromptModeEnv {
		env = append(env, "FORGE_PROMPT_CONTENT="+promptContent)
	}
	if codexConfig != "" {
		env = append(env, "CODEX_CONFIG="+codexConfig)
	}

	for key, value := range profile.Env {
		env = append(env, key+"="+value)
	}

	return env
}

func defaultEnv() []string {
	return os.Environ()
}

// resolveCodexConfigPath finds the codex config.toml a profile should read
// sandbox settings from: the profile's own auth dir first, falling back to
// the invoking user's ~/.codex.
func resolveCodexConfigPath(profile models.Profile) string {
	var candidates []string
	if profile.AuthHome != "" {
		candidates = append(candidates, filepath.Join(profile.AuthHome, "config.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		candidates = append(candidates, filepath.Join(home, ".codex", "config.toml"))
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// detectCodexSandbox reads the sandbox_mode key out of a codex config.toml,
// tolerating any TOML it doesn't otherwise understand (it only looks for
// one top-level key, not a full parse).
func detectCodexSandbox(configPath string) string {
	if configPath == "" {
		return ""
	}

	file, err := os.Open(configPath)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") {
			continue
		}
		if !strings.HasPrefix(line, "sandbox_mode") {
			continue
		}
		_, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), "\"")
	}
	return ""
}

// applyCodexSandbox reconciles a codex command template with the sandbox
// mode discovered in its config: it strips "--full-auto" when a stricter
// sandbox applies, drops "--dangerously-bypass-approvals-and-sandbox" so the
// configured sandbox takes effect, leaves an explicit "--sandbox <mode>" or
// "--sandbox=<mode>" alone, and otherwise appends the configured sandbox
// (nothing for workspace-write), taking care to stay before a trailing "-"
// that marks stdin piping.
func applyCodexSandbox(command string, codexConfig string) string {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return trimmed
	}

	sandbox := detectCodexSandbox(codexConfig)
	if sandbox == "" {
		return trimmed
	}

	if sandbox != "workspace-write" && strings.Contains(trimmed, "--full-auto") {
		trimmed = strings.ReplaceAll(trimmed, "--full-auto", "")
		trimmed = strings.Join(strings.Fields(trimmed), " ")
	}

	if strings.Contains(trimmed, "--dangerously-bypass-approvals-and-sandbox") {
		trimmed = strings.ReplaceAll(trimmed, "--dangerously-bypass-approvals-and-sandbox", "")
		trimmed = strings.Join(strings.Fields(trimmed), " ")
	}

	if strings.Contains(trimmed, "--sandbox ") || strings.Contains(trimmed, "--sandbox=") {
		return trimmed
	}

	if sandbox == "workspace-write" {
		return trimmed
	}

	if rest, ok := strings.CutSuffix(trimmed, " -"); ok {
		return rest + " --sandbox " + sandbox + " -"
	}
	return trimmed + " --sandbox " + sandbox
}
