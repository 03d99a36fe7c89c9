package loop

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tOgg1/forge/internal/models"
	"gopkg.in/yaml.v3"
)

const ledgerIndent = "    "

// ensureLedgerFile creates loop.LedgerPath with a single header line if it
// doesn't exist yet. Every subsequent call to appendLedgerEntry just appends.
func ensureLedgerFile(loop *models.Loop) error {
	if loop.LedgerPath == "" {
		return nil
	}
	if _, err := os.Stat(loop.LedgerPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(loop.LedgerPath), 0o755); err != nil {
		return err
	}

	header := fmt.Sprintf("# loop ledger: %s (%s) repo=%s\n\n", loop.Name, loop.ID, loop.RepoPath)
	return os.WriteFile(loop.LedgerPath, []byte(header), 0o644)
}

// appendLedgerEntry writes one run-summary block to loop.LedgerPath, in the
// fixed five-line-header-plus-tail shape every entry shares:
//
//	## <run_id> @ <finished_at>
//	- loop: <name> (<id>) repo=<repo_path>
//	- profile: <name> harness=<harness> auth=<auth_kind>
//	- status: <success|error> exit=<code>
//	- prompt: source=<source> override=<bool> path=<path?>
//	<indented tail, last N lines>
func appendLedgerEntry(loop *models.Loop, run *models.LoopRun, profile *models.Profile, outputTail string, tailLines int) error {
	if loop.LedgerPath == "" {
		return nil
	}

	f, err := os.OpenFile(loop.LedgerPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var block bytes.Buffer
	writeLedgerBlock(&block, loop, run, profile, outputTail, tailLines)

	_, err = f.Write(block.Bytes())
	return err
}

func writeLedgerBlock(w *bytes.Buffer, loop *models.Loop, run *models.LoopRun, profile *models.Profile, outputTail string, tailLines int) {
	fmt.Fprintf(w, "## %s @ %s\n", run.ID, ledgerFinishedAt(run))
	fmt.Fprintf(w, "- loop: %s (%s) repo=%s\n", loop.Name, loop.ID, loop.RepoPath)
	fmt.Fprintf(w, "- profile: %s harness=%s auth=%s\n", profile.Name, profile.Harness, ledgerOrDash(profile.AuthKind))
	fmt.Fprintf(w, "- status: %s exit=%s\n", run.Status, ledgerExitCode(run.ExitCode))
	fmt.Fprintf(w, "- prompt: source=%s override=%t path=%s\n", run.PromptSource, run.PromptOverride, ledgerOrDash(run.PromptPath))

	if tail := strings.TrimRight(limitOutputLines(outputTail, tailLines), "\n"); tail != "" {
		w.WriteString(indentLedgerTail(tail))
		w.WriteString("\n")
	}

	if summary := gitWorkingTreeSummary(loop.RepoPath); summary != "" {
		w.WriteString("- git:\n")
		w.WriteString(indentLedgerTail(summary))
		w.WriteString("\n")
	}

	w.WriteString("\n")
}

func ledgerFinishedAt(run *models.LoopRun) string {
	if run.FinishedAt != nil {
		return run.FinishedAt.UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func ledgerExitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}

func ledgerOrDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func indentLedgerTail(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = ledgerIndent + line
	}
	return strings.Join(lines, "\n")
}

// limitOutputLines keeps only the last maxLines of text, matching the
// output_tail cap applied to the run record itself.
func limitOutputLines(text string, maxLines int) string {
	if maxLines <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= maxLines {
		return text
	}
	return strings.Join(lines[len(lines)-maxLines:], "\n")
}

// gitRepoLedgerConfig is read from <repo>/.forge/forge.yaml; a repo opts
// into the "git:" ledger section by setting either flag.
type gitRepoLedgerConfig struct {
	Ledger struct {
		GitStatus   bool `yaml:"git_status"`
		GitDiffStat bool `yaml:"git_diff_stat"`
	} `yaml:"ledger"`
}

// gitWorkingTreeSummary renders an optional porcelain-status / diff-stat
// digest for the entry's trailing "- git:" section. Empty when the repo
// opts out, isn't a git repo, or git isn't on PATH.
func gitWorkingTreeSummary(repoPath string) string {
	cfg := readGitLedgerConfig(repoPath)
	if !cfg.Ledger.GitStatus && !cfg.Ledger.GitDiffStat {
		return ""
	}
	if !runGitBool(repoPath, "rev-parse", "--is-inside-work-tree") {
		return ""
	}

	var lines []string
	if cfg.Ledger.GitStatus {
		lines = append(lines, "status --porcelain:", gitOutputOrClean(repoPath, "status", "--porcelain"))
	}
	if cfg.Ledger.GitDiffStat {
		lines = append(lines, "diff --stat:", gitOutputOrClean(repoPath, "diff", "--stat"))
	}
	return strings.Join(lines, "\n")
}

func gitOutputOrClean(repoPath string, args ...string) string {
	out, err := runGitOutput(repoPath, args...)
	if err != nil || strings.TrimSpace(out) == "" {
		return "(clean)"
	}
	return strings.TrimSpace(out)
}

func readGitLedgerConfig(repoPath string) gitRepoLedgerConfig {
	var cfg gitRepoLedgerConfig
	data, err := os.ReadFile(filepath.Join(repoPath, ".forge", "forge.yaml"))
	if err != nil {
		return cfg
	}
	_ = yaml.Unmarshal(data, &cfg)
	return cfg
}

func runGitBool(repoPath string, args ...string) bool {
	out, err := runGitOutput(repoPath, args...)
	return err == nil && strings.TrimSpace(out) == "true"
}

func runGitOutput(repoPath string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repoPath
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return stdout.String(), nil
}
