package loop

import (
	"os"
	"path/filepath"
)

// promptFilePath returns the on-disk path a run's materialized prompt is
// written to: <data_dir>/prompts/<loop_id>/<run_id>.md, per the layout the
// harness planner's path-mode prompt passing depends on.
func promptFilePath(dataDir, loopID, runID string) string {
	return filepath.Join(dataDir, "prompts", loopID, runID+".md")
}

// writePromptFile materializes content at the run's prompt path, creating
// the per-loop prompt directory if it doesn't exist yet.
func (r *Runner) writePromptFile(loopID, runID, content string) (string, error) {
	path := promptFilePath(r.Config.Global.DataDir, loopID, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
