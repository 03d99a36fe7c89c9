package loop

import (
	"path/filepath"
	"strings"
)

// LogPath returns the default log path for a loop that hasn't had one
// persisted yet: <data_dir>/logs/loops/<slug-or-id>.log.
func LogPath(dataDir, name, id string) string {
	return filepath.Join(dataDir, "logs", "loops", slugOrID(name, id)+".log")
}

// LedgerPath returns the default ledger path for a loop that hasn't had one
// persisted yet: <repo>/.forge/ledgers/<slug-or-id>.md.
func LedgerPath(repoPath, name, id string) string {
	return filepath.Join(repoPath, ".forge", "ledgers", slugOrID(name, id)+".md")
}

func slugOrID(name, id string) string {
	if slug := loopSlug(name); slug != "" {
		return slug
	}
	return id
}

// loopSlug lowercases name and collapses runs of whitespace/dash/underscore
// into single hyphens, dropping anything that isn't [a-z0-9]. Returns ""
// for a name that slugifies to nothing (e.g. all punctuation).
func loopSlug(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			pendingSep = true
		}
	}
	return b.String()
}
