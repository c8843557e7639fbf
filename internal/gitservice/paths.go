package gitservice

import (
	"os"
	"path/filepath"
)

// joinGitDir resolves a path `git rev-parse --git-path` printed, which may
// already be absolute (linked worktrees) or relative to repoPath (the main
// working tree).
func joinGitDir(repoPath, gitPath string) string {
	if filepath.IsAbs(gitPath) {
		return gitPath
	}
	return filepath.Join(repoPath, gitPath)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// filterIgnored drops any path in files matching repoPath/.foremanignore,
// the project-level allowlist for scratch files a coding agent leaves mid-
// merge (regenerated lockfiles, build output) that should never surface as
// a real conflict. Repos without a .foremanignore are returned unfiltered;
// a malformed one is treated the same way rather than failing the probe.
func filterIgnored(repoPath string, files []string) []string {
	ignorePath := filepath.Join(repoPath, ".foremanignore")
	if !pathExists(ignorePath) {
		return files
	}
	gi, err := IgnoreMatcher(ignorePath)
	if err != nil {
		return files
	}
	kept := make([]string, 0, len(files))
	for _, f := range files {
		if !gi.MatchesPath(f) {
			kept = append(kept, f)
		}
	}
	return kept
}
