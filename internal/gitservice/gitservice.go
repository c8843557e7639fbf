// Package gitservice implements the GitService contract the execution core
// consumes for head-commit capture, branch OIDs, conflict probing and commit
// creation. It is an exec("git")-based wrapper in the shape of the teacher's
// internal/git package, generalised from a single "station repo" caller to
// any repo path the core hands it, and extended with the conflict probes
// (is_rebase_in_progress, get_conflicted_files) the core's finalisation path
// needs that the teacher's engine never had to ask (it only ever rebased its
// own generated branches, never probed a coding agent's leftovers).
package gitservice

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	gitignore "github.com/sabhiram/go-gitignore"
)

// Retry constants for transient git errors, same figures the teacher uses.
const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
}

func isTransient(errMsg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(errMsg, p) {
			return true
		}
	}
	return false
}

// HeadInfo is the {oid, ...} the spec's GitService.get_head_info returns.
// The teacher never needed a branch name alongside the OID since it only
// ever worked with the checked-out branch directly; the core inspects
// repos it did not check out itself, so HeadInfo carries both.
type HeadInfo struct {
	OID    string
	Branch string
}

// Service is the GitService contract (spec §6): head info, branch OIDs,
// rebase/conflict probes and a commit operation. Everything else the core
// needs from git (worktree creation, rebase) lives on the same type since
// they share the retry/transient-error plumbing, but only the methods named
// in the spec are part of the external contract other packages should
// depend on through this interface.
type Service interface {
	HeadInfo(repoPath string) (HeadInfo, error)
	BranchOID(repoPath, branch string) (string, error)
	IsRebaseInProgress(repoPath string) (bool, error)
	ConflictedFiles(repoPath string) ([]string, error)
	Commit(repoPath, message string) (oid string, err error)

	CreateWorktree(repoPath, worktreePath, branch, from string) error
	RemoveWorktree(repoPath, worktreePath string) error
	Rebase(repoPath, targetBranch string) error
}

// ExecService is the concrete Service backed by an external git binary,
// the teacher's only way of talking to git.
type ExecService struct {
	// sleep is swapped out in tests to avoid real retry delays, mirroring
	// the teacher's sleepFunc var.
	sleep func(time.Duration)
}

// New returns an ExecService ready for use.
func New() *ExecService {
	return &ExecService{sleep: time.Sleep}
}

func (s *ExecService) run(dir string, args ...string) (string, error) {
	delay := retryInitialDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		errMsg := strings.TrimSpace(string(out))
		if !isTransient(errMsg) || attempt == retryMaxAttempts-1 {
			return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), errMsg, err)
		}
		s.sleep(delay)
		delay *= retryMultiplier
	}
	return "", nil
}

// HeadInfo returns the OID and current branch at HEAD.
func (s *ExecService) HeadInfo(repoPath string) (HeadInfo, error) {
	oid, err := s.run(repoPath, "rev-parse", "HEAD")
	if err != nil {
		return HeadInfo{}, err
	}
	branch, err := s.run(repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return HeadInfo{}, err
	}
	return HeadInfo{OID: oid, Branch: branch}, nil
}

// BranchOID resolves a branch name (or any ref) to its commit OID.
func (s *ExecService) BranchOID(repoPath, branch string) (string, error) {
	return s.run(repoPath, "rev-parse", branch)
}

// IsRebaseInProgress reports whether repoPath currently has an in-progress
// rebase, probed the same way `git status` surfaces it: the presence of
// .git/rebase-merge or .git/rebase-apply. We shell out to rev-parse instead
// of stat-ing the filesystem directly so this also works correctly against
// a linked worktree, whose per-worktree git-dir git itself resolves for us.
func (s *ExecService) IsRebaseInProgress(repoPath string) (bool, error) {
	out, err := s.run(repoPath, "rev-parse", "--git-path", "rebase-merge")
	if err != nil {
		return false, err
	}
	if pathExists(joinGitDir(repoPath, out)) {
		return true, nil
	}
	out, err = s.run(repoPath, "rev-parse", "--git-path", "rebase-apply")
	if err != nil {
		return false, err
	}
	return pathExists(joinGitDir(repoPath, out)), nil
}

// ConflictedFiles returns paths with unresolved merge conflicts, i.e. those
// git status reports in the "U" (unmerged) family, minus any matching the
// repo's .foremanignore (see filterIgnored in paths.go).
func (s *ExecService) ConflictedFiles(repoPath string) ([]string, error) {
	out, err := s.run(repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return filterIgnored(repoPath, strings.Split(out, "\n")), nil
}

// Commit stages everything not excluded by .gitignore and commits it,
// returning the new HEAD OID. Mirrors the teacher's StageAll+Commit pair,
// collapsed into one call since the core never needs to stage without
// committing. --no-verify for the same reason the teacher uses it: commits
// happen after the coding agent has exited, so there is nobody left to act
// on a failing pre-commit hook.
func (s *ExecService) Commit(repoPath, message string) (string, error) {
	if _, err := s.run(repoPath, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := s.run(repoPath, "commit", "--no-verify", "-m", message); err != nil {
		return "", err
	}
	return s.run(repoPath, "rev-parse", "HEAD")
}

// CreateWorktree adds a linked worktree at worktreePath checked out to
// branch, creating branch from `from` first if it doesn't already exist.
func (s *ExecService) CreateWorktree(repoPath, worktreePath, branch, from string) error {
	if _, err := s.run(repoPath, "rev-parse", "--verify", branch); err != nil {
		if _, err := s.run(repoPath, "branch", branch, from); err != nil {
			return fmt.Errorf("creating branch %s: %w", branch, err)
		}
	}
	_, err := s.run(repoPath, "worktree", "add", worktreePath, branch)
	return err
}

// RemoveWorktree removes a linked worktree and prunes its administrative
// files, tolerating one that is already gone from disk.
func (s *ExecService) RemoveWorktree(repoPath, worktreePath string) error {
	_, err := s.run(repoPath, "worktree", "remove", "--force", worktreePath)
	if err != nil && strings.Contains(err.Error(), "is not a working tree") {
		return nil
	}
	return err
}

// Rebase rebases worktreePath's current branch onto targetBranch. On
// conflict it aborts and hard-resets to targetBranch rather than leaving a
// half-finished rebase behind — the coding agent that produced the stale
// commits is not available to resolve them, so there is nothing useful a
// human gains from an in-progress rebase surviving past this call.
func (s *ExecService) Rebase(worktreePath, targetBranch string) error {
	s.abortRebase(worktreePath)
	if _, err := s.run(worktreePath, "rebase", targetBranch); err != nil {
		s.abortRebase(worktreePath)
		if _, resetErr := s.run(worktreePath, "reset", "--hard", targetBranch); resetErr != nil {
			return fmt.Errorf("rebase onto %s failed and reset also failed: %w", targetBranch, resetErr)
		}
	}
	return nil
}

func (s *ExecService) abortRebase(dir string) {
	_, _ = s.run(dir, "rebase", "--abort")
}

// IgnoreMatcher compiles the gitignore-syntax file at gitignorePath into a
// matcher, so agent-authored scratch files can be told from real changes
// without shelling out to git for every path. Its in-tree caller is
// filterIgnored, which compiles a repo's .foremanignore.
func IgnoreMatcher(gitignorePath string) (*gitignore.GitIgnore, error) {
	return gitignore.CompileIgnoreFile(gitignorePath)
}
