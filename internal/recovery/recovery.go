// Package recovery implements startup recovery (C9): orphan-execution
// cleanup, before-commit backfill, and repo-name backfill, run once when
// the core process starts (spec §4.7).
//
// Grounded on spec §4.7 and on original_source/container.rs's startup
// sweep plus the teacher's internal/engine ResetActiveStatuses (a
// process-restart reconciliation pass over one status file, generalised
// here to the full execution_process/repo_state/project table set).
package recovery

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/foreman-run/foreman/internal/gitservice"
	"github.com/foreman-run/foreman/internal/store"
)

// Recovery runs the three startup sweeps against st and git. BaseBranch
// resolves the branch to fall back to when no previous process supplies an
// after_head_commit for a repo (spec §4.7 step 2: "the base branch's OID").
type Recovery struct {
	Store      *store.Store
	Git        gitservice.Service
	BaseBranch func(repoID string) string
}

// New wires a Recovery. baseBranch may be nil, in which case "main" is used
// for every repo.
func New(st *store.Store, git gitservice.Service, baseBranch func(repoID string) string) *Recovery {
	if baseBranch == nil {
		baseBranch = func(string) string { return "main" }
	}
	return &Recovery{Store: st, Git: git, BaseBranch: baseBranch}
}

// Run executes all three sweeps in spec order and returns the first hard
// error encountered; best-effort sub-steps (after_head_commit capture) are
// logged and skipped rather than aborting the whole sweep.
func (r *Recovery) Run() error {
	if err := r.CleanupOrphanExecutions(); err != nil {
		return fmt.Errorf("cleanup_orphan_executions: %w", err)
	}
	if err := r.BackfillBeforeHeadCommits(); err != nil {
		return fmt.Errorf("backfill_before_head_commits: %w", err)
	}
	if err := r.BackfillRepoNames(); err != nil {
		return fmt.Errorf("backfill_repo_names: %w", err)
	}
	return nil
}

// orphanRoutesToInReview are the run reasons whose orphaned parent task is
// routed to InReview (spec §4.7 step 1); DevServer orphans are excluded.
var orphanRoutesToInReview = map[store.RunReason]bool{
	store.RunCodingAgent:   true,
	store.RunSetupScript:   true,
	store.RunCleanupScript: true,
}

// CleanupOrphanExecutions implements spec §4.7 step 1: every Running
// ExecutionProcess left over from a prior process lifetime is marked
// Failed with no exit code; after_head_commit is captured best-effort per
// repo; orphans whose run_reason is CodingAgent/SetupScript/CleanupScript
// route their parent task to InReview.
func (r *Recovery) CleanupOrphanExecutions() error {
	for _, p := range r.Store.ListRunning() {
		for _, rs := range r.Store.RepoStatesForProcess(p.ID) {
			repo, ok := r.Store.GetRepo(rs.RepoID)
			if !ok {
				continue
			}
			head, err := r.Git.HeadInfo(repo.Path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: could not capture after_head_commit for orphan %s repo %s: %v\n", p.ID, rs.RepoID, err)
				continue
			}
			if err := r.Store.UpdateAfterHeadCommit(p.ID, rs.RepoID, head.OID); err != nil {
				fmt.Fprintf(os.Stderr, "warning: persisting after_head_commit for orphan %s repo %s: %v\n", p.ID, rs.RepoID, err)
			}
		}

		if _, err := r.Store.UpdateExecutionProcessCompletion(p.ID, store.ProcessFailed, nil); err != nil {
			return fmt.Errorf("marking orphan %s failed: %w", p.ID, err)
		}

		if !orphanRoutesToInReview[p.RunReason] {
			continue
		}
		sess, ok := r.Store.GetSession(p.SessionID)
		if !ok {
			continue
		}
		task, ok := r.Store.ParentTask(sess.WorkspaceID)
		if !ok {
			continue
		}
		if _, err := r.Store.UpdateTaskStatus(task.ID, store.TaskInReview); err != nil {
			return fmt.Errorf("routing orphan %s's task to in_review: %w", task.ID, err)
		}
	}
	return nil
}

// BackfillBeforeHeadCommits implements spec §4.7 step 2: for every repo
// state that has an after_head_commit but no before_head_commit, set it to
// the previous process's after_head_commit on that repo, or the base
// branch's OID if there is no previous process.
func (r *Recovery) BackfillBeforeHeadCommits() error {
	for _, processID := range r.Store.ListMissingBeforeHeadCommit() {
		for _, rs := range r.Store.RepoStatesForProcess(processID) {
			if rs.BeforeHeadCommit != nil || rs.AfterHeadCommit == nil {
				continue
			}
			oid, err := r.resolveBeforeCommit(processID, rs.RepoID)
			if err != nil {
				return fmt.Errorf("resolving before_head_commit for process %s repo %s: %w", processID, rs.RepoID, err)
			}
			if err := r.Store.UpdateBeforeHeadCommit(processID, rs.RepoID, oid); err != nil {
				return fmt.Errorf("persisting before_head_commit for process %s repo %s: %w", processID, rs.RepoID, err)
			}
		}
	}
	return nil
}

func (r *Recovery) resolveBeforeCommit(processID, repoID string) (string, error) {
	if prev, ok := r.Store.PreviousProcess(processID); ok {
		for _, prs := range r.Store.RepoStatesForProcess(prev.ID) {
			if prs.RepoID == repoID && prs.AfterHeadCommit != nil {
				return *prs.AfterHeadCommit, nil
			}
		}
	}
	repo, ok := r.Store.GetRepo(repoID)
	if !ok {
		return "", fmt.Errorf("repo %s not found", repoID)
	}
	return r.Git.BranchOID(repo.Path, r.BaseBranch(repoID))
}

// BackfillRepoNames implements spec §4.7 step 3: repos still carrying the
// migration sentinel get their name set from their on-disk directory;
// projects left with exactly one repo get their working-dir defaults filled
// from that repo's name if empty.
func (r *Recovery) BackfillRepoNames() error {
	for _, project := range r.Store.ListProjects() {
		repos, err := r.Store.ReposForProject(project.ID)
		if err != nil {
			return fmt.Errorf("listing repos for project %s: %w", project.ID, err)
		}
		for _, repo := range repos {
			if repo.Name != store.UnmigratedRepoName {
				continue
			}
			repo.Name = filepath.Base(repo.Path)
			if _, err := r.Store.UpdateRepo(repo); err != nil {
				return fmt.Errorf("backfilling name for repo %s: %w", repo.ID, err)
			}
		}
		if len(repos) != 1 {
			continue
		}
		sole := repos[0]
		if sole.Name == store.UnmigratedRepoName {
			sole.Name = filepath.Base(sole.Path)
		}
		if _, err := r.Store.UpdateProjectWorkingDirs(project.ID, sole.Name, sole.Name); err != nil {
			return fmt.Errorf("backfilling working dirs for project %s: %w", project.ID, err)
		}
	}
	return nil
}
