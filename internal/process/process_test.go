package process

import (
	"testing"
	"time"

	"github.com/foreman-run/foreman/internal/action"
	"github.com/foreman-run/foreman/internal/gitservice"
	"github.com/foreman-run/foreman/internal/store"
)

type fakeGit struct {
	oid             string
	rebaseInProg    map[string]bool
	conflictedFiles map[string][]string
}

func newFakeGit() *fakeGit {
	return &fakeGit{oid: "abc123", rebaseInProg: map[string]bool{}, conflictedFiles: map[string][]string{}}
}

func (f *fakeGit) HeadInfo(repoPath string) (gitservice.HeadInfo, error) {
	return gitservice.HeadInfo{OID: f.oid, Branch: "main"}, nil
}
func (f *fakeGit) BranchOID(repoPath, branch string) (string, error) { return f.oid, nil }
func (f *fakeGit) IsRebaseInProgress(repoPath string) (bool, error) {
	return f.rebaseInProg[repoPath], nil
}
func (f *fakeGit) ConflictedFiles(repoPath string) ([]string, error) {
	return f.conflictedFiles[repoPath], nil
}
func (f *fakeGit) Commit(repoPath, message string) (string, error) { return f.oid, nil }
func (f *fakeGit) CreateWorktree(repoPath, worktreePath, branch, from string) error { return nil }
func (f *fakeGit) RemoveWorktree(repoPath, worktreePath string) error               { return nil }
func (f *fakeGit) Rebase(repoPath, targetBranch string) error                      { return nil }

func newTestSupervisor(t *testing.T) (*Supervisor, *store.Store) {
	t.Helper()
	st := store.New("")
	if _, err := st.CreateProject(store.Project{ID: "p1", Name: "proj"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := st.CreateTask(store.Task{ID: "t1", ProjectID: "p1", Title: "do it"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	sup := NewSupervisor(st, newFakeGit(), NewRegistry(), nil, nil)
	return sup, st
}

func TestStartExecutionScriptMovesTaskToInProgress(t *testing.T) {
	sup, st := newTestSupervisor(t)
	task, _ := st.GetTask("t1")

	// sleep, not echo: StartExecution now spawns a background watcher that
	// finalizes the task the instant the child exits (awaitCompletion), so
	// the child must still be running when this test reads task/repo state
	// back out, or the assertions below race the watcher.
	act := action.NewScript(action.ScriptRequest{Script: "sleep 1", Context: action.ContextSetupScript, WorkingDir: t.TempDir()})
	ep, err := sup.StartExecution("e1", "s1", []RepoWorktree{{RepoID: "r1", Path: t.TempDir()}}, act, store.RunSetupScript, nil, task)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if ep.Status != store.ProcessRunning {
		t.Fatalf("expected running status, got %v", ep.Status)
	}

	updated, _ := st.GetTask("t1")
	if updated.Status != store.TaskInProgress {
		t.Fatalf("expected task moved to in_progress, got %v", updated.Status)
	}

	states := st.RepoStatesForProcess(ep.ID)
	if len(states) != 1 || states[0].BeforeHeadCommit == nil || *states[0].BeforeHeadCommit != "abc123" {
		t.Fatalf("expected before_head_commit captured, got %+v", states)
	}
}

func TestStartExecutionFailedSpawnMarksTaskInReview(t *testing.T) {
	sup, st := newTestSupervisor(t)
	task, _ := st.GetTask("t1")

	act := action.NewCodingAgentInitial(action.CodingAgentInitialRequest{Prompt: "go", ExecutorProfileID: "writer"})
	ep, err := sup.StartExecution("e2", "s1", nil, act, store.RunCodingAgent, nil, task)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if ep.Status != store.ProcessFailed {
		t.Fatalf("expected failed status when no agent profile is resolved, got %v", ep.Status)
	}

	updated, _ := st.GetTask("t1")
	if updated.Status != store.TaskInReview {
		t.Fatalf("expected task moved to in_review after failed start, got %v", updated.Status)
	}

	lines := st.ReadLogLines(ep.ID)
	if len(lines) == 0 {
		t.Fatal("expected a stderr log line recorded for the failed start")
	}
}

func TestShouldFinalize(t *testing.T) {
	setupLeaf := action.NewScript(action.ScriptRequest{Context: action.ContextSetupScript})
	if ShouldFinalize(store.RunSetupScript, store.ProcessCompleted, nil) {
		t.Fatal("a parallel-mode setup leaf (SetupScript, no next_action) should never finalize")
	}
	if ShouldFinalize(store.RunDevServer, store.ProcessCompleted, nil) {
		t.Fatal("DevServer should never finalize")
	}
	if !ShouldFinalize(store.RunCodingAgent, store.ProcessFailed, setupLeaf) {
		t.Fatal("Failed should always finalize even with a next_action present")
	}
	if !ShouldFinalize(store.RunCodingAgent, store.ProcessCompleted, nil) {
		t.Fatal("a completed tail-of-chain action should finalize")
	}
	if ShouldFinalize(store.RunCodingAgent, store.ProcessCompleted, setupLeaf) {
		t.Fatal("a completed action with a next_action should not finalize yet")
	}
}

func TestFinalizeTaskSkipsKilledAndAlwaysGoesToTesting(t *testing.T) {
	sup, st := newTestSupervisor(t)
	if err := sup.FinalizeTask("t1", store.ProcessKilled); err != nil {
		t.Fatalf("FinalizeTask(Killed): %v", err)
	}
	task, _ := st.GetTask("t1")
	if task.Status == store.TaskTesting {
		t.Fatal("Killed executions must not finalize the task")
	}

	if err := sup.FinalizeTask("t1", store.ProcessFailed); err != nil {
		t.Fatalf("FinalizeTask(Failed): %v", err)
	}
	task, _ = st.GetTask("t1")
	if task.Status != store.TaskTesting {
		t.Fatalf("expected Testing after a Failed execution, got %v", task.Status)
	}
}

func TestNextRunReasonDispatchTable(t *testing.T) {
	script := action.NewScript(action.ScriptRequest{})
	agentNode := action.NewCodingAgentInitial(action.CodingAgentInitialRequest{})

	if got := NextRunReason(script, script); got != store.RunSetupScript {
		t.Fatalf("Script->Script expected SetupScript, got %v", got)
	}
	if got := NextRunReason(agentNode, script); got != store.RunCleanupScript {
		t.Fatalf("Agent->Script expected CleanupScript, got %v", got)
	}
	if got := NextRunReason(script, agentNode); got != store.RunCodingAgent {
		t.Fatalf("_->Agent expected CodingAgent, got %v", got)
	}
}

func TestCheckConflictsResolved(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	fg := sup.Git.(*fakeGit)

	states := []store.ExecutionProcessRepoState{
		{RepoID: "r1", HadConflictsBefore: true},
		{RepoID: "r2", HadConflictsBefore: false},
	}
	paths := map[string]string{"r1": "/repo1", "r2": "/repo2"}

	resolved, err := sup.CheckConflictsResolved(states, paths)
	if err != nil {
		t.Fatalf("CheckConflictsResolved: %v", err)
	}
	if !resolved {
		t.Fatal("expected conflicts resolved when no repo currently reports conflicts")
	}

	fg.conflictedFiles["/repo1"] = []string{"a.go"}
	resolved, err = sup.CheckConflictsResolved(states, paths)
	if err != nil {
		t.Fatalf("CheckConflictsResolved: %v", err)
	}
	if resolved {
		t.Fatal("expected conflicts NOT resolved while repo1 still has conflicted files")
	}
}

func TestCheckConflictsResolvedEmptySetIsFalse(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	resolved, err := sup.CheckConflictsResolved(nil, nil)
	if err != nil {
		t.Fatalf("CheckConflictsResolved: %v", err)
	}
	if resolved {
		t.Fatal("expected false for an empty repo set")
	}
}

func TestStartParallelSetupChainRunsAllConcurrently(t *testing.T) {
	sup, st := newTestSupervisor(t)
	task, _ := st.GetTask("t1")

	specs := []ParallelSetupSpec{
		{ID: "e-a", Repo: RepoWorktree{RepoID: "r1", Path: t.TempDir()}, Action: action.NewScript(action.ScriptRequest{Script: "echo a", Context: action.ContextSetupScript})},
		{ID: "e-b", Repo: RepoWorktree{RepoID: "r2", Path: t.TempDir()}, Action: action.NewScript(action.ScriptRequest{Script: "echo b", Context: action.ContextSetupScript})},
	}
	results, err := sup.StartParallelSetupChain("s1", specs, task)
	if err != nil {
		t.Fatalf("StartParallelSetupChain: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, ep := range results {
		if ep.Status != store.ProcessRunning {
			t.Errorf("expected running status, got %v for %s", ep.Status, ep.ID)
		}
	}
}

func TestStopExecutionIsIdempotent(t *testing.T) {
	sup, st := newTestSupervisor(t)
	task, _ := st.GetTask("t1")
	act := action.NewScript(action.ScriptRequest{Script: "sleep 5", Context: action.ContextSetupScript, WorkingDir: t.TempDir()})
	ep, err := sup.StartExecution("e3", "s1", nil, act, store.RunSetupScript, nil, task)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	if err := sup.StopExecution(ep.ID, store.ProcessKilled); err != nil {
		t.Fatalf("StopExecution: %v", err)
	}
	// second call on an already-terminal process must be a no-op, not an error
	if err := sup.StopExecution(ep.ID, store.ProcessKilled); err != nil {
		t.Fatalf("StopExecution (second call): %v", err)
	}

	updated, _ := st.GetExecutionProcess(ep.ID)
	if updated.Status != store.ProcessKilled {
		t.Fatalf("expected Killed status, got %v", updated.Status)
	}
	time.Sleep(10 * time.Millisecond)
}
