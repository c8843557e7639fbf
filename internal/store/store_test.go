package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAndGetTask(t *testing.T) {
	s := New("")
	task, err := s.CreateTask(Task{ID: "t1", ProjectID: "p1", Title: "do the thing"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != TaskTodo {
		t.Fatalf("expected default status %q, got %q", TaskTodo, task.Status)
	}
	got, ok := s.GetTask("t1")
	if !ok {
		t.Fatal("expected task to be found")
	}
	if got.Title != "do the thing" {
		t.Fatalf("unexpected title: %q", got.Title)
	}
}

func TestUpdateTaskStatusPersistsAcrossReload(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if _, err := s.CreateTask(Task{ID: "t1", ProjectID: "p1", Title: "x"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.UpdateTaskStatus("t1", TaskInProgress); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	reloaded, err := LoadFromDisk(root)
	if err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}
	got, ok := reloaded.GetTask("t1")
	if !ok {
		t.Fatal("expected task to survive reload")
	}
	if got.Status != TaskInProgress {
		t.Fatalf("expected status %q after reload, got %q", TaskInProgress, got.Status)
	}
}

func TestReposForProjectPreservesOrder(t *testing.T) {
	s := New("")
	for _, r := range []Repo{{ID: "r1", Name: "a"}, {ID: "r2", Name: "b"}, {ID: "r3", Name: "c"}} {
		if _, err := s.CreateRepo(r); err != nil {
			t.Fatalf("CreateRepo: %v", err)
		}
	}
	if _, err := s.CreateProject(Project{ID: "p1", RepoIDs: []string{"r3", "r1", "r2"}}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	repos, err := s.ReposForProject("p1")
	if err != nil {
		t.Fatalf("ReposForProject: %v", err)
	}
	want := []string{"r3", "r1", "r2"}
	for i, r := range repos {
		if r.ID != want[i] {
			t.Fatalf("position %d: want %q got %q", i, want[i], r.ID)
		}
	}
}

func TestReposForProjectUnknownRepo(t *testing.T) {
	s := New("")
	if _, err := s.CreateProject(Project{ID: "p1", RepoIDs: []string{"missing"}}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := s.ReposForProject("p1"); err == nil {
		t.Fatal("expected error for unknown repo reference")
	}
}

func TestListRunningFiltersByStatus(t *testing.T) {
	s := New("")
	if _, err := s.CreateExecutionProcess(ExecutionProcess{ID: "e1", SessionID: "s1", RunReason: RunCodingAgent}); err != nil {
		t.Fatalf("CreateExecutionProcess: %v", err)
	}
	exitCode := 0
	if _, err := s.CreateExecutionProcess(ExecutionProcess{ID: "e2", SessionID: "s1", RunReason: RunCodingAgent, Status: ProcessCompleted, ExitCode: &exitCode}); err != nil {
		t.Fatalf("CreateExecutionProcess: %v", err)
	}
	running := s.ListRunning()
	if len(running) != 1 || running[0].ID != "e1" {
		t.Fatalf("expected only e1 running, got %+v", running)
	}
}

func TestPreviousProcessOrdersByCreation(t *testing.T) {
	s := New("")
	base, err := s.CreateExecutionProcess(ExecutionProcess{ID: "e1", SessionID: "s1", RunReason: RunSetupScript})
	if err != nil {
		t.Fatalf("CreateExecutionProcess: %v", err)
	}
	second, err := s.CreateExecutionProcess(ExecutionProcess{ID: "e2", SessionID: "s1", RunReason: RunCodingAgent, CreatedAt: base.CreatedAt.Add(1)})
	if err != nil {
		t.Fatalf("CreateExecutionProcess: %v", err)
	}
	prev, ok := s.PreviousProcess(second.ID)
	if !ok {
		t.Fatal("expected a previous process")
	}
	if prev.ID != base.ID {
		t.Fatalf("expected previous process %q, got %q", base.ID, prev.ID)
	}
	if _, ok := s.PreviousProcess(base.ID); ok {
		t.Fatal("first process in session should have no previous process")
	}
}

func TestRepoStateBackfillTargets(t *testing.T) {
	s := New("")
	if _, err := s.CreateExecutionProcess(ExecutionProcess{ID: "e1", SessionID: "s1", RunReason: RunCodingAgent}); err != nil {
		t.Fatalf("CreateExecutionProcess: %v", err)
	}
	after := "deadbeef"
	if err := s.CreateRepoStates([]ExecutionProcessRepoState{{ExecutionProcessID: "e1", RepoID: "r1", AfterHeadCommit: &after}}); err != nil {
		t.Fatalf("CreateRepoStates: %v", err)
	}
	missing := s.ListMissingBeforeHeadCommit()
	if len(missing) != 1 || missing[0] != "e1" {
		t.Fatalf("expected e1 to need backfill, got %+v", missing)
	}
	if err := s.UpdateBeforeHeadCommit("e1", "r1", "cafe"); err != nil {
		t.Fatalf("UpdateBeforeHeadCommit: %v", err)
	}
	if missing := s.ListMissingBeforeHeadCommit(); len(missing) != 0 {
		t.Fatalf("expected no processes left needing backfill, got %+v", missing)
	}
}

func TestAppendLogLinePersistsAndReloads(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if err := s.AppendLogLine("e1", `{"type":"stdout","content":"hello"}`); err != nil {
		t.Fatalf("AppendLogLine: %v", err)
	}
	if err := s.AppendLogLine("e1", `{"type":"stdout","content":"world"}`); err != nil {
		t.Fatalf("AppendLogLine: %v", err)
	}
	lines := s.ReadLogLines("e1")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines in memory, got %d", len(lines))
	}

	reloaded, err := LoadFromDisk(root)
	if err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}
	reloadedLines := reloaded.ReadLogLines("e1")
	if len(reloadedLines) != 2 {
		t.Fatalf("expected 2 lines after reload, got %d", len(reloadedLines))
	}
	if reloadedLines[0] != lines[0] || reloadedLines[1] != lines[1] {
		t.Fatalf("reloaded lines do not match: %+v vs %+v", reloadedLines, lines)
	}

	if _, err := os.Stat(filepath.Join(root, "logs", "e1.jsonl")); err != nil {
		t.Fatalf("expected log file on disk: %v", err)
	}
}
