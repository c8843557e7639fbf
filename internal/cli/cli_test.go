package cli

import (
	"testing"

	"github.com/foreman-run/foreman/internal/config"
	"github.com/foreman-run/foreman/internal/store"
)

func TestSyncProjectCreatesRepoAndIsIdempotent(t *testing.T) {
	st := store.New("")
	cfg := &config.ProjectConfig{
		Name: "widgets",
		Repos: []config.RepoConfig{
			{Name: "api", Path: "./api", SetupScript: "npm install"},
		},
	}

	p1, err := syncProject(st, cfg)
	if err != nil {
		t.Fatalf("syncProject: %v", err)
	}
	if len(p1.RepoIDs) != 1 {
		t.Fatalf("expected 1 repo, got %d", len(p1.RepoIDs))
	}

	p2, err := syncProject(st, cfg)
	if err != nil {
		t.Fatalf("syncProject (second call): %v", err)
	}
	if p2.ID != p1.ID {
		t.Fatalf("expected the same project on a second sync, got %q vs %q", p2.ID, p1.ID)
	}
	if len(st.ListProjects()) != 1 {
		t.Fatalf("expected exactly 1 project after two syncs, got %d", len(st.ListProjects()))
	}
}

func TestPrintNewLinesTracksResumePoint(t *testing.T) {
	lines := []string{"a", "b", "c", "d", "e"}

	seen := printNewLines(lines, 0, 2)
	if seen != len(lines) {
		t.Fatalf("expected seen=%d, got %d", len(lines), seen)
	}

	more := append(append([]string{}, lines...), "f")
	seen = printNewLines(more, seen, -1)
	if seen != len(more) {
		t.Fatalf("expected seen=%d, got %d", len(more), seen)
	}
}
