package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Store is the core's persistence surface. It keeps every entity in memory
// behind a RWMutex and, when Root is non-empty, write-through persists each
// one as its own JSON file under Root/<kind>/<id>.json — the same "one file
// per thing" shape as the teacher's status/state directories, generalised
// from "one concern's status" to every entity kind the core reads or writes.
type Store struct {
	Root string

	mu          sync.RWMutex
	tasks       map[string]Task
	projects    map[string]Project
	repos       map[string]Repo
	workspaces  map[string]Workspace
	sessions    map[string]Session
	processes   map[string]ExecutionProcess
	repoStates  map[string]map[string]ExecutionProcessRepoState // execProcessID -> repoID -> state
	turns       map[string]CodingAgentTurn
	processLogs map[string][]string // execProcessID -> raw JSONL lines, append-only
}

// New creates an in-memory store. If root is non-empty, entities are also
// persisted to disk under root and loaded back from it on LoadFromDisk.
func New(root string) *Store {
	return &Store{
		Root:        root,
		tasks:       make(map[string]Task),
		projects:    make(map[string]Project),
		repos:       make(map[string]Repo),
		workspaces:  make(map[string]Workspace),
		sessions:    make(map[string]Session),
		processes:   make(map[string]ExecutionProcess),
		repoStates:  make(map[string]map[string]ExecutionProcessRepoState),
		turns:       make(map[string]CodingAgentTurn),
		processLogs: make(map[string][]string),
	}
}

// LoadFromDisk rebuilds a Store's in-memory state from Root. Root must have
// been populated by a prior Store using the same layout. Missing directories
// are treated as empty collections, not errors.
func LoadFromDisk(root string) (*Store, error) {
	s := New(root)
	loaders := []struct {
		kind string
		dst  func([]byte) error
	}{
		{"task", func(b []byte) error { var v Task; if err := json.Unmarshal(b, &v); err != nil { return err }; s.tasks[v.ID] = v; return nil }},
		{"project", func(b []byte) error { var v Project; if err := json.Unmarshal(b, &v); err != nil { return err }; s.projects[v.ID] = v; return nil }},
		{"repo", func(b []byte) error { var v Repo; if err := json.Unmarshal(b, &v); err != nil { return err }; s.repos[v.ID] = v; return nil }},
		{"workspace", func(b []byte) error { var v Workspace; if err := json.Unmarshal(b, &v); err != nil { return err }; s.workspaces[v.ID] = v; return nil }},
		{"session", func(b []byte) error { var v Session; if err := json.Unmarshal(b, &v); err != nil { return err }; s.sessions[v.ID] = v; return nil }},
		{"process", func(b []byte) error { var v ExecutionProcess; if err := json.Unmarshal(b, &v); err != nil { return err }; s.processes[v.ID] = v; return nil }},
		{"turn", func(b []byte) error { var v CodingAgentTurn; if err := json.Unmarshal(b, &v); err != nil { return err }; s.turns[v.ID] = v; return nil }},
	}
	for _, l := range loaders {
		dir := filepath.Join(root, l.kind)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("reading %s/%s: %w", l.kind, e.Name(), err)
			}
			if err := l.dst(data); err != nil {
				return nil, fmt.Errorf("parsing %s/%s: %w", l.kind, e.Name(), err)
			}
		}
	}
	repoStateDir := filepath.Join(root, "repo_state")
	if entries, err := os.ReadDir(repoStateDir); err == nil {
		for _, e := range entries {
			data, err := os.ReadFile(filepath.Join(repoStateDir, e.Name()))
			if err != nil {
				continue
			}
			var v ExecutionProcessRepoState
			if err := json.Unmarshal(data, &v); err != nil {
				continue
			}
			if s.repoStates[v.ExecutionProcessID] == nil {
				s.repoStates[v.ExecutionProcessID] = make(map[string]ExecutionProcessRepoState)
			}
			s.repoStates[v.ExecutionProcessID][v.RepoID] = v
		}
	}
	logDir := filepath.Join(root, "logs")
	if entries, err := os.ReadDir(logDir); err == nil {
		for _, e := range entries {
			data, err := os.ReadFile(filepath.Join(logDir, e.Name()))
			if err != nil {
				continue
			}
			id := e.Name()
			id = id[:len(id)-len(filepath.Ext(id))]
			s.processLogs[id] = splitLines(string(data))
		}
	}
	return s, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func (s *Store) persist(kind, id string, v interface{}) error {
	if s.Root == "" {
		return nil
	}
	dir := filepath.Join(s.Root, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s dir: %w", kind, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling %s %s: %w", kind, id, err)
	}
	return os.WriteFile(filepath.Join(dir, id+".json"), data, 0o644)
}

// --- Tasks ---

func (s *Store) CreateTask(t Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	if t.Status == "" {
		t.Status = TaskTodo
	}
	s.tasks[t.ID] = t
	return t, s.persist("task", t.ID, t)
}

func (s *Store) GetTask(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// UpdateTaskStatus sets a task's status unconditionally (transition
// validation happens in internal/workflow; the process supervisor and
// startup recovery also call this directly for their own status writes).
// Self-transitions are cheap no-ops, same as updating to the
// same value.
func (s *Store) UpdateTaskStatus(id string, status TaskStatus) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s not found", id)
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return t, s.persist("task", id, t)
}

func (s *Store) ListTasksByProject(projectID string) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// --- Projects ---

func (s *Store) CreateProject(p Project) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	return p, s.persist("project", p.ID, p)
}

func (s *Store) GetProject(id string) (Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	return p, ok
}

// ListProjects returns every known project, in no particular order — used
// by internal/recovery's startup backfill sweeps.
func (s *Store) ListProjects() []Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out
}

// UpdateProjectWorkingDirs backfills DevScriptWorkingDir/DefaultAgentWorkingDir
// when currently empty (spec §4.7 step 3).
func (s *Store) UpdateProjectWorkingDirs(projectID, devScriptWorkingDir, defaultAgentWorkingDir string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return Project{}, fmt.Errorf("project %s not found", projectID)
	}
	if p.DevScriptWorkingDir == "" {
		p.DevScriptWorkingDir = devScriptWorkingDir
	}
	if p.DefaultAgentWorkingDir == "" {
		p.DefaultAgentWorkingDir = defaultAgentWorkingDir
	}
	s.projects[projectID] = p
	return p, s.persist("project", projectID, p)
}

// --- Repos ---

func (s *Store) CreateRepo(r Repo) (Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[r.ID] = r
	return r, s.persist("repo", r.ID, r)
}

func (s *Store) GetRepo(id string) (Repo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[id]
	return r, ok
}

// UpdateRepo overwrites a Repo row (used by internal/recovery to backfill a
// migrated-in sentinel name).
func (s *Store) UpdateRepo(r Repo) (Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[r.ID]; !ok {
		return Repo{}, fmt.Errorf("repo %s not found", r.ID)
	}
	s.repos[r.ID] = r
	return r, s.persist("repo", r.ID, r)
}

// ReposForProject returns every repo configured for a project, in the
// project's declared order.
func (s *Store) ReposForProject(projectID string) ([]Repo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s not found", projectID)
	}
	out := make([]Repo, 0, len(p.RepoIDs))
	for _, id := range p.RepoIDs {
		r, ok := s.repos[id]
		if !ok {
			return nil, fmt.Errorf("project %s references unknown repo %s", projectID, id)
		}
		out = append(out, r)
	}
	return out, nil
}

// --- Workspaces ---

func (s *Store) CreateWorkspace(w Workspace) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[w.ID] = w
	return w, s.persist("workspace", w.ID, w)
}

func (s *Store) GetWorkspace(id string) (Workspace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workspaces[id]
	return w, ok
}

func (s *Store) SetWorkspaceContainerRef(id, containerRef string) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return Workspace{}, fmt.Errorf("workspace %s not found", id)
	}
	w.ContainerRef = &containerRef
	s.workspaces[id] = w
	return w, s.persist("workspace", id, w)
}

func (s *Store) DeleteWorkspace(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workspaces, id)
	if s.Root == "" {
		return nil
	}
	return os.Remove(filepath.Join(s.Root, "workspace", id+".json"))
}

func (s *Store) ListWorkspacesByTask(taskID string) []Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Workspace
	for _, w := range s.workspaces {
		if w.TaskID == taskID {
			out = append(out, w)
		}
	}
	return out
}

// ParentTask resolves the Task that owns a Workspace.
func (s *Store) ParentTask(workspaceID string) (Task, bool) {
	s.mu.RLock()
	w, ok := s.workspaces[workspaceID]
	s.mu.RUnlock()
	if !ok {
		return Task{}, false
	}
	return s.GetTask(w.TaskID)
}

// --- Sessions ---

func (s *Store) CreateSession(sess Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return sess, s.persist("session", sess.ID, sess)
}

func (s *Store) GetSession(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Store) ListSessionsByWorkspace(workspaceID string) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.WorkspaceID == workspaceID {
			out = append(out, sess)
		}
	}
	return out
}

// --- ExecutionProcesses ---

func (s *Store) CreateExecutionProcess(p ExecutionProcess) (ExecutionProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = ProcessRunning
	}
	s.processes[p.ID] = p
	return p, s.persist("process", p.ID, p)
}

func (s *Store) GetExecutionProcess(id string) (ExecutionProcess, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[id]
	return p, ok
}

// UpdateExecutionProcessCompletion sets terminal status/exit code.
func (s *Store) UpdateExecutionProcessCompletion(id string, status ProcessStatus, exitCode *int) (ExecutionProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[id]
	if !ok {
		return ExecutionProcess{}, fmt.Errorf("execution process %s not found", id)
	}
	p.Status = status
	p.ExitCode = exitCode
	now := time.Now().UTC()
	p.CompletedAt = &now
	s.processes[id] = p
	return p, s.persist("process", id, p)
}

func (s *Store) ListExecutionProcessesBySession(sessionID string) []ExecutionProcess {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ExecutionProcess
	for _, p := range s.processes {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListRunning returns every ExecutionProcess currently marked Running —
// the set the startup-recovery orphan sweep operates over.
func (s *Store) ListRunning() []ExecutionProcess {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ExecutionProcess
	for _, p := range s.processes {
		if p.Status == ProcessRunning {
			out = append(out, p)
		}
	}
	return out
}

// ListMissingBeforeHeadCommit returns the ids of processes whose repo states
// have an after-commit but no before-commit — the candidates for
// backfilling before_head_commit from the preceding process on the same
// session.
func (s *Store) ListMissingBeforeHeadCommit() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for pid, byRepo := range s.repoStates {
		for _, st := range byRepo {
			if st.AfterHeadCommit != nil && st.BeforeHeadCommit == nil && !seen[pid] {
				seen[pid] = true
				out = append(out, pid)
			}
		}
	}
	return out
}

// PreviousProcess returns the ExecutionProcess immediately preceding the
// given one on the same session, ordered by creation time, or false if
// there is none.
func (s *Store) PreviousProcess(processID string) (ExecutionProcess, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.processes[processID]
	if !ok {
		return ExecutionProcess{}, false
	}
	var sessionProcs []ExecutionProcess
	for _, p := range s.processes {
		if p.SessionID == cur.SessionID {
			sessionProcs = append(sessionProcs, p)
		}
	}
	sort.Slice(sessionProcs, func(i, j int) bool { return sessionProcs[i].CreatedAt.Before(sessionProcs[j].CreatedAt) })
	for i, p := range sessionProcs {
		if p.ID == processID && i > 0 {
			return sessionProcs[i-1], true
		}
	}
	return ExecutionProcess{}, false
}

// --- ExecutionProcessRepoState ---

func (s *Store) CreateRepoStates(states []ExecutionProcessRepoState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		if s.repoStates[st.ExecutionProcessID] == nil {
			s.repoStates[st.ExecutionProcessID] = make(map[string]ExecutionProcessRepoState)
		}
		s.repoStates[st.ExecutionProcessID][st.RepoID] = st
		if err := s.persistRepoState(st); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) persistRepoState(st ExecutionProcessRepoState) error {
	if s.Root == "" {
		return nil
	}
	dir := filepath.Join(s.Root, "repo_state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	name := st.ExecutionProcessID + "_" + st.RepoID + ".json"
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

func (s *Store) RepoStatesForProcess(processID string) []ExecutionProcessRepoState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byRepo := s.repoStates[processID]
	out := make([]ExecutionProcessRepoState, 0, len(byRepo))
	for _, st := range byRepo {
		out = append(out, st)
	}
	return out
}

func (s *Store) UpdateAfterHeadCommit(processID, repoID, oid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRepo := s.repoStates[processID]
	if byRepo == nil {
		return fmt.Errorf("no repo states recorded for process %s", processID)
	}
	st, ok := byRepo[repoID]
	if !ok {
		return fmt.Errorf("no repo state for process %s repo %s", processID, repoID)
	}
	st.AfterHeadCommit = &oid
	byRepo[repoID] = st
	return s.persistRepoState(st)
}

func (s *Store) UpdateBeforeHeadCommit(processID, repoID, oid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRepo := s.repoStates[processID]
	if byRepo == nil {
		return fmt.Errorf("no repo states recorded for process %s", processID)
	}
	st, ok := byRepo[repoID]
	if !ok {
		return fmt.Errorf("no repo state for process %s repo %s", processID, repoID)
	}
	st.BeforeHeadCommit = &oid
	byRepo[repoID] = st
	return s.persistRepoState(st)
}

// --- CodingAgentTurn ---

func (s *Store) CreateCodingAgentTurn(t CodingAgentTurn) (CodingAgentTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[t.ID] = t
	return t, s.persist("turn", t.ID, t)
}

func (s *Store) SetAgentSessionID(executionProcessID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.turns {
		if t.ExecutionProcessID == executionProcessID {
			t.AgentSessionID = &sessionID
			s.turns[id] = t
			return s.persist("turn", id, t)
		}
	}
	return fmt.Errorf("no coding agent turn for execution process %s", executionProcessID)
}

// --- Execution process logs (append-only JSONL) ---

func (s *Store) AppendLogLine(processID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processLogs[processID] = append(s.processLogs[processID], line)
	if s.Root == "" {
		return nil
	}
	dir := filepath.Join(s.Root, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, processID+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func (s *Store) ReadLogLines(processID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.processLogs[processID]))
	copy(out, s.processLogs[processID])
	return out
}
