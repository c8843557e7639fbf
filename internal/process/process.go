// Package process implements the ExecutionProcess supervisor (C6):
// starting and stopping one action, capturing per-repo before/after commit
// OIDs, persisting, dual-writing logs, and deciding whether an execution
// finalises its task or chains to the next action.
//
// Grounded on container.rs's start_execution/should_finalize/finalize_task/
// check_conflicts_resolved/try_start_next_action (the authoritative state
// machine this package reproduces verbatim in Go), and on the teacher's
// processConcern (internal/engine/engine.go) for the overall shape of "per
// unit of work: capture before-state, spawn, capture after-state, decide
// what's next" that processConcern already follows for a single station.
package process

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/foreman-run/foreman/internal/action"
	"github.com/foreman-run/foreman/internal/agentprofile"
	"github.com/foreman-run/foreman/internal/agentrun"
	"github.com/foreman-run/foreman/internal/gitservice"
	"github.com/foreman-run/foreman/internal/msgstore"
	"github.com/foreman-run/foreman/internal/normalize"
	"github.com/foreman-run/foreman/internal/notify"
	"github.com/foreman-run/foreman/internal/store"
)

// Registry is the process-wide {execution_id → MsgStore} mapping (spec §5,
// §9: "a single shared mapping... guarded by a read-write lock"). msgstore
// itself is already internally concurrent, so Registry only needs to guard
// the map — a plain sync.RWMutex, the same primitive the teacher reaches
// for in internal/engine/engine.go's LogManager.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*msgstore.Store
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*msgstore.Store)}
}

// Put registers store for executionProcessID.
func (r *Registry) Put(executionProcessID string, s *msgstore.Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[executionProcessID] = s
}

// Get returns the live store for executionProcessID, if any.
func (r *Registry) Get(executionProcessID string) (*msgstore.Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[executionProcessID]
	return s, ok
}

// Remove clears the registry entry, done at execution teardown (spec §9:
// "teardown clears it before shutdown").
func (r *Registry) Remove(executionProcessID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, executionProcessID)
}

// Supervisor is C6: the ExecutionProcess lifecycle manager.
type Supervisor struct {
	Store    *store.Store
	Git      gitservice.Service
	Registry *Registry
	Share    notify.SharePublisher
	Notify   notify.NotificationService

	handlesMu sync.Mutex
	handles   map[string]*agentrun.Handle
}

// NewSupervisor wires a Supervisor from its collaborators. Share/Notify may
// be nil, in which case notifications are silently skipped (notify.Publish/
// NotifyFinished already tolerate nil).
func NewSupervisor(st *store.Store, git gitservice.Service, registry *Registry, share notify.SharePublisher, notifier notify.NotificationService) *Supervisor {
	return &Supervisor{Store: st, Git: git, Registry: registry, Share: share, Notify: notifier, handles: make(map[string]*agentrun.Handle)}
}

// RepoWorktree is what StartExecution needs per repo: its id and where its
// worktree lives on disk.
type RepoWorktree struct {
	RepoID string
	Path   string
}

// ParallelSetupSpec is one standalone setup action from a
// action.SetupChain.Parallel slice, paired with the id and repo it should
// be recorded against.
type ParallelSetupSpec struct {
	ID     string
	Repo   RepoWorktree
	Action *action.Action
}

// StartParallelSetupChain runs every action.SetupChain.Parallel action
// concurrently (spec §4.1's "every repo with a SetupScript has
// ParallelSetupScript=true" case) and waits until every one has been
// started (StartExecution returns once its child is spawned), using an
// errgroup.Group in place of a raw sync.WaitGroup — each setup script is an
// independent ExecutionProcess against its own repo worktree, so one
// failing does not need to cancel the others; errgroup just gives a single
// point to collect every error instead of hand-rolling the WaitGroup +
// error-channel plumbing.
func (s *Supervisor) StartParallelSetupChain(sessionID string, specs []ParallelSetupSpec, task store.Task) ([]store.ExecutionProcess, error) {
	results := make([]store.ExecutionProcess, len(specs))
	var g errgroup.Group
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			ep, err := s.StartExecution(spec.ID, sessionID, []RepoWorktree{spec.Repo}, spec.Action, store.RunSetupScript, nil, task)
			if err != nil {
				return fmt.Errorf("starting parallel setup %s: %w", spec.ID, err)
			}
			results[i] = ep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// StartExecution implements spec §4.4 start_execution:
//  1. If the task is not InProgress and run reason isn't DevServer, move it there.
//  2. Capture before_head_commit + had_conflicts_before per repo.
//  3. Persist the ExecutionProcess row with its repo states and action chain.
//  4. If the action is a coding request, persist a CodingAgentTurn row.
//  5. Delegate to the spawn (start_execution_inner); on failure mark Failed,
//     task InReview, append a Stderr log line, and (for ExecutableNotFound)
//     a JsonPatch ErrorMessage{SetupRequired} at index 2.
//  6. Attach the log normaliser for coding requests.
//  7. Spawn the persistence pump.
func (s *Supervisor) StartExecution(id string, sessionID string, repos []RepoWorktree, act *action.Action, runReason store.RunReason, agent *agentprofile.CustomAgent, task store.Task) (store.ExecutionProcess, error) {
	if task.Status != store.TaskInProgress && runReason != store.RunDevServer {
		if _, err := s.Store.UpdateTaskStatus(task.ID, store.TaskInProgress); err != nil {
			return store.ExecutionProcess{}, fmt.Errorf("moving task to in_progress: %w", err)
		}
	}

	repoStates := make([]store.ExecutionProcessRepoState, 0, len(repos))
	for _, rw := range repos {
		head, err := s.Git.HeadInfo(rw.Path)
		if err != nil {
			return store.ExecutionProcess{}, fmt.Errorf("capturing before_head_commit for repo %s: %w", rw.RepoID, err)
		}
		hadConflicts, err := s.hasConflicts(rw.Path)
		if err != nil {
			return store.ExecutionProcess{}, fmt.Errorf("probing conflicts for repo %s: %w", rw.RepoID, err)
		}
		oid := head.OID
		repoStates = append(repoStates, store.ExecutionProcessRepoState{
			RepoID:             rw.RepoID,
			BeforeHeadCommit:   &oid,
			HadConflictsBefore: hadConflicts,
		})
	}

	actionRaw, err := action.Marshal(act)
	if err != nil {
		return store.ExecutionProcess{}, fmt.Errorf("serialising action chain: %w", err)
	}

	ep, err := s.Store.CreateExecutionProcess(store.ExecutionProcess{
		ID:                id,
		SessionID:         sessionID,
		RunReason:         runReason,
		Status:            store.ProcessRunning,
		ExecutorActionRaw: actionRaw,
	})
	if err != nil {
		return store.ExecutionProcess{}, fmt.Errorf("persisting execution process: %w", err)
	}
	for i := range repoStates {
		repoStates[i].ExecutionProcessID = ep.ID
	}
	if err := s.Store.CreateRepoStates(repoStates); err != nil {
		return store.ExecutionProcess{}, fmt.Errorf("persisting repo states: %w", err)
	}

	var prompt *string
	workingDir := ""
	switch act.Kind {
	case action.KindCodingAgentInitial:
		prompt = &act.CodingAgentInitial.Prompt
		workingDir = act.CodingAgentInitial.WorkingDir
	case action.KindCodingAgentFollowUp:
		prompt = &act.CodingAgentFollowUp.Prompt
		workingDir = act.CodingAgentFollowUp.WorkingDir
	}
	if prompt != nil {
		if _, err := s.Store.CreateCodingAgentTurn(store.CodingAgentTurn{
			ID:                 id + "-turn",
			ExecutionProcessID: ep.ID,
			Prompt:             prompt,
		}); err != nil {
			return store.ExecutionProcess{}, fmt.Errorf("persisting coding agent turn: %w", err)
		}
	}

	msgStore := msgstore.New()
	s.Registry.Put(ep.ID, msgStore)

	handle, spawnErr := s.startInner(act, workingDir, prompt, agent, msgStore)
	if spawnErr != nil {
		failed, err := s.Store.UpdateExecutionProcessCompletion(ep.ID, store.ProcessFailed, nil)
		if err != nil {
			return store.ExecutionProcess{}, fmt.Errorf("marking execution failed: %w", err)
		}
		if _, err := s.Store.UpdateTaskStatus(task.ID, store.TaskInReview); err != nil {
			return store.ExecutionProcess{}, fmt.Errorf("moving task to in_review after failed start: %w", err)
		}
		if line, err := marshalMsg(msgstore.Stderr("Failed to start execution: " + spawnErr.Error())); err == nil {
			_ = s.Store.AppendLogLine(ep.ID, string(line))
		}
		var notFound *agentprofile.ExecutableNotFoundError
		if asExecutableNotFound(spawnErr, &notFound) {
			_ = normalize.PushErrorAt(msgStore, 2, normalize.SetupRequired,
				fmt.Sprintf("%s was not found. Install it and retry.", notFound.Program))
		}
		return failed, nil
	}
	s.handlesMu.Lock()
	s.handles[ep.ID] = handle
	s.handlesMu.Unlock()

	if agent != nil {
		normalize.Attach(msgStore, agent.BaseAgent)
	}
	go s.pumpPersistence(ep.ID, msgStore)
	go s.awaitCompletion(ep, repos, act, runReason, agent, task, handle, msgStore)

	return ep, nil
}

// awaitCompletion is "when the child exits..." (spec §4.4, §8): it blocks
// on the child the way nothing else in the core does, then carries out
// every step that depends on that exit — after_head_commit capture,
// marking the row Completed/Failed, unblocking pumpPersistence and every
// normalize.Attach goroutine with a Finished message, and either
// finalising the task or chaining to next_action. Runs once per spawned
// execution, in its own goroutine, so StartExecution itself can return as
// soon as the child is launched.
func (s *Supervisor) awaitCompletion(ep store.ExecutionProcess, repos []RepoWorktree, act *action.Action, runReason store.RunReason, agent *agentprofile.CustomAgent, task store.Task, handle *agentrun.Handle, msgStore *msgstore.Store) {
	exitCode, waitErr := handle.Wait()

	s.handlesMu.Lock()
	if _, stillTracked := s.handles[ep.ID]; stillTracked {
		delete(s.handles, ep.ID)
	}
	s.handlesMu.Unlock()

	// A concurrent StopExecution may already have marked this process
	// Killed and pushed Finished itself; if so there is nothing left for a
	// natural-completion path to do.
	current, ok := s.Store.GetExecutionProcess(ep.ID)
	if !ok || current.Status != store.ProcessRunning {
		_ = msgStore.Push(msgstore.Finished)
		return
	}

	status := store.ProcessCompleted
	if waitErr != nil || exitCode != 0 {
		status = store.ProcessFailed
	}

	for _, rw := range repos {
		oid, err := s.captureAfterState(rw.Path, runReason, status, task.Title)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not capture after_head_commit for %s repo %s: %v\n", ep.ID, rw.RepoID, err)
			continue
		}
		if err := s.Store.UpdateAfterHeadCommit(ep.ID, rw.RepoID, oid); err != nil {
			fmt.Fprintf(os.Stderr, "warning: persisting after_head_commit for %s repo %s: %v\n", ep.ID, rw.RepoID, err)
		}
	}

	code := exitCode
	if _, err := s.Store.UpdateExecutionProcessCompletion(ep.ID, status, &code); err != nil {
		fmt.Fprintf(os.Stderr, "warning: marking execution %s complete: %v\n", ep.ID, err)
	}

	_ = msgStore.Push(msgstore.Finished)
	s.Registry.Remove(ep.ID)

	if ShouldFinalize(runReason, status, act.NextAction) {
		if err := s.FinalizeTask(task.ID, status); err != nil {
			fmt.Fprintf(os.Stderr, "warning: finalizing task %s after execution %s: %v\n", task.ID, ep.ID, err)
		}
		return
	}

	if act.NextAction == nil {
		// A parallel-mode setup leaf: nothing more to chain from here, the
		// coding action it runs alongside was already started separately.
		return
	}

	nextReason := NextRunReason(act, act.NextAction)
	nextID := uuid.New().String()
	if _, err := s.StartExecution(nextID, ep.SessionID, repos, act.NextAction, nextReason, agent, task); err != nil {
		fmt.Fprintf(os.Stderr, "warning: starting next action %s after execution %s: %v\n", nextID, ep.ID, err)
	}
}

// captureAfterState is the after_head_commit half of spec §4.4: for a
// completed coding-agent turn it commits whatever the agent left in the
// worktree (gitservice.Commit already stages everything .gitignore
// doesn't exclude) and returns the new HEAD; for every other run reason,
// and for a coding-agent turn with nothing to commit, it just reads HEAD
// as-is. Failed/killed runs still get their HEAD captured so a later
// rebase has something to diff against.
func (s *Supervisor) captureAfterState(repoPath string, runReason store.RunReason, status store.ProcessStatus, taskTitle string) (string, error) {
	if runReason == store.RunCodingAgent && status == store.ProcessCompleted {
		oid, err := s.Git.Commit(repoPath, fmt.Sprintf("foreman: %s", taskTitle))
		if err == nil {
			return oid, nil
		}
		// `git commit` fails with a clean tree (agent made no changes) the
		// same as it would for a real error; either way HEAD is still the
		// right after-state to record.
	}
	head, err := s.Git.HeadInfo(repoPath)
	if err != nil {
		return "", err
	}
	return head.OID, nil
}

func asExecutableNotFound(err error, target **agentprofile.ExecutableNotFoundError) bool {
	if e, ok := err.(*agentprofile.ExecutableNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

// startInner is "start_execution_inner" (implementation-dependent spawn,
// spec §4.4 step 5): build the agent command and hand off to the
// appropriate runner strategy, or run a plain script.
func (s *Supervisor) startInner(act *action.Action, workingDir string, prompt *string, agent *agentprofile.CustomAgent, msgStore *msgstore.Store) (*agentrun.Handle, error) {
	switch act.Kind {
	case action.KindScript:
		return s.runScript(act.Script, msgStore)
	case action.KindCodingAgentInitial, action.KindCodingAgentFollowUp:
		if agent == nil {
			return nil, fmt.Errorf("no agent profile resolved for executor_profile_id")
		}
		var cmd agentprofile.Command
		var err error
		if act.Kind == action.KindCodingAgentFollowUp {
			cmd, err = agent.BuildFollowUp(act.CodingAgentFollowUp.SessionID)
		} else {
			cmd, err = agent.BuildInitial()
		}
		if err != nil {
			return nil, err
		}
		if agentprofile.SpawnStrategyFor(agent.BaseAgent) == agentprofile.ControlProtocolPeer {
			hooks := map[string]bool{}
			return agentrun.RunControlProtocolPeer(cmd, workingDir, hooks, "default", *prompt, msgStore)
		}
		return agentrun.RunStdinPrompt(cmd, workingDir, *prompt, msgStore)
	default:
		return nil, fmt.Errorf("unknown action kind %q", act.Kind)
	}
}

func (s *Supervisor) runScript(req *action.ScriptRequest, msgStore *msgstore.Store) (*agentrun.Handle, error) {
	cmd := agentprofile.Command{Executable: "/bin/bash", Args: []string{"-c", req.Script}}
	return agentrun.RunStdinPrompt(cmd, req.WorkingDir, "", msgStore)
}

// pumpPersistence forwards Stdout/Stderr items into the append-only log
// table, writes SessionId items to the CodingAgentTurn via SetAgentSessionID,
// and stops on Finished (spec §4.4 step 7).
func (s *Supervisor) pumpPersistence(executionProcessID string, msgStore *msgstore.Store) {
	_, live, unsubscribe := msgStore.Subscribe()
	defer unsubscribe()
	for msg := range live {
		switch msg.Kind {
		case msgstore.KindStdout, msgstore.KindStderr:
			data, _ := marshalMsg(msg)
			_ = s.Store.AppendLogLine(executionProcessID, string(data))
		case msgstore.KindSessionID:
			_ = s.Store.SetAgentSessionID(executionProcessID, msg.SessionID)
		case msgstore.KindFinished:
			return
		}
	}
}

// hasConflicts implements the half of the conflict probe that
// start_execution needs: "rebase-in-progress OR any conflicted files"
// (spec §4.4 step 2).
func (s *Supervisor) hasConflicts(repoPath string) (bool, error) {
	rebasing, err := s.Git.IsRebaseInProgress(repoPath)
	if err != nil {
		return false, err
	}
	if rebasing {
		return true, nil
	}
	files, err := s.Git.ConflictedFiles(repoPath)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// CheckConflictsResolved implements check_conflicts_resolved (spec §4.4):
// true iff some repo was marked had_conflicts_before AND every such repo
// currently has neither a rebase in progress nor any conflicted files.
// Empty repo set → false.
func (s *Supervisor) CheckConflictsResolved(states []store.ExecutionProcessRepoState, repoPaths map[string]string) (bool, error) {
	if len(states) == 0 {
		return false, nil
	}
	anyHadConflicts := false
	for _, st := range states {
		if !st.HadConflictsBefore {
			continue
		}
		anyHadConflicts = true
		path, ok := repoPaths[st.RepoID]
		if !ok {
			return false, fmt.Errorf("no worktree path known for repo %s", st.RepoID)
		}
		stillConflicted, err := s.hasConflicts(path)
		if err != nil {
			return false, err
		}
		if stillConflicted {
			return false, nil
		}
	}
	return anyHadConflicts, nil
}

// ShouldFinalize implements should_finalize (spec §4.4):
//   - never for DevServer
//   - never for a SetupScript whose next_action is None (parallel-mode leaf)
//   - always for Failed or Killed
//   - otherwise, only when next_action is None
func ShouldFinalize(runReason store.RunReason, status store.ProcessStatus, nextAction *action.Action) bool {
	if runReason == store.RunDevServer {
		return false
	}
	if runReason == store.RunSetupScript && nextAction == nil {
		return false
	}
	if status == store.ProcessFailed || status == store.ProcessKilled {
		return true
	}
	return nextAction == nil
}

// FinalizeTask implements finalize_task (spec §4.4, resolving the Open
// Question in spec §9): skip entirely if Killed; otherwise set the task to
// Testing regardless of Completed vs Failed, and notify.
func (s *Supervisor) FinalizeTask(taskID string, status store.ProcessStatus) error {
	if status == store.ProcessKilled {
		return nil
	}
	prev, ok := s.Store.GetTask(taskID)
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if _, err := s.Store.UpdateTaskStatus(taskID, store.TaskTesting); err != nil {
		return fmt.Errorf("finalizing task to testing: %w", err)
	}
	summary := "execution completed"
	if status == store.ProcessFailed {
		summary = "execution failed"
	}
	notify.Publish(s.Share, notify.StatusChange{TaskID: taskID, FromState: string(prev.Status), ToState: string(store.TaskTesting), Summary: summary})
	return nil
}

// NextRunReason implements the (current, next) → run-reason synthesis in
// try_start_next_action (spec §4.4):
//
//	Script → Script  ⇒ SetupScript
//	Agent  → Script  ⇒ CleanupScript
//	_      → Agent   ⇒ CodingAgent
func NextRunReason(current, next *action.Action) store.RunReason {
	if next.IsAgent() {
		return store.RunCodingAgent
	}
	if current.IsAgent() {
		return store.RunCleanupScript
	}
	return store.RunSetupScript
}

// StopExecution implements stop_execution (spec §4.4): send the interrupt
// (if any), terminate the process group, update row status and exit code.
// Idempotent — calling it twice on an already-terminal process is a no-op.
func (s *Supervisor) StopExecution(executionProcessID string, status store.ProcessStatus) error {
	ep, ok := s.Store.GetExecutionProcess(executionProcessID)
	if !ok {
		return fmt.Errorf("execution process %s not found", executionProcessID)
	}
	if ep.Status != store.ProcessRunning {
		return nil
	}
	s.handlesMu.Lock()
	handle, hasHandle := s.handles[executionProcessID]
	if hasHandle {
		delete(s.handles, executionProcessID)
	}
	s.handlesMu.Unlock()
	if hasHandle {
		if handle.Interrupt != nil {
			select {
			case handle.Interrupt <- struct{}{}:
			default:
			}
		}
		_ = handle.Kill()
	}
	if msgStore, ok := s.Registry.Get(executionProcessID); ok {
		_ = msgStore.Push(msgstore.Finished)
	}
	s.Registry.Remove(executionProcessID)
	_, err := s.Store.UpdateExecutionProcessCompletion(executionProcessID, status, nil)
	return err
}

// TryStop implements try_stop (spec §4.4): kill all Running processes
// across the given sessions; DevServer is excluded unless includeDevServer.
func (s *Supervisor) TryStop(sessionIDs []string, includeDevServer bool) error {
	for _, sid := range sessionIDs {
		for _, p := range s.Store.ListExecutionProcessesBySession(sid) {
			if p.Status != store.ProcessRunning {
				continue
			}
			if p.RunReason == store.RunDevServer && !includeDevServer {
				continue
			}
			if err := s.StopExecution(p.ID, store.ProcessKilled); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to stop execution %s: %v\n", p.ID, err)
			}
		}
	}
	return nil
}

func marshalMsg(msg msgstore.Msg) ([]byte, error) {
	return json.Marshal(msg)
}
