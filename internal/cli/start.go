package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/foreman-run/foreman/internal/action"
	"github.com/foreman-run/foreman/internal/agentprofile"
	"github.com/foreman-run/foreman/internal/process"
	"github.com/foreman-run/foreman/internal/store"
	"github.com/foreman-run/foreman/internal/workflow"
)

var (
	startTitle    string
	startPrompt   string
	startAgent    string
	startRepos    []string
	startProfile  string
	startWait     bool
	startPollStep time.Duration
)

func init() {
	startCmd.Flags().StringVar(&startTitle, "task", "", "Title for the new task (required)")
	startCmd.Flags().StringVar(&startPrompt, "prompt", "", "Prompt handed to the coding agent's initial turn (required)")
	startCmd.Flags().StringVar(&startAgent, "agent", string(agentprofile.ClaudeLike), "Base agent kind (CLAUDE_LIKE, AMP, GEMINI, CODEX, OPENCODE, CURSOR_AGENT, QWEN_CODE, COPILOT, DROID, CUSTOM)")
	startCmd.Flags().StringVar(&startProfile, "executor-profile", "default", "Executor profile id recorded against the session")
	startCmd.Flags().StringSliceVar(&startRepos, "repo", nil, "Restrict the execution to these repo names (default: every repo in the project)")
	startCmd.Flags().BoolVar(&startWait, "wait", true, "Block until the action chain has nothing left running")
	_ = startCmd.MarkFlagRequired("task")
	_ = startCmd.MarkFlagRequired("prompt")
	rootCmd.AddCommand(startCmd)
	startPollStep = 300 * time.Millisecond
}

var startCmd = &cobra.Command{
	Use:   "start <config-file>",
	Short: "Materialise a workspace and run a task's action chain end to end",
	Long: `start is the core loop the rest of the command surface only reconciles
around: it syncs project config, creates a task and a per-repo git
worktree workspace for it, builds the setup/coding-agent/cleanup action
chain (spec §4.1), and hands it to the ExecutionProcess supervisor
(internal/process) to spawn. The supervisor's own completion watcher
chains through the rest of the action graph and finalises the task (spec
§4.4/§4.6) without this command doing anything further — by default
start blocks until no execution tied to the new session is still
running, so a single invocation really does drive the task from Todo
through to Testing/InReview.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(args[0])
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}

		project, err := syncProject(st, cfg)
		if err != nil {
			return fmt.Errorf("syncing project: %w", err)
		}

		repos, err := st.ReposForProject(project.ID)
		if err != nil {
			return fmt.Errorf("listing repos for project %s: %w", project.Name, err)
		}
		if len(startRepos) > 0 {
			repos = filterRepos(repos, startRepos)
			if len(repos) == 0 {
				return fmt.Errorf("none of the requested --repo names matched project %q", project.Name)
			}
		}
		if len(repos) == 0 {
			return fmt.Errorf("project %q has no repos to run against", project.Name)
		}

		task, err := st.CreateTask(store.Task{
			ID:        uuid.New().String(),
			ProjectID: project.ID,
			Title:     startTitle,
			Status:    store.TaskTodo,
		})
		if err != nil {
			return fmt.Errorf("creating task: %w", err)
		}

		git := defaultGit()
		workspaceID := uuid.New().String()
		branch := "foreman/" + task.ID
		workspaceDir := filepath.Join(stateDir, "workspaces", workspaceID)
		if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
			return fmt.Errorf("creating workspace directory: %w", err)
		}

		repoWorktrees := make([]process.RepoWorktree, 0, len(repos))
		setupRepos := make([]action.SetupRepo, 0, len(repos))
		for _, r := range repos {
			worktreePath := filepath.Join(workspaceDir, r.Name)
			if err := git.CreateWorktree(r.Path, worktreePath, branch, "HEAD"); err != nil {
				return fmt.Errorf("creating worktree for repo %s: %w", r.Name, err)
			}
			repoWorktrees = append(repoWorktrees, process.RepoWorktree{RepoID: r.ID, Path: worktreePath})

			setup := ""
			if r.SetupScript != nil {
				setup = *r.SetupScript
			}
			cleanup := ""
			if r.CleanupScript != nil {
				cleanup = *r.CleanupScript
			}
			setupRepos = append(setupRepos, action.SetupRepo{
				Name:                r.Name,
				WorkingDir:          worktreePath,
				SetupScript:         setup,
				CleanupScript:       cleanup,
				ParallelSetupScript: r.ParallelSetupScript,
			})
		}

		workspace, err := st.CreateWorkspace(store.Workspace{ID: workspaceID, TaskID: task.ID, Branch: branch})
		if err != nil {
			return fmt.Errorf("creating workspace: %w", err)
		}

		session, err := st.CreateSession(store.Session{ID: uuid.New().String(), WorkspaceID: workspace.ID, ExecutorProfileID: startProfile})
		if err != nil {
			return fmt.Errorf("creating session: %w", err)
		}

		agentWorkingDir := project.DefaultAgentWorkingDir
		if agentWorkingDir == "" {
			agentWorkingDir = repoWorktrees[0].Path
		}
		terminal := action.NewCodingAgentInitial(action.CodingAgentInitialRequest{
			Prompt:            startPrompt,
			ExecutorProfileID: session.ExecutorProfileID,
			WorkingDir:        agentWorkingDir,
		})
		chain := action.BuildSequentialSetupChain(setupRepos, terminal)
		if err := action.ValidateNoCustomAgentCycle(chain.Head); err != nil {
			return err
		}

		agent := &agentprofile.CustomAgent{Name: session.ExecutorProfileID, BaseAgent: agentprofile.BaseAgentKind(startAgent)}

		wf := workflow.New(st, nil)
		if _, err := wf.Transition(task.ID, store.TaskInProgress, cfg.Workflow, "execution starting"); err != nil {
			return fmt.Errorf("moving task to in_progress: %w", err)
		}
		task, _ = st.GetTask(task.ID)

		registry := process.NewRegistry()
		sup := process.NewSupervisor(st, git, registry, nil, nil)

		if len(chain.Parallel) > 0 {
			specs := make([]process.ParallelSetupSpec, len(chain.Parallel))
			for i, a := range chain.Parallel {
				specs[i] = process.ParallelSetupSpec{ID: uuid.New().String(), Repo: repoWorktrees[i], Action: a}
			}
			if _, err := sup.StartParallelSetupChain(session.ID, specs, task); err != nil {
				return fmt.Errorf("starting parallel setup chain: %w", err)
			}
			if _, err := sup.StartExecution(uuid.New().String(), session.ID, repoWorktrees, chain.Head, store.RunCodingAgent, agent, task); err != nil {
				return fmt.Errorf("starting coding agent alongside parallel setup: %w", err)
			}
		} else {
			runReason := store.RunSetupScript
			if chain.Head.IsAgent() {
				runReason = store.RunCodingAgent
			}
			if _, err := sup.StartExecution(uuid.New().String(), session.ID, repoWorktrees, chain.Head, runReason, agent, task); err != nil {
				return fmt.Errorf("starting action chain: %w", err)
			}
		}

		fmt.Printf("task %s started (workspace %s, session %s)\n", task.ID, workspace.ID, session.ID)

		if !startWait {
			return nil
		}
		return waitForSession(st, sup, session.ID, task.ID)
	},
}

func filterRepos(repos []store.Repo, names []string) []store.Repo {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make([]store.Repo, 0, len(repos))
	for _, r := range repos {
		if want[r.Name] {
			out = append(out, r)
		}
	}
	return out
}

// waitForSession blocks until every ExecutionProcess tied to sessionID has
// left ProcessRunning, printing the task's final status. SIGINT/SIGTERM
// stop every still-running execution in the session before returning, the
// same interrupt-then-kill path StopExecution already implements.
func waitForSession(st *store.Store, sup *process.Supervisor, sessionID, taskID string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		if !anyRunning(st, sessionID) {
			break
		}
		select {
		case <-sigCh:
			fmt.Println("\nstopping running executions...")
			return sup.TryStop([]string{sessionID}, true)
		case <-time.After(startPollStep):
		}
	}

	task, ok := st.GetTask(taskID)
	if !ok {
		return fmt.Errorf("task %s vanished while waiting for completion", taskID)
	}
	symbol, color := statusDisplay(task.Status)
	fmt.Printf("%s%s%s task %s is now %s\n", color, symbol, ansiReset, task.ID, task.Status)
	return nil
}

func anyRunning(st *store.Store, sessionID string) bool {
	for _, p := range st.ListExecutionProcessesBySession(sessionID) {
		if p.Status == store.ProcessRunning {
			return true
		}
	}
	return false
}
