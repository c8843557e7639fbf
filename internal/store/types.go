// Package store holds the entity types the execution-orchestration core
// reads and writes, and a minimal file-backed persistence layer for them.
//
// The real platform backs these with a relational schema; that schema is an
// external collaborator (see spec §6) and is not reproduced here. What is
// reproduced is exactly the set of fields the core itself needs, persisted
// one JSON file per entity under a root directory — a direct generalisation
// of the teacher's WriteStatus/ReadStatus single-file-per-concern pattern
// from a status blob to every entity kind the core touches.
package store

import "time"

// TaskStatus is the task lifecycle state. See spec §3, §4.6.
type TaskStatus string

const (
	TaskTodo        TaskStatus = "todo"
	TaskInProgress  TaskStatus = "in_progress"
	TaskTesting     TaskStatus = "testing"
	TaskInReview    TaskStatus = "in_review"
	TaskHumanReview TaskStatus = "human_review"
	TaskDone        TaskStatus = "done"
	TaskCancelled   TaskStatus = "cancelled"
)

// Task is a unit of user intent run against a Project.
type Task struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Project owns tasks and repositories and carries workflow policy.
type Project struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	RepoIDs []string `json:"repo_ids"`
	// WorkflowConfigJSON is the serialised WorkflowConfig, nullable per spec §3.
	WorkflowConfigJSON []byte `json:"workflow_config,omitempty"`
	// DevScriptWorkingDir and DefaultAgentWorkingDir are project-level
	// defaults for single-repo projects; backfilled by internal/recovery
	// when left empty (spec §4.7 step 3).
	DevScriptWorkingDir    string `json:"dev_script_working_dir,omitempty"`
	DefaultAgentWorkingDir string `json:"default_agent_working_dir,omitempty"`
}

// UnmigratedRepoName is the sentinel a prior schema migration left in place
// of a real repo name; internal/recovery's backfill_repo_names (spec §4.7
// step 3) replaces it with the repo's actual directory name.
const UnmigratedRepoName = "__unnamed__"

// Repo is a git repository on disk identified by {id, name, path}.
type Repo struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Path                string  `json:"path"`
	SetupScript         *string `json:"setup_script,omitempty"`
	CleanupScript       *string `json:"cleanup_script,omitempty"`
	ParallelSetupScript bool    `json:"parallel_setup_script"`
	DevScriptWorkingDir string  `json:"dev_script_working_dir,omitempty"`
}

// Workspace is an on-disk root holding one worktree per repo for one task.
type Workspace struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	Branch       string  `json:"branch"`
	ContainerRef *string `json:"container_ref,omitempty"`
}

// Session groups ExecutionProcesses under a workspace for one executor choice.
type Session struct {
	ID                string `json:"id"`
	WorkspaceID       string `json:"workspace_id"`
	ExecutorProfileID string `json:"executor_profile_id"`
}

// RunReason labels an ExecutionProcess. See spec §3, §4.6.
type RunReason string

const (
	RunSetupScript   RunReason = "setup_script"
	RunCodingAgent   RunReason = "coding_agent"
	RunCleanupScript RunReason = "cleanup_script"
	RunDevServer     RunReason = "dev_server"
)

// ProcessStatus is the ExecutionProcess lifecycle state.
type ProcessStatus string

const (
	ProcessRunning   ProcessStatus = "running"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessKilled    ProcessStatus = "killed"
)

// ExecutionProcess is one spawned child; immutable after completion.
// ExecutorActionRaw carries the entire remaining action chain, serialised
// (see internal/action) so it can be replayed across a restart.
type ExecutionProcess struct {
	ID                string        `json:"id"`
	SessionID         string        `json:"session_id"`
	RunReason         RunReason     `json:"run_reason"`
	Status            ProcessStatus `json:"status"`
	ExecutorActionRaw []byte        `json:"executor_action"`
	ExitCode          *int          `json:"exit_code,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// ExecutionProcessRepoState carries per-repo before/after facts for one
// ExecutionProcess.
type ExecutionProcessRepoState struct {
	ExecutionProcessID string  `json:"execution_process_id"`
	RepoID             string  `json:"repo_id"`
	BeforeHeadCommit   *string `json:"before_head_commit,omitempty"`
	AfterHeadCommit    *string `json:"after_head_commit,omitempty"`
	MergeCommit        *string `json:"merge_commit,omitempty"`
	HadConflictsBefore bool    `json:"had_conflicts_before"`
}

// CodingAgentTurn records the prompt (and, once known, the agent's own
// session id) for one coding-agent ExecutionProcess.
type CodingAgentTurn struct {
	ID                 string  `json:"id"`
	ExecutionProcessID string  `json:"execution_process_id"`
	Prompt             *string `json:"prompt,omitempty"`
	AgentSessionID     *string `json:"agent_session_id,omitempty"`
}
