// Package action implements the ExecutorAction chain: a singly-linked list
// of typed run requests (setup script, initial coding-agent prompt,
// follow-up coding-agent prompt) consumed one node at a time by
// internal/process. The chain shape mirrors the teacher's station-graph
// handling in internal/config (detectCycles, BuildDownstreamMap) applied to
// a linked list instead of a DAG of named concerns.
package action

import (
	"encoding/json"
	"fmt"
)

// Language is the interpreter a ScriptRequest runs under. Bash is the only
// one the core currently emits; the field exists so config can name others
// later without a wire-format break.
type Language string

// Bash is the only Language the core currently emits.
const Bash Language = "bash"

// ScriptContext labels why a script is running.
type ScriptContext string

const (
	ContextSetupScript   ScriptContext = "setup_script"
	ContextCleanupScript ScriptContext = "cleanup_script"
	ContextDevServer     ScriptContext = "dev_server"
)

// Kind discriminates the ExecutorAction variant carried in an Action.
type Kind string

const (
	KindScript              Kind = "script_request"
	KindCodingAgentInitial  Kind = "coding_agent_initial_request"
	KindCodingAgentFollowUp Kind = "coding_agent_follow_up_request"
)

// ScriptRequest runs a shell script in a working directory.
type ScriptRequest struct {
	Script     string        `json:"script"`
	Language   Language      `json:"language"`
	Context    ScriptContext `json:"context"`
	WorkingDir string        `json:"working_dir,omitempty"`
}

// CodingAgentInitialRequest starts a fresh coding-agent turn.
type CodingAgentInitialRequest struct {
	Prompt            string `json:"prompt"`
	ExecutorProfileID string `json:"executor_profile_id"`
	WorkingDir        string `json:"working_dir,omitempty"`
}

// CodingAgentFollowUpRequest resumes a coding-agent session with a new
// prompt, using the session id the agent reported on its first turn.
type CodingAgentFollowUpRequest struct {
	Prompt            string `json:"prompt"`
	ExecutorProfileID string `json:"executor_profile_id"`
	SessionID         string `json:"session_id"`
	WorkingDir        string `json:"working_dir,omitempty"`
}

// Action is one node of an ExecutorAction chain. Exactly one of Script,
// CodingAgentInitial, CodingAgentFollowUp is populated, matching Kind.
// NextAction is nil at the tail.
type Action struct {
	Kind               Kind                        `json:"kind"`
	Script             *ScriptRequest              `json:"script,omitempty"`
	CodingAgentInitial *CodingAgentInitialRequest  `json:"coding_agent_initial,omitempty"`
	CodingAgentFollowUp *CodingAgentFollowUpRequest `json:"coding_agent_follow_up,omitempty"`
	NextAction         *Action                     `json:"next_action,omitempty"`
}

// NewScript builds a ScriptRequest action with no next_action.
func NewScript(req ScriptRequest) *Action {
	return &Action{Kind: KindScript, Script: &req}
}

// NewCodingAgentInitial builds a CodingAgentInitialRequest action with no
// next_action.
func NewCodingAgentInitial(req CodingAgentInitialRequest) *Action {
	return &Action{Kind: KindCodingAgentInitial, CodingAgentInitial: &req}
}

// NewCodingAgentFollowUp builds a CodingAgentFollowUpRequest action with no
// next_action.
func NewCodingAgentFollowUp(req CodingAgentFollowUpRequest) *Action {
	return &Action{Kind: KindCodingAgentFollowUp, CodingAgentFollowUp: &req}
}

// IsAgent reports whether this node is either coding-agent variant —
// used by the "Agent → Script ⇒ CleanupScript" dispatch rule in C6.
func (a *Action) IsAgent() bool {
	return a.Kind == KindCodingAgentInitial || a.Kind == KindCodingAgentFollowUp
}

// AppendAction walks to the end of the chain rooted at head and attaches
// tail as its next_action. head must be non-nil.
func AppendAction(head, tail *Action) *Action {
	cur := head
	for cur.NextAction != nil {
		cur = cur.NextAction
	}
	cur.NextAction = tail
	return head
}

// SetupRepo is the subset of repo configuration BuildSequentialSetupChain
// needs: a repo participates in chain-building only if it declares a setup
// or cleanup script.
type SetupRepo struct {
	Name                string
	WorkingDir          string
	SetupScript         string
	CleanupScript       string
	ParallelSetupScript bool
}

// BuildSequentialSetupChain folds each repo's setup/cleanup scripts around
// a terminal action (normally a CodingAgentInitialRequest) per spec §4.1:
//
//   - repos with no SetupScript are skipped entirely for the head chain.
//   - if every repo with a SetupScript has ParallelSetupScript=true, each
//     setup becomes its own standalone head (returned in Parallel) and
//     terminal, with the cleanup scripts (in repo order) appended after it,
//     is returned in Head as the coding action to spawn alongside them.
//   - otherwise one chain is built: setup₁ → setup₂ → … → terminal, and
//     cleanup scripts (in repo order) are appended after terminal.
//
// Head is always non-nil. Parallel is non-empty only in parallel mode and
// empty in sequential mode.
type SetupChain struct {
	Head     *Action
	Parallel []*Action
}

func BuildSequentialSetupChain(repos []SetupRepo, terminal *Action) SetupChain {
	var withSetup []SetupRepo
	for _, r := range repos {
		if r.SetupScript != "" {
			withSetup = append(withSetup, r)
		}
	}

	if len(withSetup) == 0 {
		appendCleanups(terminal, repos)
		return SetupChain{Head: terminal}
	}

	allParallel := true
	for _, r := range withSetup {
		if !r.ParallelSetupScript {
			allParallel = false
			break
		}
	}

	if allParallel {
		parallel := make([]*Action, 0, len(withSetup))
		for _, r := range withSetup {
			parallel = append(parallel, NewScript(ScriptRequest{
				Script:     r.SetupScript,
				Language:   Bash,
				Context:    ContextSetupScript,
				WorkingDir: r.WorkingDir,
			}))
		}
		appendCleanups(terminal, repos)
		return SetupChain{Parallel: parallel, Head: terminal}
	}

	head := NewScript(ScriptRequest{
		Script:     withSetup[0].SetupScript,
		Language:   Bash,
		Context:    ContextSetupScript,
		WorkingDir: withSetup[0].WorkingDir,
	})
	cur := head
	for _, r := range withSetup[1:] {
		next := NewScript(ScriptRequest{
			Script:     r.SetupScript,
			Language:   Bash,
			Context:    ContextSetupScript,
			WorkingDir: r.WorkingDir,
		})
		cur.NextAction = next
		cur = next
	}
	cur.NextAction = terminal
	appendCleanups(terminal, repos)
	return SetupChain{Head: head}
}

// appendCleanups chains each repo's cleanup script (in repo order) onto
// terminal's next_action, per spec §4.1: "Cleanup scripts, if any, are
// always appended as the coding action's next_action".
func appendCleanups(terminal *Action, repos []SetupRepo) {
	var withCleanup []SetupRepo
	for _, r := range repos {
		if r.CleanupScript != "" {
			withCleanup = append(withCleanup, r)
		}
	}
	if len(withCleanup) == 0 {
		return
	}
	cur := terminal
	for cur.NextAction != nil {
		cur = cur.NextAction
	}
	for _, r := range withCleanup {
		next := NewScript(ScriptRequest{
			Script:     r.CleanupScript,
			Language:   Bash,
			Context:    ContextCleanupScript,
			WorkingDir: r.WorkingDir,
		})
		cur.NextAction = next
		cur = next
	}
}

// ErrCustomAgentCycle is returned when a CustomAgent profile chain would
// embed itself, directly or transitively, via next_action.
type ErrCustomAgentCycle struct {
	ProfileID string
}

func (e *ErrCustomAgentCycle) Error() string {
	return fmt.Sprintf("custom agent profile %q embeds itself in its own action chain", e.ProfileID)
}

// ValidateNoCustomAgentCycle walks the chain checking that executor_profile_id
// never repeats among the coding-agent nodes — the finite substitute for
// "a CustomAgent may never embed another CustomAgent" (spec §3, §9): since
// a CustomAgent's own chain is spliced in by profile id, a repeated id at
// this point means a profile is an ancestor of itself.
func ValidateNoCustomAgentCycle(head *Action) error {
	seen := make(map[string]bool)
	for cur := head; cur != nil; cur = cur.NextAction {
		var profileID string
		switch cur.Kind {
		case KindCodingAgentInitial:
			profileID = cur.CodingAgentInitial.ExecutorProfileID
		case KindCodingAgentFollowUp:
			profileID = cur.CodingAgentFollowUp.ExecutorProfileID
		default:
			continue
		}
		if profileID == "" {
			continue
		}
		if seen[profileID] {
			return &ErrCustomAgentCycle{ProfileID: profileID}
		}
		seen[profileID] = true
	}
	return nil
}

// Marshal serialises the chain for storage in ExecutionProcess.ExecutorActionRaw.
func Marshal(a *Action) ([]byte, error) {
	return json.Marshal(a)
}

// Unmarshal deserialises a chain previously written by Marshal, validating
// the no-cycle invariant along the way.
func Unmarshal(data []byte) (*Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding executor action chain: %w", err)
	}
	if err := ValidateNoCustomAgentCycle(&a); err != nil {
		return nil, err
	}
	return &a, nil
}
