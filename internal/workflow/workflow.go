// Package workflow implements the task-status state machine (C8): the
// allowed Todo→...→Done/Cancelled transitions, the AI- and human-review
// result handlers, and review-feedback subtasking.
//
// Grounded on spec §4.6 and on original_source/container.rs's
// finalize_task/handle_ai_review_result/approve_human_review family, with
// the teacher's notify-on-every-externally-visible-change pattern
// (internal/engine/engine.go publishing status updates) generalised from
// a single pipeline stage to the full task lifecycle.
package workflow

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/foreman-run/foreman/internal/notify"
	"github.com/foreman-run/foreman/internal/store"
)

// Config is WorkflowConfig (spec §3): per-project review policy. Zero value
// is NOT the default — use DefaultConfig() or Config.WithDefaults().
type Config struct {
	EnableHumanReview         bool    `json:"enable_human_review" yaml:"enable_human_review"`
	MaxAIReviewIterations     uint32  `json:"max_ai_review_iterations" yaml:"max_ai_review_iterations"`
	TestingRequiresManualExit bool    `json:"testing_requires_manual_exit" yaml:"testing_requires_manual_exit"`
	AutoStartAIReview         bool    `json:"auto_start_ai_review" yaml:"auto_start_ai_review"`
	AIReviewPromptTemplate    *string `json:"ai_review_prompt_template,omitempty" yaml:"ai_review_prompt_template,omitempty"`
}

// DefaultConfig returns the spec §3 defaults: false, 3, true, true, None.
func DefaultConfig() Config {
	return Config{
		EnableHumanReview:         false,
		MaxAIReviewIterations:     3,
		TestingRequiresManualExit: true,
		AutoStartAIReview:         true,
	}
}

// maxAIReviewIterationsCap resolves the Open Question of what bounds an
// operator-supplied max_ai_review_iterations: the field must be >= 1 per
// spec §3, and is clamped to 50 here rather than left unbounded, so a
// misconfigured project can't retry AI review forever.
const maxAIReviewIterationsCap = 50

// WithDefaults fills zero-valued fields with DefaultConfig's values and
// clamps MaxAIReviewIterations into [1, 50]. Safe to call on a Config that
// was decoded from JSON/YAML where some fields were absent.
func (c Config) WithDefaults() Config {
	if c.MaxAIReviewIterations == 0 {
		c.MaxAIReviewIterations = DefaultConfig().MaxAIReviewIterations
	}
	if c.MaxAIReviewIterations > maxAIReviewIterationsCap {
		c.MaxAIReviewIterations = maxAIReviewIterationsCap
	}
	return c
}

// ErrInvalidTransition is returned when a requested task-status transition
// is not one of the edges listed in spec §4.6.
type ErrInvalidTransition struct {
	From, To store.TaskStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("workflow: %s -> %s is not an allowed transition", e.From, e.To)
}

// allowed is the transition table from spec §4.6. Self-transitions are
// permitted everywhere and are not listed explicitly; CanTransition handles
// them as a special case instead of repeating every state in its own set.
var allowed = map[store.TaskStatus]map[store.TaskStatus]bool{
	store.TaskTodo: {
		store.TaskInProgress: true,
		store.TaskCancelled:  true,
	},
	store.TaskInProgress: {
		store.TaskTesting:   true,
		store.TaskDone:      true,
		store.TaskCancelled: true,
		// InReview directly from InProgress is gated: only permitted when
		// testing_requires_manual_exit is false (spec §4.6). CanTransition
		// checks the gate separately since the static table can't carry config.
		store.TaskInReview: true,
	},
	store.TaskTesting: {
		store.TaskInReview:   true,
		store.TaskInProgress: true,
		store.TaskDone:       true,
		store.TaskCancelled:  true,
	},
	store.TaskInReview: {
		store.TaskDone:      true,
		store.TaskCancelled: true,
		// HumanReview is gated on enable_human_review; see CanTransition.
		store.TaskHumanReview: true,
	},
	store.TaskHumanReview: {
		store.TaskDone:       true,
		store.TaskInProgress: true,
		store.TaskCancelled:  true,
	},
	store.TaskDone:      {},
	store.TaskCancelled: {},
}

// CanTransition reports whether from -> to is an allowed edge given cfg's
// gates: InProgress -> InReview requires !TestingRequiresManualExit;
// InReview -> HumanReview requires EnableHumanReview. Self-transitions are
// always allowed (no-op, per spec §4.6).
func CanTransition(from, to store.TaskStatus, cfg Config) bool {
	if from == to {
		return true
	}
	if from == store.TaskInProgress && to == store.TaskInReview {
		return !cfg.TestingRequiresManualExit
	}
	if from == store.TaskInReview && to == store.TaskHumanReview {
		return cfg.EnableHumanReview
	}
	return allowed[from][to]
}

// Machine drives task-status transitions and the review result handlers
// against a Store, notifying a SharePublisher on every externally visible
// change (spec §4.6: "every status change that is externally visible
// notifies a SharePublisher").
type Machine struct {
	Store *store.Store
	Share notify.SharePublisher
}

// New wires a Machine. share may be nil (notify.Publish tolerates it).
func New(st *store.Store, share notify.SharePublisher) *Machine {
	return &Machine{Store: st, Share: share}
}

// Transition moves task to status if cfg allows the edge, persists it, and
// publishes a best-effort status-change notification.
func (m *Machine) Transition(taskID string, to store.TaskStatus, cfg Config, summary string) (store.Task, error) {
	task, ok := m.Store.GetTask(taskID)
	if !ok {
		return store.Task{}, fmt.Errorf("task %s not found", taskID)
	}
	if !CanTransition(task.Status, to, cfg) {
		return store.Task{}, &ErrInvalidTransition{From: task.Status, To: to}
	}
	from := task.Status
	updated, err := m.Store.UpdateTaskStatus(taskID, to)
	if err != nil {
		return store.Task{}, err
	}
	if from != to {
		notify.Publish(m.Share, notify.StatusChange{TaskID: taskID, FromState: string(from), ToState: string(to), Summary: summary})
	}
	return updated, nil
}

// AIReviewTrigger is the deliberately-left-open hook for actually running an
// AI review pass. The real review logic is out of scope for this core (spec
// §9's Open Question: "what triggers and performs the AI self-review is
// unspecified here"); this package only validates the gate and invokes the
// hook. original_source/container.rs leaves the equivalent call as
// "// TODO: Implement actual AI review trigger logic here" — the same
// deliberate gap, carried forward as a typed seam instead of a comment.
type AIReviewTrigger func(task store.Task, cfg Config) error

// CompleteTesting implements complete_testing (spec §4.6): validates
// Testing -> InReview, triggers the AI self-review hook (best-effort: a
// trigger error is logged, not propagated, matching the best-effort
// notification policy in spec §7), and publishes the share update.
func (m *Machine) CompleteTesting(taskID string, cfg Config, trigger AIReviewTrigger) (store.Task, error) {
	task, err := m.Transition(taskID, store.TaskInReview, cfg, "testing complete, entering AI review")
	if err != nil {
		return store.Task{}, err
	}
	if trigger != nil {
		if err := trigger(task, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "warning: AI review trigger failed for task %s: %v\n", taskID, err)
		}
	}
	return task, nil
}

// StubAIReviewTrigger is the default AIReviewTrigger: it validates
// max_ai_review_iterations and logs its own invocation, matching
// original_source/container.rs's "// TODO: Implement actual AI review
// trigger logic here" — the trigger logic itself is out of scope for this
// core, so this records that the gate fired rather than pretending to
// review anything.
func StubAIReviewTrigger(task store.Task, cfg Config) error {
	if cfg.MaxAIReviewIterations == 0 {
		return fmt.Errorf("max_ai_review_iterations must be >= 1")
	}
	fmt.Fprintf(os.Stderr, "AI self-review triggered for task %s (max_iterations=%d)\n", task.ID, cfg.MaxAIReviewIterations)
	return nil
}

// ReviewOutcome is the AI-review verdict handed to HandleAIReviewResult.
type ReviewOutcome int

const (
	ReviewPass ReviewOutcome = iota
	ReviewFail
	ReviewNeedsIntervention
)

// ReviewResult carries Fail's issues alongside the outcome.
type ReviewResult struct {
	Outcome ReviewOutcome
	Issues  []string
}

// HandleAIReviewResult implements handle_ai_review_result (spec §4.6):
//   - Pass: HumanReview if cfg.EnableHumanReview, else Done.
//   - Fail{issues}: create a child Todo task "Fix: {issue}" per issue under
//     the same project, then move the parent to InProgress.
//   - NeedsIntervention: task stays InReview (no-op).
func (m *Machine) HandleAIReviewResult(taskID string, result ReviewResult, cfg Config) (store.Task, []store.Task, error) {
	task, ok := m.Store.GetTask(taskID)
	if !ok {
		return store.Task{}, nil, fmt.Errorf("task %s not found", taskID)
	}

	switch result.Outcome {
	case ReviewPass:
		to := store.TaskDone
		if cfg.EnableHumanReview {
			to = store.TaskHumanReview
		}
		updated, err := m.Transition(taskID, to, cfg, "AI review passed")
		return updated, nil, err

	case ReviewNeedsIntervention:
		return task, nil, nil

	case ReviewFail:
		children := make([]store.Task, 0, len(result.Issues))
		for _, issue := range result.Issues {
			child, err := m.Store.CreateTask(store.Task{
				ID:        uuid.New().String(),
				ProjectID: task.ProjectID,
				Title:     fmt.Sprintf("Fix: %s", issue),
				Status:    store.TaskTodo,
			})
			if err != nil {
				return store.Task{}, nil, fmt.Errorf("creating review-feedback subtask: %w", err)
			}
			children = append(children, child)
		}
		updated, err := m.Transition(taskID, store.TaskInProgress, cfg, fmt.Sprintf("AI review found %d issue(s)", len(result.Issues)))
		if err != nil {
			return store.Task{}, nil, err
		}
		return updated, children, nil

	default:
		return store.Task{}, nil, fmt.Errorf("unknown review outcome %d", result.Outcome)
	}
}

// ApproveHumanReview implements approve_human_review (spec §4.6): HumanReview -> Done.
func (m *Machine) ApproveHumanReview(taskID string, cfg Config) (store.Task, error) {
	return m.Transition(taskID, store.TaskDone, cfg, "human review approved")
}

// RejectHumanReview implements reject_human_review (spec §4.6): HumanReview -> InProgress.
func (m *Machine) RejectHumanReview(taskID string, reason string, cfg Config) (store.Task, error) {
	return m.Transition(taskID, store.TaskInProgress, cfg, fmt.Sprintf("human review rejected: %s", reason))
}
