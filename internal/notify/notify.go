// Package notify defines the SharePublisher and NotificationService
// contracts (spec §6): best-effort, fire-and-forget collaborators that the
// workflow state machine (internal/workflow) and supervisor
// (internal/process) call on every externally-visible status change.
// Errors from these are logged, never propagated — spec §7's propagation
// policy: "best-effort side-effects... never abort a workflow step."
package notify

import (
	"fmt"
	"io"
	"os"
)

// StatusChange describes one task-status transition worth telling the
// outside world about.
type StatusChange struct {
	TaskID    string
	FromState string
	ToState   string
	Summary   string
}

// SharePublisher publishes a status change to whatever external share/link
// surface a project is configured with.
type SharePublisher interface {
	PublishStatusChange(change StatusChange) error
}

// NotificationService sends a user-facing notification (e.g. "execution
// finished") for an ExecutionProcess outcome.
type NotificationService interface {
	NotifyExecutionFinished(executionProcessID string, completed bool, summary string) error
}

// LogOnly implements both SharePublisher and NotificationService by simply
// writing a line to Out (os.Stderr if unset) — the fallback when no real
// external notification backend is configured, matching the teacher's
// fmt.Fprintf(os.Stderr, ...) style of reporting non-critical failures
// (internal/engine/engine.go, internal/fileutil).
type LogOnly struct {
	Out io.Writer
}

func (l LogOnly) out() io.Writer {
	if l.Out != nil {
		return l.Out
	}
	return os.Stderr
}

// PublishStatusChange logs the change and never errors.
func (l LogOnly) PublishStatusChange(change StatusChange) error {
	fmt.Fprintf(l.out(), "status change: task=%s %s -> %s: %s\n", change.TaskID, change.FromState, change.ToState, change.Summary)
	return nil
}

// NotifyExecutionFinished logs the outcome and never errors.
func (l LogOnly) NotifyExecutionFinished(executionProcessID string, completed bool, summary string) error {
	fmt.Fprintf(l.out(), "execution finished: id=%s completed=%v %s\n", executionProcessID, completed, summary)
	return nil
}

// Publish calls pub.PublishStatusChange and logs (but does not propagate)
// any error, per spec §7's best-effort policy. Callers in internal/workflow
// and internal/process use this helper instead of inlining the same
// error-swallow-and-log pattern at every call site.
func Publish(pub SharePublisher, change StatusChange) {
	if pub == nil {
		return
	}
	if err := pub.PublishStatusChange(change); err != nil {
		fmt.Fprintf(os.Stderr, "warning: share publish failed for task %s: %v\n", change.TaskID, err)
	}
}

// NotifyFinished calls svc.NotifyExecutionFinished and logs (but does not
// propagate) any error.
func NotifyFinished(svc NotificationService, executionProcessID string, completed bool, summary string) {
	if svc == nil {
		return
	}
	if err := svc.NotifyExecutionFinished(executionProcessID, completed, summary); err != nil {
		fmt.Fprintf(os.Stderr, "warning: notification failed for execution %s: %v\n", executionProcessID, err)
	}
}
