package notify

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogOnlyPublishStatusChangeWritesAndNeverErrors(t *testing.T) {
	var buf bytes.Buffer
	l := LogOnly{Out: &buf}
	if err := l.PublishStatusChange(StatusChange{TaskID: "t1", FromState: "todo", ToState: "in_progress", Summary: "started"}); err != nil {
		t.Fatalf("PublishStatusChange: %v", err)
	}
	if !strings.Contains(buf.String(), "t1") || !strings.Contains(buf.String(), "todo -> in_progress") {
		t.Fatalf("expected log line describing the transition, got %q", buf.String())
	}
}

func TestNotifyExecutionFinishedWritesAndNeverErrors(t *testing.T) {
	var buf bytes.Buffer
	l := LogOnly{Out: &buf}
	if err := l.NotifyExecutionFinished("e1", true, "all good"); err != nil {
		t.Fatalf("NotifyExecutionFinished: %v", err)
	}
	if !strings.Contains(buf.String(), "e1") || !strings.Contains(buf.String(), "completed=true") {
		t.Fatalf("expected log line describing completion, got %q", buf.String())
	}
}

func TestPublishToleratesNilPublisher(t *testing.T) {
	Publish(nil, StatusChange{TaskID: "t1"})
}

func TestNotifyFinishedToleratesNilService(t *testing.T) {
	NotifyFinished(nil, "e1", false, "")
}

type failingPublisher struct{}

func (failingPublisher) PublishStatusChange(StatusChange) error { return errBoom }

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

func TestPublishSwallowsPublisherError(t *testing.T) {
	Publish(failingPublisher{}, StatusChange{TaskID: "t1"})
}
