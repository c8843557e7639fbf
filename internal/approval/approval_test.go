package approval

import (
	"context"
	"testing"
)

func TestAlwaysApproveApproves(t *testing.T) {
	var svc Service = AlwaysApprove{}
	decision, err := svc.Request(context.Background(), Request{ToolName: "bash", Summary: "run tests"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if decision != Approved {
		t.Fatalf("expected Approved, got %v", decision)
	}
}
