package config

import (
	"encoding/json"
	"testing"
)

const sampleYAML = `
name: widgets
repos:
  - name: api
    path: ./api
    setup_script: "npm install"
  - name: web
    path: ./web
    parallel_setup_script: true
workflow:
  enable_human_review: true
`

func TestParseAppliesWorkflowDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Name != "widgets" {
		t.Fatalf("expected name 'widgets', got %q", cfg.Name)
	}
	if len(cfg.Repos) != 2 {
		t.Fatalf("expected 2 repos, got %d", len(cfg.Repos))
	}
	if !cfg.Workflow.EnableHumanReview {
		t.Fatal("expected enable_human_review true as set in YAML")
	}
	if cfg.Workflow.MaxAIReviewIterations != 3 {
		t.Fatalf("expected default max_ai_review_iterations=3, got %d", cfg.Workflow.MaxAIReviewIterations)
	}
	if !cfg.Workflow.TestingRequiresManualExit {
		t.Fatal("expected default testing_requires_manual_exit=true")
	}
}

func TestValidateCatchesMissingFields(t *testing.T) {
	cfg := &ProjectConfig{}
	errs := Validate(cfg)
	if len(errs) < 2 {
		t.Fatalf("expected at least 2 errors (missing name, missing repos), got %d: %v", len(errs), errs)
	}
}

func TestValidateCatchesDuplicateRepoNames(t *testing.T) {
	cfg := &ProjectConfig{
		Name: "dup",
		Repos: []RepoConfig{
			{Name: "api", Path: "./a"},
			{Name: "api", Path: "./b"},
		},
	}
	errs := Validate(cfg)
	found := false
	for _, e := range errs {
		if e != nil {
			found = true
		}
	}
	if !found || len(errs) == 0 {
		t.Fatalf("expected a duplicate-name error, got %v", errs)
	}
}

func TestRepoNamesPreservesOrder(t *testing.T) {
	cfg := &ProjectConfig{Repos: []RepoConfig{{Name: "b"}, {Name: "a"}}}
	names := cfg.RepoNames()
	if len(names) != 2 || names[0] != "b" || names[1] != "a" {
		t.Fatalf("expected [b a], got %v", names)
	}
}

func TestValidateJSONAcceptsWellFormedConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := ValidateJSON(raw); err != nil {
		t.Fatalf("ValidateJSON rejected a well-formed config: %v", err)
	}
}

func TestValidateJSONRejectsUnknownField(t *testing.T) {
	raw := []byte(`{"name":"widgets","repos":[{"name":"api","path":"./api"}],"bogus_field":true}`)
	if err := ValidateJSON(raw); err == nil {
		t.Fatal("expected schema validation to reject an unknown top-level field")
	}
}

func TestValidateJSONRejectsMissingRequiredField(t *testing.T) {
	raw := []byte(`{"repos":[{"name":"api","path":"./api"}]}`)
	if err := ValidateJSON(raw); err == nil {
		t.Fatal("expected schema validation to reject a config missing 'name'")
	}
}

func TestValidateJSONRejectsBadWorkflowIterationType(t *testing.T) {
	raw := []byte(`{"name":"widgets","repos":[{"name":"api","path":"./api"}],"workflow":{"max_ai_review_iterations":"three"}}`)
	if err := ValidateJSON(raw); err == nil {
		t.Fatal("expected schema validation to reject a non-integer max_ai_review_iterations")
	}
}
