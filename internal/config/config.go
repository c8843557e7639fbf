// Package config loads and validates project/repo configuration: YAML is
// the config loader's input format (the teacher's choice, gopkg.in/yaml.v3),
// while the project config's JSON form (including its WorkflowConfig block)
// can additionally be checked against a compiled JSON Schema before being
// accepted from an external caller (validated the way strawgate-gh-aw
// validates workflow frontmatter against an embedded schema).
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/foreman-run/foreman/internal/workflow"
)

//go:embed schemas/workflow_config.schema.json
var workflowConfigSchemaJSON string

//go:embed schemas/project_config.schema.json
var projectConfigSchemaJSON string

const (
	workflowConfigSchemaID = "https://foreman.run/schemas/workflow_config.schema.json"
	projectConfigSchemaID  = "https://foreman.run/schemas/project_config.schema.json"
)

var (
	compileOnce     sync.Once
	compiledProject *jsonschema.Schema
	compileErr      error
)

func compiledProjectSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for _, res := range []struct{ id, doc string }{
			{workflowConfigSchemaID, workflowConfigSchemaJSON},
			{projectConfigSchemaID, projectConfigSchemaJSON},
		} {
			var parsed any
			if err := json.Unmarshal([]byte(res.doc), &parsed); err != nil {
				compileErr = fmt.Errorf("parsing schema %s: %w", res.id, err)
				return
			}
			if err := compiler.AddResource(res.id, parsed); err != nil {
				compileErr = fmt.Errorf("registering schema %s: %w", res.id, err)
				return
			}
		}
		compiledProject, compileErr = compiler.Compile(projectConfigSchemaID)
	})
	return compiledProject, compileErr
}

// RepoConfig is one repository entry in a project's YAML configuration,
// the config-file counterpart to store.Repo.
type RepoConfig struct {
	Name                string `yaml:"name" json:"name"`
	Path                string `yaml:"path" json:"path"`
	SetupScript         string `yaml:"setup_script,omitempty" json:"setup_script,omitempty"`
	CleanupScript       string `yaml:"cleanup_script,omitempty" json:"cleanup_script,omitempty"`
	ParallelSetupScript bool   `yaml:"parallel_setup_script,omitempty" json:"parallel_setup_script,omitempty"`
	DevScriptWorkingDir string `yaml:"dev_script_working_dir,omitempty" json:"dev_script_working_dir,omitempty"`
}

// ProjectConfig is a project's on-disk configuration: its repos and the
// workflow policy gating AI/human review (spec §3 WorkflowConfig).
type ProjectConfig struct {
	Name                   string          `yaml:"name" json:"name"`
	DevScriptWorkingDir    string          `yaml:"dev_script_working_dir,omitempty" json:"dev_script_working_dir,omitempty"`
	DefaultAgentWorkingDir string          `yaml:"default_agent_working_dir,omitempty" json:"default_agent_working_dir,omitempty"`
	Workflow               workflow.Config `yaml:"workflow,omitempty" json:"workflow"`
	Repos                  []RepoConfig    `yaml:"repos" json:"repos"`
}

// Load reads and parses a project YAML config file, applying WorkflowConfig
// defaults (spec §3: false, 3, true, true, None) to any field left unset.
func Load(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading project config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a ProjectConfig, applying WorkflowConfig
// defaults. Unknown fields are ignored, per spec.md.
func Parse(data []byte) (*ProjectConfig, error) {
	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing project config YAML: %w", err)
	}
	cfg.Workflow = cfg.Workflow.WithDefaults()
	return &cfg, nil
}

// ValidateJSON validates a project config already serialised to JSON,
// including its workflow block, against the embedded schemas. ExecutorAction
// chains are not schema-checked here. Use this for configuration arriving from an external
// caller (e.g. an API request body); Load/Parse already produce
// schema-shaped structs by construction.
func ValidateJSON(raw []byte) error {
	schema, err := compiledProjectSchema()
	if err != nil {
		return fmt.Errorf("compiling project config schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing project config JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("project config failed schema validation: %w", err)
	}
	return nil
}

// Validate checks structural invariants beyond what the JSON Schema covers
// (schema validation only applies to the JSON wire form; this applies to a
// ProjectConfig regardless of how it was constructed): at least one repo,
// unique repo names, and every repo has both name and path.
func Validate(cfg *ProjectConfig) []error {
	var errs []error

	if cfg.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if len(cfg.Repos) == 0 {
		errs = append(errs, fmt.Errorf("at least one repo is required"))
	}

	names := make(map[string]bool)
	for i, r := range cfg.Repos {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("repos[%d]: name is required", i))
		} else if names[r.Name] {
			errs = append(errs, fmt.Errorf("repos[%d]: duplicate name %q", i, r.Name))
		} else {
			names[r.Name] = true
		}
		if r.Path == "" {
			errs = append(errs, fmt.Errorf("repos[%d] (%s): path is required", i, r.Name))
		}
	}

	if cfg.Workflow.MaxAIReviewIterations < 1 {
		errs = append(errs, fmt.Errorf("workflow.max_ai_review_iterations must be >= 1"))
	}

	return errs
}

// RepoNames returns the configured repo names in declared order.
func (c *ProjectConfig) RepoNames() []string {
	names := make([]string, len(c.Repos))
	for i, r := range c.Repos {
		names[i] = r.Name
	}
	return names
}
