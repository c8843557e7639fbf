// Package agentprofile implements the CustomAgent adapter (C4): it resolves
// an executable, assembles the argv for a given base-agent kind, and picks
// which agent runner strategy (internal/agentrun) a spawn should use.
// Grounded directly on custom_agent.rs's BaseAgentType/CustomAgent/
// build_command_builder/get_availability_info, re-expressed as a Go closed
// sum type and dispatch table the way the teacher dispatches on
// BaseAgentType for its own invokeAgent pty path in internal/engine.
package agentprofile

import (
	"fmt"
	"os/exec"
	"strings"
)

// BaseAgentKind is the closed sum type named in spec §9: the agent families
// the adapter knows how to drive.
type BaseAgentKind string

const (
	ClaudeLike  BaseAgentKind = "CLAUDE_LIKE"
	Amp         BaseAgentKind = "AMP"
	Gemini      BaseAgentKind = "GEMINI"
	Codex       BaseAgentKind = "CODEX"
	Opencode    BaseAgentKind = "OPENCODE"
	CursorAgent BaseAgentKind = "CURSOR_AGENT"
	QwenCode    BaseAgentKind = "QWEN_CODE"
	Copilot     BaseAgentKind = "COPILOT"
	Droid       BaseAgentKind = "DROID"
	Custom      BaseAgentKind = "CUSTOM"
)

// SpawnStrategy is which of internal/agentrun's two runners drives a spawn.
type SpawnStrategy int

const (
	StdinPrompt SpawnStrategy = iota
	ControlProtocolPeer
)

// SpawnStrategyFor implements spec §4.2: "Base = Claude-like → control-protocol
// peer; all others → stdin-prompt."
func SpawnStrategyFor(kind BaseAgentKind) SpawnStrategy {
	if kind == ClaudeLike {
		return ControlProtocolPeer
	}
	return StdinPrompt
}

// DroidAutonomy mirrors the Rust Autonomy enum consumed by the Droid flag
// builder.
type DroidAutonomy string

const (
	AutonomyNormal                DroidAutonomy = "normal"
	AutonomyLow                   DroidAutonomy = "low"
	AutonomyMedium                DroidAutonomy = "medium"
	AutonomyHigh                  DroidAutonomy = "high"
	AutonomySkipPermissionsUnsafe DroidAutonomy = "skip_permissions_unsafe"
)

// BaseAgentSettings holds the per-kind overrides the flag-assembly switch in
// custom_agent.rs's build_command_builder reads off the base agent config
// (dangerously_skip_permissions, model, yolo, sandbox, ...). Only fields
// relevant to that kind are read; the rest are ignored.
type BaseAgentSettings struct {
	DangerouslySkipPermissions *bool
	Model                      *string
	Yolo                       bool
	Sandbox                    string
	AutoApprove                bool
	AllowAllTools              bool
	Force                      bool
	Autonomy                   DroidAutonomy
}

// Overrides are the caller-supplied argv/env customisations layered on top
// of the base agent's required flags — CmdOverrides in the Rust source.
type Overrides struct {
	BaseCommandOverride string
	AdditionalParams    []string
	EnvOverrides        map[string]string
}

// defaultBaseCommand mirrors custom_agent.rs's default_base_command table.
// A missing kind (including Custom, and zero value) falls back to Claude
// Code's default, same as the Rust `None =>` arm.
func defaultBaseCommand(kind BaseAgentKind) string {
	switch kind {
	case Amp:
		return "npx -y @sourcegraph/amp@0.0.1764777697-g907e30"
	case Gemini:
		return "npx -y @google/gemini-cli@latest"
	case Codex:
		return "npx -y @openai/codex@latest"
	case Opencode:
		return "npx -y @opencodeai/codex@latest"
	case CursorAgent:
		return "npx -y @cursor cursor-agent"
	case QwenCode:
		return "npx -y @qwen/qwen-code@latest"
	case Copilot:
		return "npx -y @copilot/copilot-cli@latest"
	case Droid:
		return "npx -y @anthropic/droid@latest"
	default:
		return "npx -y @anthropic-ai/claude-code@2.0.76"
	}
}

// CustomAgent is the adapter: a base agent kind plus its settings and
// caller overrides, able to build argv for an initial request, a follow-up
// request, and report availability.
type CustomAgent struct {
	Name      string
	BaseAgent BaseAgentKind
	Settings  BaseAgentSettings
	Cmd       Overrides
}

// ExecutableNotFoundError reports that the command's program did not resolve
// on PATH: the override command if one is set, otherwise the base agent's
// default.
type ExecutableNotFoundError struct {
	Program string
}

func (e *ExecutableNotFoundError) Error() string {
	return fmt.Sprintf("ExecutableNotFound { program: %q }", e.Program)
}

// baseCommand resolves the program (and any built-in leading args, e.g.
// "npx -y pkg") for this agent's base, honoring an override.
func (a *CustomAgent) baseCommand() string {
	if a.Cmd.BaseCommandOverride != "" {
		return a.Cmd.BaseCommandOverride
	}
	return defaultBaseCommand(a.BaseAgent)
}

// buildArgs assembles the required-flags prelude for a.BaseAgent, exactly
// per custom_agent.rs's build_command_builder match arms.
func (a *CustomAgent) buildArgs() []string {
	var args []string
	switch a.BaseAgent {
	case ClaudeLike, "":
		args = append(args, "-p", "--verbose", "--output-format=stream-json",
			"--input-format=stream-json", "--include-partial-messages",
			"--disallowedTools=AskUserQuestion")
		skipPerms := a.Settings == (BaseAgentSettings{}) // no base agent settings => default to skip permissions
		if a.Settings.DangerouslySkipPermissions != nil {
			skipPerms = *a.Settings.DangerouslySkipPermissions
		}
		if skipPerms {
			args = append(args, "--dangerously-skip-permissions")
		}
		if a.Settings.Model != nil {
			args = append(args, "--model", *a.Settings.Model)
		}
	case Amp:
		args = append(args, "--output-format=stream-json", "--verbose")
	case Gemini:
		if a.Settings.Yolo {
			args = append(args, "--yolo")
		}
	case Codex:
		if a.Settings.Sandbox != "" {
			args = append(args, "--sandbox", a.Settings.Sandbox)
		}
	case Droid:
		args = append(args, "--output-format", "stream-json")
		switch a.Settings.Autonomy {
		case AutonomyLow:
			args = append(args, "--auto", "low")
		case AutonomyMedium:
			args = append(args, "--auto", "medium")
		case AutonomyHigh:
			args = append(args, "--auto", "high")
		case AutonomySkipPermissionsUnsafe:
			args = append(args, "--skip-permissions-unsafe")
		}
		if a.Settings.Model != nil {
			args = append(args, "--model", *a.Settings.Model)
		}
	case CursorAgent:
		if a.Settings.Force {
			args = append(args, "--force")
		}
		if a.Settings.Model != nil {
			args = append(args, "--model", *a.Settings.Model)
		}
	case QwenCode:
		if a.Settings.Yolo {
			args = append(args, "--yolo")
		}
	case Opencode:
		if a.Settings.AutoApprove {
			args = append(args, "--auto-approve")
		}
	case Copilot:
		if a.Settings.AllowAllTools {
			args = append(args, "--allow-all-tools")
		}
	}
	return append(args, a.Cmd.AdditionalParams...)
}

// Command is a fully resolved executable + argv, ready to hand to
// internal/agentrun.
type Command struct {
	Executable string
	Args       []string
	Env        map[string]string
}

// BuildInitial builds the command for a fresh coding-agent turn.
func (a *CustomAgent) BuildInitial() (Command, error) {
	return a.resolve(a.buildArgs())
}

// BuildFollowUp builds the command for a resumed turn, injecting
// "--resume <sessionID>" per spec §4.2.
func (a *CustomAgent) BuildFollowUp(sessionID string) (Command, error) {
	args := append(a.buildArgs(), "--resume", sessionID)
	return a.resolve(args)
}

func (a *CustomAgent) resolve(args []string) (Command, error) {
	fields := strings.Fields(a.baseCommand())
	if len(fields) == 0 {
		return Command{}, &ExecutableNotFoundError{Program: a.baseCommand()}
	}
	program := fields[0]
	resolved, err := exec.LookPath(program)
	if err != nil {
		return Command{}, &ExecutableNotFoundError{Program: program}
	}
	full := append(append([]string{}, fields[1:]...), args...)
	return Command{Executable: resolved, Args: full, Env: a.Cmd.EnvOverrides}, nil
}

// AvailabilityInfo is the installed/not-found report from get_availability_info.
type AvailabilityInfo int

const (
	NotFound AvailabilityInfo = iota
	InstallationFound
)

// Availability mirrors custom_agent.rs's get_availability_info: an override
// executable that resolves reports found; otherwise defer to the base
// agent's own default command resolving on PATH.
func (a *CustomAgent) Availability() AvailabilityInfo {
	if a.Cmd.BaseCommandOverride != "" {
		if fields := strings.Fields(a.Cmd.BaseCommandOverride); len(fields) > 0 {
			if _, err := exec.LookPath(fields[0]); err == nil {
				return InstallationFound
			}
		}
	}
	fields := strings.Fields(defaultBaseCommand(a.BaseAgent))
	if len(fields) == 0 {
		return NotFound
	}
	if _, err := exec.LookPath(fields[0]); err == nil {
		return InstallationFound
	}
	return NotFound
}
