package subprocess

import "time"

// Vendor presets for the two CLIs the orchestrator ships support for. Both
// keep their output format flags managed: the driver depends on plain-text
// capture, so callers may not switch the CLI into an incompatible mode.

// ClaudeCode returns the vendor definition for the claude CLI in
// non-interactive print mode.
func ClaudeCode() Vendor {
	return Vendor{
		Name:         "claude-code",
		Command:      "claude",
		BaseArgs:     []string{"--print"},
		ManagedFlags: []string{"--print", "--output-format", "--input-format"},
		EnvAllowlist: []string{"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL"},
		Cwd:          CwdRepoRoot,
		Profile:      NewProfileTable().Get("claude-code"),
		Timeout:      10 * time.Minute,
	}
}

// Codex returns the vendor definition for the codex CLI in exec mode.
func Codex() Vendor {
	return Vendor{
		Name:         "codex",
		Command:      "codex",
		BaseArgs:     []string{"exec"},
		ManagedFlags: []string{"exec", "--json", "--output-schema"},
		EnvAllowlist: []string{"OPENAI_API_KEY", "OPENAI_BASE_URL"},
		Cwd:          CwdRepoRoot,
		Profile:      NewProfileTable().Get("codex"),
		Timeout:      10 * time.Minute,
	}
}
