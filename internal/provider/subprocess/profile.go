// Package subprocess implements the subprocess-CLI provider adapter: a
// reusable driver that spawns a vendor CLI through the Process Supervisor, feeds it the rendered prompt, waits for quiescence, and parses
// the captured output into a diff, plan, or raw text.
package subprocess

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is one entry of the compatibility-profile table: how a specific
// CLI signals that it is idle and waiting for input, and how long a silence
// counts as "done responding". The prompt-detection heuristics are CLI
// version-sensitive, so they live in data rather than code.
type Profile struct {
	Name              string        `yaml:"name"`
	IdlePromptPattern string        `yaml:"idlePromptPattern"`
	SilenceWindow     time.Duration `yaml:"silenceWindow"`

	compiled *regexp.Regexp
}

// UnmarshalYAML accepts silenceWindow as a Go duration string ("4s",
// "1500ms"), which yaml.v3 does not decode into time.Duration on its own.
func (p *Profile) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name              string `yaml:"name"`
		IdlePromptPattern string `yaml:"idlePromptPattern"`
		SilenceWindow     string `yaml:"silenceWindow"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.Name = raw.Name
	p.IdlePromptPattern = raw.IdlePromptPattern
	if raw.SilenceWindow != "" {
		d, err := time.ParseDuration(raw.SilenceWindow)
		if err != nil {
			return fmt.Errorf("subprocess: profile %q: bad silenceWindow: %w", raw.Name, err)
		}
		p.SilenceWindow = d
	}
	return nil
}

// Compile validates and caches the idle-prompt regex.
func (p *Profile) Compile() error {
	re, err := regexp.Compile(p.IdlePromptPattern)
	if err != nil {
		return fmt.Errorf("subprocess: profile %q: bad idle prompt pattern: %w", p.Name, err)
	}
	p.compiled = re
	return nil
}

// MatchesIdle reports whether the tail of buf looks like the CLI's idle
// prompt.
func (p *Profile) MatchesIdle(buf string) bool {
	if p.compiled == nil {
		if err := p.Compile(); err != nil {
			return false
		}
	}
	return p.compiled.MatchString(buf)
}

// TrimTrailingPrompt removes a trailing idle-prompt marker from captured
// text so it does not leak into the parsed response.
func (p *Profile) TrimTrailingPrompt(text string) string {
	if p.compiled == nil {
		if err := p.Compile(); err != nil {
			return text
		}
	}
	loc := p.compiled.FindStringIndex(text)
	for loc != nil && loc[1] == len(text) {
		text = text[:loc[0]]
		loc = p.compiled.FindStringIndex(text)
	}
	return text
}

// Built-in profiles. The default matches any trailing shell punctuation;
// Codex and Claude-Code carry the prompt families their CLIs actually print.
func builtinProfiles() map[string]Profile {
	return map[string]Profile{
		"default": {
			Name:              "default",
			IdlePromptPattern: `[>$#%]\s*$`,
			SilenceWindow:     2 * time.Second,
		},
		"codex": {
			Name:              "codex",
			IdlePromptPattern: `(codex>|>>> |> |\$ )$`,
			SilenceWindow:     3 * time.Second,
		},
		"claude-code": {
			Name:              "claude-code",
			IdlePromptPattern: `(❯\s*$|\(y/n\)\s*$|Do you want to proceed\?)`,
			SilenceWindow:     3 * time.Second,
		},
	}
}

// ProfileTable resolves profile names to Profiles, with YAML-loaded entries
// overriding the built-ins.
type ProfileTable struct {
	profiles map[string]Profile
}

// NewProfileTable returns the built-in table.
func NewProfileTable() *ProfileTable {
	return &ProfileTable{profiles: builtinProfiles()}
}

// LoadProfileTable merges a YAML profile list over the built-ins. File shape:
//
//	profiles:
//	  - name: mycli
//	    idlePromptPattern: 'mycli> $'
//	    silenceWindow: 4s
func LoadProfileTable(path string) (*ProfileTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("subprocess: parse profile table: %w", err)
	}
	t := NewProfileTable()
	for _, p := range doc.Profiles {
		if err := p.Compile(); err != nil {
			return nil, err
		}
		t.profiles[p.Name] = p
	}
	return t, nil
}

// Get returns the named profile, falling back to "default" when the name is
// unknown or empty.
func (t *ProfileTable) Get(name string) Profile {
	if p, ok := t.profiles[name]; ok {
		return p
	}
	return t.profiles["default"]
}
