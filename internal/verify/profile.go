// Package verify implements the Verification Runner: command
// selection across memory/detected/custom sources, execution under the tool
// policy, and failure summarization/fingerprinting.
package verify

import (
	"os"

	"gopkg.in/yaml.v3"
)

// TestScope controls whether auto-mode test selection targets only the
// packages touched by the current step or always runs the full suite.
type TestScope string

const (
	ScopeTargeted TestScope = "targeted"
	ScopeFull     TestScope = "full"
)

// Mode selects between auto command discovery and a fixed custom list.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeCustom Mode = "custom"
)

// AutoConfig configures auto-mode task selection.
type AutoConfig struct {
	EnableLint         bool      `yaml:"enableLint"`
	EnableTypecheck    bool      `yaml:"enableTypecheck"`
	EnableTests        bool      `yaml:"enableTests"`
	TestScope          TestScope `yaml:"testScope"`
	MaxCommandsPerIter int       `yaml:"maxCommandsPerIteration"`
}

// Step is one command in custom mode.
type Step struct {
	Name      string `yaml:"name"`
	Command   string `yaml:"command"`
	TimeoutMS int    `yaml:"timeoutMs"`
}

// Profile is the verification configuration for one run, loaded from YAML.
type Profile struct {
	Enabled bool       `yaml:"enabled"`
	Mode    Mode       `yaml:"mode"`
	Steps   []Step     `yaml:"steps"`
	Auto    AutoConfig `yaml:"auto"`
}

// DefaultProfile is auto mode with every task enabled and targeted test
// scope.
func DefaultProfile() Profile {
	return Profile{
		Enabled: true,
		Mode:    ModeAuto,
		Auto: AutoConfig{
			EnableLint:         true,
			EnableTypecheck:    true,
			EnableTests:        true,
			TestScope:          ScopeTargeted,
			MaxCommandsPerIter: 6,
		},
	}
}

// LoadProfile reads a YAML-encoded Profile from path.
func LoadProfile(path string) (Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	p := DefaultProfile()
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}
