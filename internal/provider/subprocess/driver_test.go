package subprocess

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/orchestrator/internal/eventlog"
	"github.com/forgepilot/orchestrator/internal/provider"
	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

type memorySink struct {
	mu     sync.Mutex
	events []eventlog.Event
}

func (m *memorySink) Append(typ eventlog.EventType, payload any) (eventlog.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, err := eventlog.NewEvent("run-1", typ, time.Now(), payload)
	if err != nil {
		return eventlog.Event{}, err
	}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *memorySink) types() []eventlog.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]eventlog.EventType, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestArgvRejectsManagedFlagCollision(t *testing.T) {
	a := &Adapter{
		Vendor:     Vendor{Name: "codex", Command: "codex", ManagedFlags: []string{"--json"}},
		CallerArgs: []string{"--json"},
	}
	_, err := a.Generate(context.Background(), provider.Request{}, provider.CallContext{})
	var ce *taxonomy.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, err.Error(), "--json")
}

func TestArgvRejectsManagedFlagWithValueSyntax(t *testing.T) {
	a := &Adapter{
		Vendor:     Vendor{Name: "claude-code", Command: "claude", ManagedFlags: []string{"--output-format"}},
		CallerArgs: []string{"--output-format=json"},
	}
	_, err := a.Generate(context.Background(), provider.Request{}, provider.CallContext{})
	var ce *taxonomy.ConfigError
	require.True(t, errors.As(err, &ce))
}

func TestGenerate_ExtractsDiffFromCLIOutputAndEmitsEvents(t *testing.T) {
	// A stand-in CLI: reads one line of stdin, prints framed diff output.
	script := `read line
echo "[INFO] start"
echo "<BEGIN_DIFF>"
echo "diff --git a/f b/f"
echo "--- a/f"
echo "+++ b/f"
echo "@@ -1 +1 @@"
echo "-a"
echo "+b"
echo "<END_DIFF>"
echo "input=12, output=34"
`
	dir := t.TempDir()

	sink := &memorySink{}
	a := &Adapter{
		Vendor: Vendor{
			Name:    "fake-cli",
			Command: "sh",
			Profile:     Profile{Name: "fake", IdlePromptPattern: `<END_OF_NOTHING>`, SilenceWindow: 300 * time.Millisecond},
			Timeout:     20 * time.Second,
			StartupWait: 200 * time.Millisecond,
		},
		CallerArgs: []string{"-c", script},
		RunDir:     dir,
	}
	resp, err := a.Generate(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "change f"}},
	}, provider.CallContext{RepoRoot: dir, Sink: sink})
	require.NoError(t, err)

	assert.Contains(t, resp.Text, "diff --git a/f b/f")
	assert.NotContains(t, resp.Text, "BEGIN_DIFF")
	assert.NotContains(t, resp.Text, "[INFO]")
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 34, resp.Usage.OutputTokens)

	types := sink.types()
	require.Contains(t, types, eventlog.SubprocessSpawned)
	require.Contains(t, types, eventlog.SubprocessParsed)
	require.Contains(t, types, eventlog.SubprocessExited)

	// Spawned strictly precedes every chunk, which precede exited.
	spawnedIdx, exitedIdx := -1, -1
	for i, typ := range types {
		switch typ {
		case eventlog.SubprocessSpawned:
			spawnedIdx = i
		case eventlog.SubprocessExited:
			exitedIdx = i
		case eventlog.SubprocessOutputChunked:
			assert.Greater(t, i, spawnedIdx)
			assert.Equal(t, -1, exitedIdx, "chunk after exit")
		}
	}
	require.GreaterOrEqual(t, spawnedIdx, 0)
	assert.Greater(t, exitedIdx, spawnedIdx)

	// Transcript written alongside the run artifacts.
	b, err := os.ReadFile(filepath.Join(dir, "tool_logs", "subprocess_fake-cli.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "[stdin] change f")
}

func TestGenerate_AppendsDiffEnforcementUnlessJSONMode(t *testing.T) {
	req := provider.Request{Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello"}}}
	withEnforcement := renderPrompt(provider.Request{Messages: append(req.Messages,
		provider.Message{Role: provider.RoleSystem, Content: diffEnforcement})})
	assert.Contains(t, withEnforcement, "<BEGIN_DIFF>")

	plain := renderPrompt(req)
	assert.NotContains(t, plain, "BEGIN_DIFF")
}

func TestProfileTrimTrailingPrompt(t *testing.T) {
	p := NewProfileTable().Get("default")
	assert.Equal(t, "answer text\n", p.TrimTrailingPrompt("answer text\n> "))
	assert.Equal(t, "answer text", p.TrimTrailingPrompt("answer text"))
}

func TestProfileTable_FallsBackToDefault(t *testing.T) {
	table := NewProfileTable()
	p := table.Get("no-such-cli")
	assert.Equal(t, "default", p.Name)
	assert.True(t, p.MatchesIdle("some output\n$ "))
}

func TestLoadProfileTable_OverridesBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"profiles:\n  - name: codex\n    idlePromptPattern: 'custom> $'\n    silenceWindow: 4s\n"), 0o644))

	table, err := LoadProfileTable(path)
	require.NoError(t, err)
	p := table.Get("codex")
	assert.Equal(t, 4*time.Second, p.SilenceWindow)
	assert.True(t, p.MatchesIdle("output\ncustom> "))
	// Built-ins not named in the file survive.
	assert.Equal(t, "claude-code", table.Get("claude-code").Name)
}

func TestVendorPresetsCarryManagedOutputFlags(t *testing.T) {
	assert.Contains(t, ClaudeCode().ManagedFlags, "--output-format")
	assert.Contains(t, Codex().ManagedFlags, "--json")
}
