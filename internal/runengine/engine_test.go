package runengine

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/orchestrator/internal/eventlog"
	"github.com/forgepilot/orchestrator/internal/provider"
	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

const validDiff = "<BEGIN_DIFF>\ndiff --git a/src/x.ts b/src/x.ts\n--- a/src/x.ts\n+++ b/src/x.ts\n@@ -1 +1 @@\n-a\n+b\n<END_DIFF>"

type fakePlanner struct {
	steps       []Step
	replanSteps []Step
	replans     int
}

func (p *fakePlanner) Plan(context.Context, string) ([]Step, error) { return p.steps, nil }
func (p *fakePlanner) Replan(context.Context, string, string) ([]Step, error) {
	p.replans++
	return p.replanSteps, nil
}

type fakeBuilder struct {
	lastRetryContext []string
}

func (b *fakeBuilder) Build(_ context.Context, goal string, step Step, retryContext string) (provider.Request, error) {
	b.lastRetryContext = append(b.lastRetryContext, retryContext)
	content := step.Instructions
	if retryContext != "" {
		content = retryContext + "\n\n" + content
	}
	return provider.Request{Messages: []provider.Message{
		{Role: provider.RoleSystem, Content: goal},
		{Role: provider.RoleUser, Content: content},
	}}, nil
}

type scriptedAdapter struct {
	responses []provider.Response
	calls     int
}

func (a *scriptedAdapter) ID() string { return "scripted" }
func (a *scriptedAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{}
}
func (a *scriptedAdapter) Generate(context.Context, provider.Request, provider.CallContext) (provider.Response, error) {
	resp := a.responses[a.calls%len(a.responses)]
	a.calls++
	return resp, nil
}

type fakeApplier struct {
	applies []string
	errs    []error
}

func (f *fakeApplier) Apply(_ context.Context, _ string, diffText string) error {
	f.applies = append(f.applies, diffText)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func newTestEngine(t *testing.T, cfg Config, adapter provider.Adapter, planner Planner, applier *fakeApplier) (*Engine, eventlog.Layout, string) {
	t.Helper()
	repo := t.TempDir()
	cfg.RepoRoot = repo
	runID := NewRunID()
	layout := eventlog.NewLayout(repo, runID)
	sink, err := eventlog.Open(layout, runID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	return &Engine{
		Cfg:     cfg,
		Adapter: adapter,
		Planner: planner,
		Context: &fakeBuilder{},
		Patch:   applier,
		Sink:    sink,
		Layout:  layout,
	}, layout, runID
}

func readTrace(t *testing.T, layout eventlog.Layout) []eventlog.Event {
	t.Helper()
	f, err := os.Open(layout.TracePath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	var events []eventlog.Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev eventlog.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}

func countType(events []eventlog.Event, typ eventlog.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestRun_HappyPathAppliesDiffAndFinishesSuccess(t *testing.T) {
	adapter := &scriptedAdapter{responses: []provider.Response{{Text: validDiff}}}
	applier := &fakeApplier{}
	planner := &fakePlanner{steps: []Step{{Title: "change x", Instructions: "edit src/x.ts"}}}
	engine, layout, runID := newTestEngine(t, Config{Goal: "fix bug"}, adapter, planner, applier)

	result, err := engine.Run(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	require.Len(t, applier.applies, 1)
	assert.Contains(t, applier.applies[0], "diff --git a/src/x.ts")

	events := readTrace(t, layout)
	assert.Equal(t, 1, countType(events, eventlog.RunStarted))
	assert.Equal(t, 1, countType(events, eventlog.RunFinished))
	assert.Equal(t, 1, countType(events, eventlog.ProviderRequestStarted))
	assert.Equal(t, 1, countType(events, eventlog.ProviderRequestFinished))

	// A patch artifact landed in apply order.
	entries, err := os.ReadDir(layout.PatchesDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "001-"))
}

func TestRun_EmptyDiffOnDiagnosticStepIsSuccess(t *testing.T) {
	adapter := &scriptedAdapter{responses: []provider.Response{{Text: "all 42 tests passed"}}}
	applier := &fakeApplier{}
	planner := &fakePlanner{steps: []Step{{Title: "run baseline", Instructions: "pnpm test"}}}
	engine, _, runID := newTestEngine(t, Config{Goal: "establish baseline"}, adapter, planner, applier)

	result, err := engine.Run(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Empty(t, applier.applies, "patch tool must not be invoked for a diagnostic no-op step")
}

func TestRun_InvalidDiffRetriesWithStrengthenedInstructionsThenTerminates(t *testing.T) {
	adapter := &scriptedAdapter{responses: []provider.Response{{Text: "I cannot produce a diff, sorry"}}}
	applier := &fakeApplier{}
	planner := &fakePlanner{steps: []Step{{Title: "refactor parser", Instructions: "rewrite the parser module"}}}
	engine, _, runID := newTestEngine(t, Config{Goal: "refactor"}, adapter, planner, applier)
	builder := engine.Context.(*fakeBuilder)

	result, err := engine.Run(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, 2, adapter.calls) // N1 default 2

	require.Len(t, builder.lastRetryContext, 2)
	assert.Empty(t, builder.lastRetryContext[0])
	assert.Contains(t, builder.lastRetryContext[1], "unified diff")
}

func TestRun_ApplyFailureBuildsRetryContextThenEscalates(t *testing.T) {
	patchErr := taxonomy.NewPatchError(taxonomy.PatchExecution, "hunk failed", []taxonomy.PatchErrorDetail{
		{Kind: "HUNK_FAILED", File: "src/x.ts", Line: 1, Message: "context mismatch", Suggestion: "regenerate against HEAD"},
	}, "")
	adapter := &scriptedAdapter{responses: []provider.Response{{Text: validDiff}}}
	applier := &fakeApplier{errs: []error{patchErr, patchErr, patchErr}}
	planner := &fakePlanner{steps: []Step{{Title: "change x", Instructions: "edit"}}}
	engine, _, runID := newTestEngine(t, Config{Goal: "fix"}, adapter, planner, applier)
	builder := engine.Context.(*fakeBuilder)

	result, err := engine.Run(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, 1, planner.replans, "unchanging fingerprint escalates to the planner")

	// The repair attempts carried the structured patch report.
	var sawReport bool
	for _, rc := range builder.lastRetryContext {
		if strings.Contains(rc, "HUNK_FAILED") && strings.Contains(rc, "src/x.ts:1") {
			sawReport = true
		}
	}
	assert.True(t, sawReport)
}

func TestRun_RunFinishedEmittedOnPlannerPanic(t *testing.T) {
	adapter := &scriptedAdapter{responses: []provider.Response{{Text: validDiff}}}
	planner := &panickyPlanner{}
	engine, layout, runID := newTestEngine(t, Config{Goal: "boom"}, adapter, planner, &fakeApplier{})

	_, err := engine.Run(context.Background(), runID)
	require.Error(t, err)

	events := readTrace(t, layout)
	assert.Equal(t, 1, countType(events, eventlog.RunStarted))
	assert.Equal(t, 1, countType(events, eventlog.RunFinished))
}

type panickyPlanner struct{}

func (panickyPlanner) Plan(context.Context, string) ([]Step, error) { panic("planner exploded") }
func (panickyPlanner) Replan(context.Context, string, string) ([]Step, error) {
	return nil, nil
}

func TestIsDiagnosticStep(t *testing.T) {
	assert.True(t, isDiagnosticStep("pnpm test"))
	assert.True(t, isDiagnosticStep("yarn typecheck"))
	assert.True(t, isDiagnosticStep("Run the tests to establish a baseline"))
	assert.True(t, isDiagnosticStep("capture the failing output"))
	assert.False(t, isDiagnosticStep("rewrite the config loader"))
	assert.False(t, isDiagnosticStep("inspect the architecture"), "verb without a diagnostic target")
}

func TestTouchedFilesFromDiff(t *testing.T) {
	diff := "diff --git a/a.ts b/a.ts\n--- a/a.ts\n+++ b/a.ts\n@@ -1 +1 @@\n-x\n+y\n" +
		"diff --git a/gone.ts b/gone.ts\n--- a/gone.ts\n+++ /dev/null\n@@ -1 +0,0 @@\n-z\n"
	got := touchedFilesFromDiff(diff)
	assert.ElementsMatch(t, got, []string{"a.ts", "gone.ts"})
}

func TestBuildPatchRetryContext_WindowsAndCap(t *testing.T) {
	repo := t.TempDir()
	var lines []string
	for i := 1; i <= 100; i++ {
		lines = append(lines, strings.Repeat("x", 10))
	}
	require.NoError(t, os.MkdirAll(repo+"/src", 0o755))
	require.NoError(t, os.WriteFile(repo+"/src/x.ts", []byte(strings.Join(lines, "\n")), 0o644))

	pe := taxonomy.NewPatchError(taxonomy.PatchExecution, "hunk failed", []taxonomy.PatchErrorDetail{
		{Kind: "HUNK_FAILED", File: "src/x.ts", Line: 50, Message: "mismatch"},
	}, "")
	block := buildPatchRetryContext(pe, repo)
	assert.Contains(t, block, "HUNK_FAILED src/x.ts:50")
	assert.Contains(t, block, "   30|") // line 50 - 20
	assert.Contains(t, block, "   70|") // line 50 + 20
	assert.NotContains(t, block, "   29|")
	assert.LessOrEqual(t, len(block), 6*1024)
}

func TestBuildPatchRetryContext_FallsBackToStderrHints(t *testing.T) {
	pe := taxonomy.NewPatchError(taxonomy.PatchExecution, "apply failed", nil,
		"error: patch failed: src/x.ts:12\nsome noise\nHunk #1 FAILED at 12.\n")
	block := buildPatchRetryContext(pe, t.TempDir())
	assert.Contains(t, block, "error: patch failed: src/x.ts:12")
	assert.Contains(t, block, "Hunk #1 FAILED at 12.")
	assert.NotContains(t, block, "some noise")
}
