// Command orchestrator runs one goal-directed code-change run against a
// target repository. The CLI is a thin boundary over the run engine: it
// parses flags, wires the configured provider adapter, and maps the terminal
// status onto exit codes (0 success, 1 failure, 2 invalid configuration,
// 130 user cancellation).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/forgepilot/orchestrator/internal/eventlog"
	"github.com/forgepilot/orchestrator/internal/patchtool"
	"github.com/forgepilot/orchestrator/internal/provider"
	"github.com/forgepilot/orchestrator/internal/provider/httpapi"
	"github.com/forgepilot/orchestrator/internal/provider/subprocess"
	"github.com/forgepilot/orchestrator/internal/runengine"
	"github.com/forgepilot/orchestrator/internal/verify"
)

const (
	exitSuccess       = 0
	exitFailure       = 1
	exitInvalidConfig = 2
	exitCancelled     = 130
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitInvalidConfig)
	}
	switch os.Args[1] {
	case "run":
		os.Exit(runCmd(os.Args[2:]))
	case "--help", "-h", "help":
		usage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(exitInvalidConfig)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: orchestrator run --goal <text> [flags]

flags:
  --goal <text>        what to accomplish (required)
  --repo <path>        target repository root (default ".")
  --provider <id>      adapter id: anthropic | openai | claude-code | codex
  --model <id>         model to address (HTTP adapters)
  --budget-time <s>    wall-clock budget in seconds
  --budget-iter <n>    provider round-trip budget
  --budget-cost <usd>  spend budget in USD`)
}

func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	goal := fs.String("goal", "", "")
	repo := fs.String("repo", ".", "")
	providerID := fs.String("provider", "anthropic", "")
	model := fs.String("model", "", "")
	budgetTime := fs.Int("budget-time", 0, "")
	budgetIter := fs.Int("budget-iter", 0, "")
	budgetCost := fs.Float64("budget-cost", 0, "")
	if err := fs.Parse(args); err != nil {
		return exitInvalidConfig
	}
	if strings.TrimSpace(*goal) == "" {
		fmt.Fprintln(os.Stderr, "run: --goal is required")
		return exitInvalidConfig
	}
	repoRoot, err := os.Getwd()
	if *repo != "." {
		repoRoot = *repo
	} else if err != nil {
		fmt.Fprintln(os.Stderr, "run: cannot determine working directory")
		return exitInvalidConfig
	}

	adapter, err := buildAdapter(*providerID, *model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitInvalidConfig
	}

	ctx, cancelled, cleanup := signalCancelContext()
	defer cleanup()

	runID := runengine.NewRunID()
	layout := eventlog.NewLayout(repoRoot, runID)
	sink, err := eventlog.Open(layout, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitInvalidConfig
	}
	defer func() { _ = sink.Close() }()

	engine := &runengine.Engine{
		Cfg: runengine.Config{
			Goal:     *goal,
			RepoRoot: repoRoot,
			Budgets: runengine.Budgets{
				Time:       time.Duration(*budgetTime) * time.Second,
				Iterations: *budgetIter,
				CostUSD:    *budgetCost,
			},
		},
		Adapter: adapter,
		Planner: singleStepPlanner{},
		Context: goalContextBuilder{},
		Patch:   patchtool.CommandApplier{Command: []string{"git", "apply", "--3way", "--whitespace=nowarn", "-"}},
		Verifier: &verify.Runner{
			Profile:  verify.DefaultProfile(),
			Commands: verify.DefaultCommandRunner{},
			Logs:     sink.ToolLogPaths,
			RepoRoot: repoRoot,
		},
		Sink:      sink,
		Layout:    layout,
		Cancelled: func() bool { return cancelled.Load() },
	}

	color.New(color.FgCyan).Fprintf(os.Stderr, "run %s started: %s\n", runID, *goal)
	result, runErr := engine.Run(ctx, runID)

	switch {
	case cancelled.Load():
		color.New(color.FgYellow).Fprintf(os.Stderr, "cancelled: %s\n", result.Summary)
		fmt.Fprintln(os.Stderr, "artifacts:", layout.Root)
		return exitCancelled
	case runErr != nil || result.Status != runengine.StatusSuccess:
		color.New(color.FgRed).Fprintf(os.Stderr, "failed: %s\n", result.Summary)
		fmt.Fprintln(os.Stderr, "artifacts:", layout.Root)
		return exitFailure
	default:
		color.New(color.FgGreen).Fprintf(os.Stderr, "success: %s\n", result.Summary)
		fmt.Fprintln(os.Stderr, "artifacts:", layout.Root)
		return exitSuccess
	}
}

// buildAdapter wires the named adapter from environment credentials.
func buildAdapter(id, model string) (provider.Adapter, error) {
	switch id {
	case "anthropic":
		return &httpapi.ChatAdapter{
			Vendor:  "anthropic",
			Model:   model,
			APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
			BaseURL: envOr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		}, nil
	case "openai":
		return &httpapi.CompletionAdapter{
			Vendor:  "openai",
			Model:   model,
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: envOr("OPENAI_BASE_URL", "https://api.openai.com"),
		}, nil
	case "claude-code":
		return &subprocess.Adapter{Vendor: subprocess.ClaudeCode()}, nil
	case "codex":
		return &subprocess.Adapter{Vendor: subprocess.Codex()}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", id)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func signalCancelContext() (context.Context, *atomic.Bool, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	cancelled := &atomic.Bool{}
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancelled.Store(true)
			cancel()
		case <-stopCh:
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel()
	}
	return ctx, cancelled, cleanup
}

// singleStepPlanner turns the goal into one implementation step. A real
// deployment substitutes the external planner; the engine only sees the
// interface.
type singleStepPlanner struct{}

func (singleStepPlanner) Plan(_ context.Context, goal string) ([]runengine.Step, error) {
	return []runengine.Step{{Title: "implement goal", Instructions: goal}}, nil
}

func (singleStepPlanner) Replan(_ context.Context, goal, failureContext string) ([]runengine.Step, error) {
	return []runengine.Step{{
		Title:        "retry goal with failure context",
		Instructions: goal + "\n\nPrevious attempt failed:\n" + failureContext,
	}}, nil
}

// goalContextBuilder assembles a minimal prompt bundle. The repo
// scanning/search context builder is an external collaborator.
type goalContextBuilder struct{}

func (goalContextBuilder) Build(_ context.Context, goal string, step runengine.Step, retryContext string) (provider.Request, error) {
	user := step.Instructions
	if retryContext != "" {
		user = retryContext + "\n\n" + user
	}
	return provider.Request{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "You are an autonomous code-change agent. Goal: " + goal +
				"\nRespond with a unified diff wrapped in <BEGIN_DIFF> and <END_DIFF>."},
			{Role: provider.RoleUser, Content: user},
		},
	}, nil
}
