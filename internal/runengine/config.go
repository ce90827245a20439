// Package runengine implements the Run Engine: the per-run
// state machine that builds step context, calls the provider through the
// retry engine, parses and applies diffs, verifies the result, and decides
// whether to advance, repair, escalate, or terminate.
package runengine

import (
	"context"
	"time"

	"github.com/forgepilot/orchestrator/internal/provider"
	"github.com/forgepilot/orchestrator/internal/retry"
)

// Step is one planned sub-goal within a run.
type Step struct {
	Title        string
	Instructions string
}

// Planner produces the step plan for a goal, and on escalation re-plans the
// remaining work given what failed. Prompting templates are external; the
// engine only consumes the interface.
type Planner interface {
	Plan(ctx context.Context, goal string) ([]Step, error)
	Replan(ctx context.Context, goal string, failureContext string) ([]Step, error)
}

// ContextBuilder assembles the fused prompt bundle for one step (external
// collaborator). retryContext, when non-empty, is prepended to the user
// message on repair attempts.
type ContextBuilder interface {
	Build(ctx context.Context, goal string, step Step, retryContext string) (provider.Request, error)
}

// Budgets bound one run: it ends when the goal is satisfied or a budget is
// exhausted.
type Budgets struct {
	Time       time.Duration // 0 = unbounded
	Iterations int           // provider round-trips; 0 = default
	CostUSD    float64       // 0 = unbounded
}

// Config is the engine's already-validated run configuration. Loading and
// schema validation happen outside the core.
type Config struct {
	TaskID   string
	Goal     string
	RepoRoot string

	Budgets Budgets

	// Escalation thresholds.
	MaxConsecutiveInvalidDiffs  int
	MaxConsecutiveApplyFailures int

	Retry       retry.Schedule
	CallTimeout time.Duration

	// Token pricing for the cost budget, in USD per million tokens.
	USDPerMInputTokens  float64
	USDPerMOutputTokens float64
}

// withDefaults fills zero values with the standard defaults.
func (c Config) withDefaults() Config {
	if c.MaxConsecutiveInvalidDiffs <= 0 {
		c.MaxConsecutiveInvalidDiffs = 2
	}
	if c.MaxConsecutiveApplyFailures <= 0 {
		c.MaxConsecutiveApplyFailures = 3
	}
	if c.Budgets.Iterations <= 0 {
		c.Budgets.Iterations = 25
	}
	if c.Retry == (retry.Schedule{}) {
		c.Retry = retry.DefaultSchedule()
	}
	return c
}
