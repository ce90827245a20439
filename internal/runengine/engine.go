package runengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/forgepilot/orchestrator/internal/eventlog"
	"github.com/forgepilot/orchestrator/internal/parse"
	"github.com/forgepilot/orchestrator/internal/patchtool"
	"github.com/forgepilot/orchestrator/internal/provider"
	"github.com/forgepilot/orchestrator/internal/taxonomy"
	"github.com/forgepilot/orchestrator/internal/verify"
)

// Verifier is the slice of verify.Runner the engine depends on.
type Verifier interface {
	Run(ctx context.Context, touchedFiles ...string) (verify.Report, error)
}

// Status is a run's terminal status.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is what one run produced.
type Result struct {
	RunID   string
	Status  Status
	Summary string
}

// Engine executes one run. All collaborators are injected; the engine owns
// only the step loop and its StepState.
type Engine struct {
	Cfg      Config
	Adapter  provider.Adapter
	Planner  Planner
	Context  ContextBuilder
	Patch    patchtool.Applier
	Verifier Verifier
	Sink     *eventlog.Sink
	Layout   eventlog.Layout

	// Cancelled distinguishes user abort from other failures in the summary
	//. Optional.
	Cancelled func() bool
}

// NewRunID mints a ULID-based run identifier.
func NewRunID() string {
	return strings.ToLower(ulid.Make().String())
}

// Run drives the plan, step, and verify loop to a terminal status.
// RunFinished is emitted on every exit path, including panics in the engine
// itself.
func (e *Engine) Run(ctx context.Context, runID string) (result Result, err error) {
	cfg := e.Cfg.withDefaults()
	result = Result{RunID: runID, Status: StatusFailure}

	if cfg.Budgets.Time > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Budgets.Time)
		defer cancel()
	}

	finished := false
	finish := func(status Status, summary string) {
		if finished {
			return
		}
		finished = true
		result.Status = status
		result.Summary = summary
		e.Sink.Append(eventlog.RunFinished, eventlog.RunFinishedPayload{Status: string(status), Summary: summary})
		_ = e.Sink.WriteSummary(summary)
		_ = e.Sink.Flush()
	}
	defer func() {
		if r := recover(); r != nil {
			finish(StatusFailure, fmt.Sprintf("engine crashed: %v", r))
			err = fmt.Errorf("runengine: panic: %v", r)
			return
		}
		if !finished {
			finish(StatusFailure, "engine exited without a terminal status")
		}
	}()

	e.Sink.Append(eventlog.RunStarted, eventlog.RunStartedPayload{TaskID: cfg.TaskID, Goal: cfg.Goal})
	_ = e.Sink.WriteEffectiveConfig(cfg)

	steps, perr := e.Planner.Plan(ctx, cfg.Goal)
	if perr != nil {
		finish(StatusFailure, "planning failed: "+perr.Error())
		return result, nil
	}
	if len(steps) == 0 {
		finish(StatusFailure, "planner produced no steps")
		return result, nil
	}

	state := newStepState()
	iterations := 0
	var costUSD float64
	replanned := false

	for idx := 0; idx < len(steps); idx++ {
		step := steps[idx]
		retryCtx := ""
		lastVerifySignature := ""
		stepSucceeded := true

	attempt:
		for {
			if ctx.Err() != nil {
				finish(StatusFailure, e.cancelSummary(ctx))
				return result, nil
			}
			if iterations >= cfg.Budgets.Iterations {
				finish(StatusFailure, fmt.Sprintf("iteration budget exhausted after %d provider calls", iterations))
				return result, nil
			}
			iterations++

			req, berr := e.Context.Build(ctx, cfg.Goal, step, retryCtx)
			if berr != nil {
				finish(StatusFailure, "context build failed: "+berr.Error())
				return result, nil
			}
			e.writeFusedContext(state.StepsCompleted+1, step, req)

			cctx := provider.CallContext{
				RunID:    runID,
				Sink:     e.Sink,
				RepoRoot: cfg.RepoRoot,
				Abort:    ctx.Done(),
				Timeout:  cfg.CallTimeout,
			}
			resp, gerr := provider.GenerateWithRetry(ctx, e.Adapter, req, cctx, cfg.Retry, ulid.Make().String())
			if gerr != nil {
				if ctx.Err() != nil {
					finish(StatusFailure, e.cancelSummary(ctx))
				} else {
					finish(StatusFailure, "provider call failed: "+gerr.Error())
				}
				return result, nil
			}

			if resp.Usage != nil {
				costUSD += float64(resp.Usage.InputTokens) / 1e6 * cfg.USDPerMInputTokens
				costUSD += float64(resp.Usage.OutputTokens) / 1e6 * cfg.USDPerMOutputTokens
				if cfg.Budgets.CostUSD > 0 && costUSD > cfg.Budgets.CostUSD {
					finish(StatusFailure, fmt.Sprintf("cost budget exhausted: $%.4f spent", costUSD))
					return result, nil
				}
			}

			diff, hasDiff := parse.ExtractDiff(resp.Text)
			if !hasDiff {
				if isDiagnosticStep(step.Title + " " + step.Instructions) {
					// Diagnostic steps succeed without a patch.
					break attempt
				}
				state.ConsecutiveInvalidDiffs++
				if state.ConsecutiveInvalidDiffs >= cfg.MaxConsecutiveInvalidDiffs {
					escalated, newSteps := e.escalate(ctx, cfg, &replanned,
						fmt.Sprintf("%d consecutive responses carried no valid diff on step %q", state.ConsecutiveInvalidDiffs, step.Title))
					if !escalated {
						finish(StatusFailure, fmt.Sprintf("no valid diff after %d attempts on step %q", state.ConsecutiveInvalidDiffs, step.Title))
						return result, nil
					}
					steps = append(steps[:idx+1], newSteps...)
					state.ConsecutiveInvalidDiffs = 0
					stepSucceeded = false
					break attempt
				}
				retryCtx = "Your previous response did not contain a valid unified diff. " +
					"Respond with the complete change as a unified diff wrapped in <BEGIN_DIFF> and <END_DIFF>."
				continue attempt
			}

			applyErr := e.Patch.Apply(ctx, cfg.RepoRoot, diff.DiffText)
			if applyErr != nil {
				var pe *taxonomy.PatchError
				if !errors.As(applyErr, &pe) {
					pe = taxonomy.NewPatchError(taxonomy.PatchExecution, applyErr.Error(), nil, "")
				}
				fp := patchFingerprint(pe)
				if fp == state.LastApplyErrorFingerprint {
					state.ConsecutiveApplyFailures++
				} else {
					state.ConsecutiveApplyFailures = 1
					state.LastApplyErrorFingerprint = fp
				}
				if state.ConsecutiveApplyFailures >= cfg.MaxConsecutiveApplyFailures {
					escalated, newSteps := e.escalate(ctx, cfg, &replanned,
						fmt.Sprintf("patch kept failing the same way on step %q: %s", step.Title, pe.Error()))
					if !escalated {
						finish(StatusFailure, fmt.Sprintf("patch failed %d times with an unchanging error on step %q", state.ConsecutiveApplyFailures, step.Title))
						return result, nil
					}
					steps = append(steps[:idx+1], newSteps...)
					state.ConsecutiveApplyFailures = 0
					state.LastApplyErrorFingerprint = ""
					stepSucceeded = false
					break attempt
				}
				retryCtx = buildPatchRetryContext(pe, cfg.RepoRoot)
				continue attempt
			}

			state.ConsecutiveInvalidDiffs = 0
			state.ConsecutiveApplyFailures = 0
			state.LastApplyErrorFingerprint = ""

			patchPath, perr := e.Sink.RecordPatch(len(state.AppliedPatches)+1, step.Title, diff.DiffText)
			if perr == nil {
				state.AppliedPatches = append(state.AppliedPatches, patchPath)
			}
			state.touch(touchedFilesFromDiff(diff.DiffText))

			report, verr := e.verifyStep(ctx, state)
			if verr != nil {
				if ctx.Err() != nil {
					finish(StatusFailure, e.cancelSummary(ctx))
				} else {
					finish(StatusFailure, "verification runner failed: "+verr.Error())
				}
				return result, nil
			}
			if report.Passed {
				break attempt
			}

			e.writeFailureSummary(iterations, report)
			if report.FailureSignature != "" && report.FailureSignature == lastVerifySignature {
				escalated, newSteps := e.escalate(ctx, cfg, &replanned,
					"verification kept failing with signature "+report.FailureSignature)
				if !escalated {
					finish(StatusFailure, "verification failed the same way twice on step "+fmt.Sprintf("%q", step.Title))
					return result, nil
				}
				steps = append(steps[:idx+1], newSteps...)
				stepSucceeded = false
				break attempt
			}
			lastVerifySignature = report.FailureSignature
			retryCtx = verificationRetryContext(report)
			continue attempt
		}

		if stepSucceeded {
			state.StepsCompleted++
		}
	}

	finish(StatusSuccess, fmt.Sprintf("goal satisfied in %d steps, %d provider calls, %d files touched",
		state.StepsCompleted, iterations, len(state.TouchedFiles)))
	return result, nil
}

// verifyStep runs the verifier scoped to the run's touched files, bracketed
// by the verification events.
func (e *Engine) verifyStep(ctx context.Context, state *StepState) (verify.Report, error) {
	if e.Verifier == nil {
		return verify.Report{Passed: true}, nil
	}
	e.Sink.Append(eventlog.VerificationStarted, eventlog.VerificationStartedPayload{Mode: "auto"})
	report, err := e.Verifier.Run(ctx, state.touchedList()...)
	if err != nil {
		return report, err
	}

	var failedNames []string
	if report.FailureSummary != nil {
		failedNames = report.FailureSummary.FailedChecks
	}
	e.Sink.Append(eventlog.VerificationFinished, eventlog.VerificationFinishedPayload{
		Passed: report.Passed, FailedChecks: failedNames,
	})
	_ = verify.WriteCommandSources(e.Layout.VerificationCommandSource, report.CommandSources)
	return report, nil
}

// escalate re-enters the planner once per run; further escalations terminate.
func (e *Engine) escalate(ctx context.Context, cfg Config, replanned *bool, failureContext string) (bool, []Step) {
	if *replanned || ctx.Err() != nil {
		return false, nil
	}
	newSteps, err := e.Planner.Replan(ctx, cfg.Goal, failureContext)
	if err != nil || len(newSteps) == 0 {
		return false, nil
	}
	*replanned = true
	return true, newSteps
}

func (e *Engine) cancelSummary(ctx context.Context) string {
	if e.Cancelled != nil && e.Cancelled() {
		return "run cancelled by user"
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "time budget exhausted"
	}
	return "run cancelled by user"
}

// patchFingerprint hashes the normalized error list (or stderr) so the
// engine can tell whether two apply failures are "the same".
func patchFingerprint(pe *taxonomy.PatchError) string {
	h := sha256.New()
	h.Write([]byte(pe.Type))
	for _, e := range pe.Errors {
		fmt.Fprintf(h, "%s|%s|%d|%s\n", e.Kind, e.File, e.Line, e.Message)
	}
	if len(pe.Errors) == 0 {
		h.Write([]byte(pe.Stderr))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func verificationRetryContext(report verify.Report) string {
	var b strings.Builder
	b.WriteString("Verification failed. ")
	if report.FailureSummary != nil {
		fmt.Fprintf(&b, "Failed checks: %s.", strings.Join(report.FailureSummary.FailedChecks, ", "))
		if len(report.FailureSummary.SuspectedFiles) > 0 {
			fmt.Fprintf(&b, " Suspected files: %s.", strings.Join(report.FailureSummary.SuspectedFiles, ", "))
		}
		if len(report.FailureSummary.SuggestedNextActions) > 0 {
			fmt.Fprintf(&b, " Next: %s.", strings.Join(report.FailureSummary.SuggestedNextActions, "; "))
		}
	}
	for _, c := range report.Checks {
		if c.Passed {
			continue
		}
		tail := verify.TailSnippet(c.StderrPath)
		if tail != "" {
			fmt.Fprintf(&b, "\n\n%s stderr tail:\n%s", c.Name, tail)
		}
	}
	return b.String()
}

// writeFusedContext persists the prompt bundle for one step attempt as
// fused_context_step_<N>_<slug>.{json,txt}.
func (e *Engine) writeFusedContext(stepNo int, step Step, req provider.Request) {
	if e.Layout.Root == "" {
		return
	}
	slug := slugify(step.Title)
	base := filepath.Join(e.Layout.Root, fmt.Sprintf("fused_context_step_%d_%s", stepNo, slug))
	if b, err := json.MarshalIndent(req, "", "  "); err == nil {
		_ = os.WriteFile(base+".json", b, 0o644)
	}
	var txt strings.Builder
	for _, m := range req.Messages {
		fmt.Fprintf(&txt, "=== %s ===\n%s\n\n", m.Role, m.Content)
	}
	_ = os.WriteFile(base+".txt", []byte(txt.String()), 0o644)
}

// writeFailureSummary persists failure_summary_iter_<N>.{json,txt}.
func (e *Engine) writeFailureSummary(iteration int, report verify.Report) {
	if e.Layout.Root == "" || report.FailureSummary == nil {
		return
	}
	base := filepath.Join(e.Layout.Root, fmt.Sprintf("failure_summary_iter_%d", iteration))
	if b, err := json.MarshalIndent(report.FailureSummary, "", "  "); err == nil {
		_ = os.WriteFile(base+".json", b, 0o644)
	}
	var txt strings.Builder
	fmt.Fprintf(&txt, "failed checks: %s\n", strings.Join(report.FailureSummary.FailedChecks, ", "))
	fmt.Fprintf(&txt, "suspected files: %s\n", strings.Join(report.FailureSummary.SuspectedFiles, ", "))
	fmt.Fprintf(&txt, "suggested next actions: %s\n", strings.Join(report.FailureSummary.SuggestedNextActions, "; "))
	_ = os.WriteFile(base+".txt", []byte(txt.String()), 0o644)
	e.Sink.RecordReport(base + ".json")
}

func slugify(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_':
			out = append(out, '-')
		}
	}
	slug := strings.Trim(string(out), "-")
	if slug == "" {
		return "step"
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return slug
}
