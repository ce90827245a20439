package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"regexp"
	"strings"
	"time"
)

// CommandRunner executes one verification command to completion and writes
// its stdout/stderr to the given paths; it applies no tool policy.
// DefaultCommandRunner is the in-process implementation grounded on the
// Process Supervisor.
type CommandRunner interface {
	Run(ctx context.Context, command string, dir string, timeout time.Duration, stdoutPath, stderrPath string) (exitCode int, durationMS int64, truncated bool, err error)
}

// LogPaths allocates stdout/stderr log paths for one command, mirroring
// eventlog.Sink.ToolLogPaths without importing it (avoids a dependency
// cycle; the run engine wires the real sink in).
type LogPaths func(commandSlug string) (stdoutPath, stderrPath string)

// Runner executes a Profile's checks and produces a Report.
type Runner struct {
	Profile   Profile
	Mem       MemoryQuery
	Detector  ToolchainDetector
	Targeting TargetingManager
	Policy    ToolPolicy
	Commands  CommandRunner
	Logs      LogPaths
	RepoRoot  string
}

var taskOrder = []Task{TaskLint, TaskTypecheck, TaskTest}

// Run executes the profile against touchedFiles (empty for a full-run
// verification) and returns the Verification Report.
// All checks run to completion; failures accumulate rather than short-
// circuiting.
func (r *Runner) Run(ctx context.Context, touchedFiles ...string) (Report, error) {
	if !r.Profile.Enabled {
		return Report{Passed: true, CommandSources: map[string]CommandSource{}}, nil
	}

	var plan []selected
	sources := map[string]CommandSource{}

	switch r.Profile.Mode {
	case ModeCustom:
		for _, step := range r.Profile.Steps {
			plan = append(plan, selected{
				task: Task(step.Name), name: step.Name, command: step.Command,
				timeout: time.Duration(step.TimeoutMS) * time.Millisecond,
				source:  CommandSource{Source: SourceCustom},
			})
		}
	default:
		count := 0
		max := r.Profile.Auto.MaxCommandsPerIter
		for _, task := range taskOrder {
			if max > 0 && count >= max {
				break
			}
			if !taskEnabled(task, r.Profile.Auto) {
				continue
			}
			sel, err := selectCommand(task, r.Profile, r.RepoRoot, r.Mem, r.Detector, r.Targeting, r.Policy, touchedFiles)
			if err != nil || sel == nil {
				continue
			}
			if sel.timeout <= 0 {
				sel.timeout = 5 * time.Minute
			}
			plan = append(plan, *sel)
			count++
		}
	}

	var checks []Check
	for _, sel := range plan {
		sources[sel.name] = sel.source
		check := r.runOne(ctx, sel)
		checks = append(checks, check)
	}

	report := Report{Passed: true, CommandSources: sources}
	var failed []Check
	for _, c := range checks {
		report.Checks = append(report.Checks, c)
		if !c.Passed {
			report.Passed = false
			failed = append(failed, c)
		}
	}
	if !report.Passed {
		report.FailureSignature = failureSignature(failed)
		report.FailureSummary = buildFailureSummary(failed)
	}
	return report, nil
}

func taskEnabled(t Task, auto AutoConfig) bool {
	switch t {
	case TaskLint:
		return auto.EnableLint
	case TaskTypecheck:
		return auto.EnableTypecheck
	case TaskTest:
		return auto.EnableTests
	default:
		return false
	}
}

func (r *Runner) runOne(ctx context.Context, sel selected) Check {
	stdoutPath, stderrPath := "", ""
	if r.Logs != nil {
		stdoutPath, stderrPath = r.Logs(sel.name)
	}
	start := time.Now()
	exitCode, durationMS, truncated, err := r.Commands.Run(ctx, sel.command, r.RepoRoot, sel.timeout, stdoutPath, stderrPath)
	if durationMS == 0 {
		durationMS = time.Since(start).Milliseconds()
	}
	passed := err == nil && exitCode == 0
	c := Check{
		Name: sel.name, Command: sel.command, ExitCode: exitCode,
		DurationMS: durationMS, StdoutPath: stdoutPath, StderrPath: stderrPath,
		Passed: passed, Truncated: truncated, taskKind: string(sel.task),
	}
	return c
}

// failureSignature is SHA-256 of "check:{name}" + the last <=2048 bytes of
// stderr, concatenated in order across failed checks.
func failureSignature(failed []Check) string {
	h := sha256.New()
	for _, c := range failed {
		h.Write([]byte("check:" + c.Name))
		h.Write(tailBytes(readFileBestEffort(c.StderrPath), 2048))
	}
	return hex.EncodeToString(h.Sum(nil))
}

var (
	keyErrorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^Error:`),
		regexp.MustCompile(`error TS`),
		regexp.MustCompile(`^\s*at `),
		regexp.MustCompile(`^FAIL`),
		regexp.MustCompile(`^FAILED`),
	}
	suspectedFilePattern1 = regexp.MustCompile(`([a-zA-Z0-9_\-/.]+\.(ts|tsx|js|jsx|json|md)):\d+`)
	suspectedFilePattern2 = regexp.MustCompile(`([a-zA-Z0-9_\-/.]+\.(ts|tsx|js|jsx|json|md))\(\d+`)
)

var nextActionTemplates = map[string]string{
	"lint":      "fix lint errors",
	"typecheck": "fix type errors",
	"test":      "fix failing tests, check stack traces",
}

// buildFailureSummary records the failed check names, the suspected files
// found in their stderr (node_modules paths skipped), and per-task suggested
// actions. It does not store key-error lines or stderr tails; KeyErrors and
// TailSnippet read those from a check's stderr log.
func buildFailureSummary(failed []Check) *FailureSummary {
	summary := &FailureSummary{}
	fileSet := map[string]bool{}
	actionSet := map[string]bool{}

	for _, c := range failed {
		summary.FailedChecks = append(summary.FailedChecks, c.Name)
		stderr := readFileBestEffort(c.StderrPath)

		for _, f := range extractFiles(stderr) {
			if strings.Contains(f, "node_modules") {
				continue
			}
			if !fileSet[f] {
				fileSet[f] = true
				summary.SuspectedFiles = append(summary.SuspectedFiles, f)
			}
		}
		if action, ok := nextActionTemplates[c.taskKind]; ok && !actionSet[action] {
			actionSet[action] = true
			summary.SuggestedNextActions = append(summary.SuggestedNextActions, action)
		}
	}
	return summary
}

func extractFiles(stderr string) []string {
	var out []string
	seen := map[string]bool{}
	for _, re := range []*regexp.Regexp{suspectedFilePattern1, suspectedFilePattern2} {
		for _, m := range re.FindAllStringSubmatch(stderr, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	return out
}

// keyErrorLines extracts up to 10 lines matching the key-error patterns; if
// none matched, the last 5 non-empty lines.
func keyErrorLines(stderr string) []string {
	lines := strings.Split(stderr, "\n")
	var matched []string
	for _, l := range lines {
		for _, re := range keyErrorPatterns {
			if re.MatchString(l) {
				matched = append(matched, l)
				break
			}
		}
		if len(matched) >= 10 {
			break
		}
	}
	if len(matched) > 0 {
		return matched
	}
	var nonEmpty []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			nonEmpty = append(nonEmpty, l)
		}
	}
	if len(nonEmpty) > 5 {
		nonEmpty = nonEmpty[len(nonEmpty)-5:]
	}
	return nonEmpty
}

func tailBytes(s string, n int) []byte {
	b := []byte(s)
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}

func readFileBestEffort(path string) string {
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

// WriteCommandSources persists commandSources to
// verification_command_source.json.
func WriteCommandSources(path string, sources map[string]CommandSource) error {
	b, err := json.MarshalIndent(sources, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// TailSnippet returns the last 2 KiB of stderr for one failed check's
// summary.
func TailSnippet(stderrPath string) string {
	return string(tailBytes(readFileBestEffort(stderrPath), 2*1024))
}

// KeyErrors exposes keyErrorLines for one check's stderr log.
func KeyErrors(stderrPath string) []string {
	return keyErrorLines(readFileBestEffort(stderrPath))
}
