package verify

import "time"

// Task is one of the three auto-mode verification tasks.
type Task string

const (
	TaskLint      Task = "lint"
	TaskTypecheck Task = "typecheck"
	TaskTest      Task = "test"
)

// MemoryEntry is one procedural-memory record.
type MemoryEntry struct {
	Title     string
	Content   string
	UpdatedAt time.Time
	Stale     bool
}

// MemoryQuery is the external procedural-memory interface:
// find(queries, limit) -> entry[][], one result list per query.
type MemoryQuery interface {
	Find(queries []string, limit int) ([][]MemoryEntry, error)
}

// DetectedCommands is the toolchain detector's report.
type DetectedCommands struct {
	PackageManager string
	UsesTurbo      bool
	Scripts        map[string]string // task -> script name, if present
	TestCmd        string
	LintCmd        string
	TypecheckCmd   string
}

// ToolchainDetector is the external repo-toolchain detector.
type ToolchainDetector interface {
	Detect(repoRoot string) (DetectedCommands, error)
}

// TargetingManager narrows a root command to the packages touched by the
// current step, when the profile's test scope is targeted.
// The default implementation (GlobTargetingManager) matches touched files
// against package-root globs with doublestar.
type TargetingManager interface {
	FilteredCommand(task Task, rootCommand string, touchedFiles []string) (string, bool)
}

// ToolPolicy gates a memory-sourced command string before it is selected.
// Detected and custom commands are not checked against it, and the command
// runner applies no policy of its own.
type ToolPolicy interface {
	Allowed(command string) (ok bool, reason string)
}

// AllowAllPolicy is the permissive default used when no policy is wired in.
type AllowAllPolicy struct{}

func (AllowAllPolicy) Allowed(string) (bool, string) { return true, "" }

// selected is one command chosen for one task, before execution.
type selected struct {
	task    Task
	name    string
	command string
	timeout time.Duration
	source  CommandSource
}

func taskTitle(t Task) string {
	switch t {
	case TaskLint:
		return "How to run lint"
	case TaskTypecheck:
		return "How to run typecheck"
	case TaskTest:
		return "How to run test"
	default:
		return "How to run " + string(t)
	}
}

// selectCommand resolves one task's command by priority: memory (freshest
// non-stale entry, policy-checked) -> detected (targeted if applicable) ->
// skip.
func selectCommand(task Task, profile Profile, repoRoot string, mem MemoryQuery, detector ToolchainDetector, targeting TargetingManager, policy ToolPolicy, touchedFiles []string) (*selected, error) {
	if policy == nil {
		policy = AllowAllPolicy{}
	}

	memFallback := ""
	if mem != nil {
		results, err := mem.Find([]string{taskTitle(task)}, 10)
		if err == nil && len(results) > 0 {
			if entry, ok := freshestNonStale(results[0]); ok {
				allowed, reason := policy.Allowed(entry.Content)
				if allowed {
					return &selected{
						task: task, name: string(task), command: entry.Content,
						source: CommandSource{Source: SourceMemory},
					}, nil
				}
				// Fall through to detected, recording why memory was dropped.
				memFallback = "memory command disallowed by tool policy: " + reason
			}
		}
	}

	if detector != nil {
		det, err := detector.Detect(repoRoot)
		if err == nil {
			root := rootCommandFor(task, det)
			if root != "" {
				cmd := root
				reason := memFallback
				if profile.Auto.TestScope == ScopeTargeted && len(touchedFiles) > 0 && targeting != nil {
					if filtered, ok := targeting.FilteredCommand(task, root, touchedFiles); ok {
						cmd = filtered
					} else if reason == "" {
						reason = "targeting manager returned no filtered command; using root command"
					}
				}
				src := CommandSource{Source: SourceDetected}
				if reason != "" {
					src.FallbackReason = reason
				}
				return &selected{task: task, name: string(task), command: cmd, source: src}, nil
			}
		}
	}

	return nil, nil // neither source produced a command: skip the task
}

func rootCommandFor(task Task, det DetectedCommands) string {
	switch task {
	case TaskLint:
		return det.LintCmd
	case TaskTypecheck:
		return det.TypecheckCmd
	case TaskTest:
		return det.TestCmd
	default:
		return ""
	}
}

func freshestNonStale(entries []MemoryEntry) (MemoryEntry, bool) {
	var best MemoryEntry
	found := false
	for _, e := range entries {
		if e.Stale {
			continue
		}
		if !found || e.UpdatedAt.After(best.UpdatedAt) {
			best = e
			found = true
		}
	}
	return best, found
}
