package runengine

import (
	"regexp"
	"strings"
)

// Diagnostic steps legitimately produce no diff: the model was asked to run
// something or look at something, not to change code. An empty diff on such
// a step counts as success rather than an invalid-diff event.

var (
	diagnosticVerbs   = regexp.MustCompile(`\b(run|verify|reproduce|establish|capture|inspect)\b`)
	diagnosticTargets = regexp.MustCompile(`\b(tests?|baseline|logs?|output)\b`)
	packageManagerCmd = regexp.MustCompile(`\b(pnpm|npm|yarn|bun|turbo)\s+(run\s+)?(test|build|lint|typecheck|check|format)\b`)
)

// isDiagnosticStep reports whether text describes a diagnostic/no-op step:
// a diagnostic verb combined with a diagnostic target, or an explicit
// package-manager invocation.
func isDiagnosticStep(text string) bool {
	lower := strings.ToLower(text)
	if packageManagerCmd.MatchString(lower) {
		return true
	}
	return diagnosticVerbs.MatchString(lower) && diagnosticTargets.MatchString(lower)
}
