package runengine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgepilot/orchestrator/internal/patchtool"
	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

const (
	maxRetryContextBytes = 6 * 1024
	maxListedErrors      = 6
	maxWindowedHunks     = 3
	windowRadius         = 20
	truncationMarker     = "\n[retry context truncated]"
)

// buildPatchRetryContext renders the patch tool's structured error report
// into the block prepended to the next step attempt's user message: up to 6
// normalized errors, ±20-line windows from the target file
// for up to 3 failed hunks, total capped at 6 KiB. When the errors array is
// absent, falls back to stderr pattern hints.
//
// The line windows are read from the current working tree; the line numbers
// come from the patch and may be stale relative to what the model saw. This
// is a best-effort aid, not a correctness guarantee.
func buildPatchRetryContext(pe *taxonomy.PatchError, repoRoot string) string {
	var b strings.Builder
	b.WriteString("The previous diff failed to apply. Patch tool report:\n")

	if len(pe.Errors) == 0 {
		hints := patchtool.StderrHints(pe.Stderr)
		if len(hints) == 0 && strings.TrimSpace(pe.Stderr) != "" {
			hints = []string{strings.TrimSpace(pe.Stderr)}
		}
		for _, h := range hints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
		return capBlock(b.String())
	}

	listed := pe.Errors
	if len(listed) > maxListedErrors {
		listed = listed[:maxListedErrors]
	}
	for _, e := range listed {
		b.WriteString("- ")
		b.WriteString(e.Kind)
		if e.File != "" {
			fmt.Fprintf(&b, " %s", e.File)
			if e.Line > 0 {
				fmt.Fprintf(&b, ":%d", e.Line)
			}
		}
		fmt.Fprintf(&b, ": %s", e.Message)
		if e.Suggestion != "" {
			fmt.Fprintf(&b, " (suggestion: %s)", e.Suggestion)
		}
		b.WriteString("\n")
	}

	windowed := 0
	for _, e := range listed {
		if windowed >= maxWindowedHunks {
			break
		}
		if e.File == "" || e.Line <= 0 {
			continue
		}
		window := fileWindow(filepath.Join(repoRoot, e.File), e.Line, windowRadius)
		if window == "" {
			continue
		}
		windowed++
		fmt.Fprintf(&b, "\nCurrent contents of %s around line %d:\n%s\n", e.File, e.Line, window)
	}

	return capBlock(b.String())
}

// fileWindow returns lines [line-radius, line+radius] of path, 1-indexed and
// numbered, or "" if the file cannot be read.
func fileWindow(path string, line, radius int) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(raw), "\n")
	lo := line - radius
	if lo < 1 {
		lo = 1
	}
	hi := line + radius
	if hi > len(lines) {
		hi = len(lines)
	}
	if lo > len(lines) {
		return ""
	}
	var b strings.Builder
	for i := lo; i <= hi; i++ {
		fmt.Fprintf(&b, "%5d| %s\n", i, lines[i-1])
	}
	return strings.TrimRight(b.String(), "\n")
}

func capBlock(s string) string {
	if len(s) <= maxRetryContextBytes {
		return s
	}
	return s[:maxRetryContextBytes-len(truncationMarker)] + truncationMarker
}
