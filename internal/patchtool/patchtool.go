// Package patchtool defines the consumed interface to the external
// patch-application tool. The engine invokes it with a unified
// diff and interprets its structured error report; three-way merge itself is
// out of scope.
package patchtool

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

// Known structured error kinds the tool reports.
const (
	KindInvalidPatch = "INVALID_PATCH"
	KindHunkFailed   = "HUNK_FAILED"
	KindMissingFile  = "MISSING_FILE"
	KindCorruptPatch = "CORRUPT_PATCH"
)

// Applier applies a unified diff to the repository rooted at repoRoot.
// Failure is reported as a *taxonomy.PatchError carrying the tool's
// normalized error list and stderr.
type Applier interface {
	Apply(ctx context.Context, repoRoot, diffText string) error
}

// report is the wire shape of the tool's JSON error output.
type report struct {
	Type    string `json:"type"` // "validation" | "execution"
	Message string `json:"message"`
	Details *struct {
		Kind   string                     `json:"kind"`
		Errors []taxonomy.PatchErrorDetail `json:"errors"`
		Stderr string                     `json:"stderr"`
	} `json:"details"`
}

// DecodeReport parses the tool's structured error report into a PatchError.
// Returns nil when raw is not a recognizable report.
func DecodeReport(raw []byte) *taxonomy.PatchError {
	var r report
	if err := json.Unmarshal(raw, &r); err != nil || r.Type == "" {
		return nil
	}
	typ := taxonomy.PatchExecution
	if r.Type == "validation" {
		typ = taxonomy.PatchValidation
	}
	var errs []taxonomy.PatchErrorDetail
	stderr := ""
	if r.Details != nil {
		errs = r.Details.Errors
		stderr = r.Details.Stderr
	}
	return taxonomy.NewPatchError(typ, r.Message, errs, stderr)
}

// stderrHints are fallback patterns matched against raw stderr when the
// structured errors array is absent.
var stderrHints = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^error: patch failed: .*$`),
	regexp.MustCompile(`(?m)^error: .* does not exist in index$`),
	regexp.MustCompile(`(?m)^Hunk #\d+ FAILED .*$`),
	regexp.MustCompile(`(?m)^.*: No such file or directory$`),
	regexp.MustCompile(`(?m)^corrupt patch at line \d+$`),
}

// StderrHints extracts the recognizable failure lines from raw patch-tool
// stderr, for the engine's fallback retry-context block.
func StderrHints(stderr string) []string {
	var out []string
	seen := map[string]bool{}
	for _, re := range stderrHints {
		for _, m := range re.FindAllString(stderr, -1) {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}
