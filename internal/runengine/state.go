package runengine

import (
	"regexp"
	"strings"
)

// StepState is the engine's per-run mutable state. It is owned
// by the engine's main task, mutated nowhere else, and discarded when the
// run terminates.
type StepState struct {
	StepsCompleted            int
	AppliedPatches            []string
	TouchedFiles              map[string]struct{}
	ConsecutiveInvalidDiffs   int
	ConsecutiveApplyFailures  int
	LastApplyErrorFingerprint string
}

func newStepState() *StepState {
	return &StepState{TouchedFiles: map[string]struct{}{}}
}

func (s *StepState) touch(paths []string) {
	for _, p := range paths {
		s.TouchedFiles[p] = struct{}{}
	}
}

func (s *StepState) touchedList() []string {
	out := make([]string, 0, len(s.TouchedFiles))
	for p := range s.TouchedFiles {
		out = append(out, p)
	}
	return out
}

var (
	diffNewFile = regexp.MustCompile(`(?m)^\+\+\+ b/(\S+)`)
	diffOldFile = regexp.MustCompile(`(?m)^--- a/(\S+)`)
)

// touchedFilesFromDiff collects the repository paths a unified diff modifies,
// from both sides of the file headers so renames and deletions register too.
func touchedFilesFromDiff(diffText string) []string {
	seen := map[string]bool{}
	var out []string
	for _, re := range []*regexp.Regexp{diffNewFile, diffOldFile} {
		for _, m := range re.FindAllStringSubmatch(diffText, -1) {
			p := strings.TrimSpace(m[1])
			if p == "" || p == "/dev/null" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
