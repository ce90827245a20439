package parse

import (
	"regexp"
	"strings"
)

// PlanResult is the outcome of plan extraction.
type PlanResult struct {
	Steps      []string
	Confidence float64
}

var (
	numberedLine = regexp.MustCompile(`^\d+(?:\.\d+)*[.)]?\s+(.+)$`)
	bulletLine   = regexp.MustCompile(`^[-*]\s+(.+)$`)
)

// ExtractPlan collects step text from numbered lines and bullet lines.
// Returns ok=false if no step was found.
func ExtractPlan(raw string) (PlanResult, bool) {
	text := NormalizeNewlines(SanitizeANSI(raw))
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if m := numberedLine.FindStringSubmatch(trimmed); m != nil {
			steps = append(steps, strings.TrimSpace(m[1]))
			continue
		}
		if m := bulletLine.FindStringSubmatch(trimmed); m != nil {
			steps = append(steps, strings.TrimSpace(m[1]))
		}
	}
	if len(steps) == 0 {
		return PlanResult{}, false
	}
	return PlanResult{Steps: steps, Confidence: 0.8}, true
}
