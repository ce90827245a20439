package parse

import (
	"regexp"
	"strings"
)

// DiffResult is the normalized outcome of diff extraction.
type DiffResult struct {
	DiffText   string
	Confidence float64
}

var (
	beginMarker = regexp.MustCompile(`(?s)<BEGIN_DIFF>\s*(.*?)\s*<END_DIFF>`)
	fencedDiff  = regexp.MustCompile("(?s)```diff\\s*\\n(.*?)\\n```")

	fileHeaderGit   = regexp.MustCompile(`(?m)^diff --git `)
	fileHeaderMinus = regexp.MustCompile(`(?m)^--- a/`)
	fileHeaderPlus  = regexp.MustCompile(`(?m)^\+\+\+ b/`)
	hunkHeader      = regexp.MustCompile(`(?m)^@@ .* @@`)

	diffGrammarLine = regexp.MustCompile(`^(diff --git |index |--- |\+\+\+ |@@ .* @@|\\ No newline)`)
)

// hasFileHeader reports whether text contains either file-header form:
// "diff --git" or a matched "--- a/" immediately followed by "+++ b/".
func hasFileHeader(text string) bool {
	if fileHeaderGit.MatchString(text) {
		return true
	}
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines)-1; i++ {
		if strings.HasPrefix(lines[i], "--- a/") && strings.HasPrefix(lines[i+1], "+++ b/") {
			return true
		}
	}
	return false
}

func hasHunkHeader(text string) bool {
	return hunkHeader.MatchString(text)
}

// validate enforces the confidence floor: a result at confidence >= 0.7
// requires at least one file header and at least one well-formed hunk
// header.
func validate(text string, confidence float64) (DiffResult, bool) {
	if !hasFileHeader(text) || !hasHunkHeader(text) {
		return DiffResult{}, false
	}
	return DiffResult{DiffText: strings.TrimSpace(text), Confidence: confidence}, true
}

// ExtractDiff runs the three strategies in fixed priority order: explicit
// markers, fenced code block, heuristic scan. The first
// strategy that validates wins, even if a later strategy would also match.
func ExtractDiff(raw string) (DiffResult, bool) {
	text := NormalizeNewlines(SanitizeANSI(raw))

	if m := beginMarker.FindStringSubmatch(text); m != nil {
		if res, ok := validate(m[1], 1.0); ok {
			return res, true
		}
	}
	if m := fencedDiff.FindStringSubmatch(text); m != nil {
		if res, ok := validate(m[1], 0.9); ok {
			return res, true
		}
	}
	if res, ok := heuristicScan(text); ok {
		return res, true
	}
	return DiffResult{}, false
}

// heuristicScan is the last-resort strategy: locate the first line starting
// a diff, then accumulate lines matching diff grammar until the
// first foreign line.
func heuristicScan(text string) (DiffResult, bool) {
	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "diff --git") {
			start = i
			break
		}
		if strings.HasPrefix(line, "--- a/") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ b/") {
			start = i
			break
		}
	}
	if start < 0 {
		return DiffResult{}, false
	}

	var acc []string
	sawHunk := false
	for i := start; i < len(lines); i++ {
		line := lines[i]
		switch {
		case diffGrammarLine.MatchString(line):
			if hunkHeader.MatchString(line) {
				sawHunk = true
			}
			acc = append(acc, line)
		case len(line) > 0 && (line[0] == '+' || line[0] == '-' || line[0] == ' '):
			acc = append(acc, line)
		default:
			i = len(lines) // stop at first foreign line
		}
		if i == len(lines) {
			break
		}
	}
	if !sawHunk {
		return DiffResult{}, false
	}
	return validate(strings.Join(acc, "\n"), 0.7)
}
