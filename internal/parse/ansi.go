package parse

import "regexp"

// ansiCSI matches an ANSI CSI SGR sequence: ESC [ ... m, the color/style
// codes CLI tools emit. Other escape classes are left alone.
var ansiCSI = regexp.MustCompile("\x1b\\[[0-9;]*m")

// SanitizeANSI strips ANSI CSI "m" sequences from text. It is idempotent:
// SanitizeANSI(SanitizeANSI(x)) == SanitizeANSI(x), since the output contains
// no remaining escape sequences for a second pass to match.
func SanitizeANSI(text string) string {
	return ansiCSI.ReplaceAllString(text, "")
}

// NormalizeNewlines converts CRLF and lone CR to LF before diff extraction.
func NormalizeNewlines(text string) string {
	out := make([]byte, 0, len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\r' {
			if i+1 < len(text) && text[i+1] == '\n' {
				continue
			}
			out = append(out, '\n')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
