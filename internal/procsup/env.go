package procsup

import (
	"fmt"
	"os"
)

// baselineEnv is the non-secret allowlist every child receives unconditionally
//. PATH is included separately below since its value must be
// resolved from the parent process rather than merely named.
var baselineEnv = []string{
	"HOME", "USER", "LOGNAME", "SHELL", "TERM", "COLORTERM",
	"LANG", "LC_ALL", "LC_CTYPE",
	"TMPDIR", "TMP", "TEMP",
	"XDG_CONFIG_HOME", "XDG_CACHE_HOME", "XDG_DATA_HOME",
}

// BuildEnv constructs the child's environment: the non-secret baseline, PATH,
// any name in allowlist found in the parent environment, and any key=value
// pair explicitly supplied by the caller in extra. All other parent variables
// are dropped — this is the sole isolation mechanism. Explicit caller values
// win over the inherited baseline, so a caller can pin PATH or TERM.
func BuildEnv(allowlist []string, extra map[string]string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(key, val string) {
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, fmt.Sprintf("%s=%s", key, val))
	}

	for k, v := range extra {
		add(k, v)
	}
	names := append(append([]string{}, baselineEnv...), "PATH")
	names = append(names, allowlist...)
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			add(name, v)
		}
	}
	return out
}
