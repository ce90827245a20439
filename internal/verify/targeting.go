package verify

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PackageFilter maps a glob matching one or more touched files to the
// package-manager filter argument that scopes a command to it.
type PackageFilter struct {
	Glob   string
	Filter string // e.g. "pkg-a" for `pnpm -r --filter pkg-a test`
}

// GlobTargetingManager narrows a root package-manager command to the
// packages touched by the current step by matching touched file paths
// against configured package globs, the way a pnpm/turbo monorepo's package
// boundaries are usually expressed. Matching uses doublestar so patterns
// like "packages/*/src/**" behave the same as they do in the toolchain's own
// workspace globs.
type GlobTargetingManager struct {
	Filters []PackageFilter
}

// FilteredCommand implements TargetingManager: for each touched file, find
// the matching package filter and splice a `--filter <pkg>` into rootCommand
// for every distinct match. Filters go before the final token (the script
// name), producing e.g. `pnpm -r --filter pkg-a test`. Returns ok=false if
// no touched file matches any configured glob.
func (g GlobTargetingManager) FilteredCommand(_ Task, rootCommand string, touchedFiles []string) (string, bool) {
	seen := map[string]bool{}
	var pkgs []string
	for _, f := range touchedFiles {
		clean := path.Clean(filepathToSlash(f))
		for _, pf := range g.Filters {
			ok, err := doublestar.Match(pf.Glob, clean)
			if err != nil || !ok {
				continue
			}
			if !seen[pf.Filter] {
				seen[pf.Filter] = true
				pkgs = append(pkgs, pf.Filter)
			}
		}
	}
	if len(pkgs) == 0 {
		return "", false
	}

	var flags strings.Builder
	for _, p := range pkgs {
		fmt.Fprintf(&flags, "--filter %s ", p)
	}

	fields := strings.Fields(rootCommand)
	if len(fields) < 2 {
		return strings.TrimSpace(rootCommand + " " + strings.TrimSpace(flags.String())), true
	}
	prefix := strings.Join(fields[:len(fields)-1], " ")
	script := fields[len(fields)-1]
	return prefix + " " + flags.String() + script, true
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
