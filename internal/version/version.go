// Package version parses and compares semantic versions reported by the
// supervised services' command line interfaces.
package version

import (
	"fmt"
	"regexp"
	"strconv"
)

// Info is a parsed major.minor.patch version.
type Info struct {
	Major int    `json:"major"`
	Minor int    `json:"minor"`
	Patch int    `json:"patch"`
	Full  string `json:"full"`
}

func (v Info) String() string { return v.Full }

// Parsing strategies from strictest to loosest. Service CLIs phrase their
// version output differently across releases ("lemonade-server, version
// 6.2.1", "version: 6.2.1", bare "6.2.1"), so each strategy is tried in
// order until one matches.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`\bversion[:\s]+v?(\d+)\.(\d+)\.(\d+)\b`),
	regexp.MustCompile(`\bv?(\d+)\.(\d+)\.(\d+)\b`),
	regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`),
}

// Parse extracts a version from CLI output. It returns ok=false when no
// digits are found; malformed input is never an error.
func Parse(output string) (Info, bool) {
	for _, re := range patterns {
		m := re.FindStringSubmatch(output)
		if m == nil {
			continue
		}
		major, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		minor, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		patch := 0
		if len(m) > 3 && m[3] != "" {
			if p, err := strconv.Atoi(m[3]); err == nil {
				patch = p
			}
		}
		return Info{
			Major: major,
			Minor: minor,
			Patch: patch,
			Full:  fmt.Sprintf("%d.%d.%d", major, minor, patch),
		}, true
	}
	return Info{}, false
}

// IsCompatible reports whether v satisfies the minimum required version.
// Major dominates minor, minor dominates patch.
func IsCompatible(v, min Info) bool {
	if v.Major != min.Major {
		return v.Major > min.Major
	}
	if v.Minor != min.Minor {
		return v.Minor > min.Minor
	}
	return v.Patch >= min.Patch
}
