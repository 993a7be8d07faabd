package adapter

import (
	"regexp"
	"strings"
)

var percentPattern = regexp.MustCompile(`\b(100|[1-9]?[0-9])\s*%`)

// phaseKeywords maps substrings of agent output to named phases, checked in
// order so the more specific names win.
var phaseKeywords = []struct {
	marker string
	phase  string
}{
	{"analyzing", "analyzing"},
	{"planning", "planning"},
	{"implementing", "implementing"},
	{"writing", "implementing"},
	{"testing", "testing"},
	{"reviewing", "reviewing"},
	{"integrating", "integrating"},
}

// inferProgress maps an output line to a best-effort status payload: an
// explicit percentage when the line carries one, otherwise a named phase.
// Purely advisory; a miss returns false and the line flows through untouched.
func inferProgress(line string) (string, bool) {
	if m := percentPattern.FindStringSubmatch(line); m != nil {
		return m[1] + "% complete", true
	}

	lower := strings.ToLower(line)
	for _, kw := range phaseKeywords {
		if strings.Contains(lower, kw.marker) {
			return "phase: " + kw.phase, true
		}
	}
	return "", false
}
