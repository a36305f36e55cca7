// Package extract recovers the final energy from compute engine output.
package extract

import (
	"regexp"
	"strconv"
)

const number = `([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?)`

var (
	artifactPattern = regexp.MustCompile(`Energy:\s*` + number + `\s*kJ/mol`)
	stdoutPattern   = regexp.MustCompile(`Optimized geometry with energy:\s*` + number + `\s*kJ/mol`)
)

// Energy returns the energy in kJ/mol annotated in the result artifact, or
// failing that in the captured stdout. ok is false when neither carries one.
func Energy(artifact, stdout string) (energy float64, ok bool) {
	if v, ok := find(artifactPattern, artifact); ok {
		return v, true
	}
	return find(stdoutPattern, stdout)
}

func find(re *regexp.Regexp, text string) (float64, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
