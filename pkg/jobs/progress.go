package jobs

import (
	"regexp"
	"strconv"
)

var progressPattern = regexp.MustCompile(`^\s*Progress:\s*(-?\d+)\s*%?\s*$`)

// ParseProgress extracts the percentage from a worker line of the form
// "Progress: 42 %". Values are clamped to 0..100.
func ParseProgress(line string) (int, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return v, true
}
