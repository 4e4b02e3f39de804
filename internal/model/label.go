package model

import (
	"fmt"
	"regexp"
	"strconv"
)

var labelRE = regexp.MustCompile(LabelPattern)
var deploymentKeyRE = regexp.MustCompile(DeploymentKeyPattern)

// IsValidDeploymentKey reports whether key matches spec §6's deployment
// key alphabet and length bounds.
func IsValidDeploymentKey(key string) bool {
	return deploymentKeyRE.MatchString(key)
}

// ParseLabel extracts N from a "v<N>" label. It returns false for
// malformed labels.
func ParseLabel(label string) (int, bool) {
	if !labelRE.MatchString(label) {
		return 0, false
	}
	n, err := strconv.Atoi(label[1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// NextLabel implements spec §3 invariant 1 / §8 property 1: the next
// label after prev, or "v1" if prev is empty (no history yet).
func NextLabel(prev string) string {
	if prev == "" {
		return "v1"
	}
	n, ok := ParseLabel(prev)
	if !ok {
		return "v1"
	}
	return fmt.Sprintf("v%d", n+1)
}
