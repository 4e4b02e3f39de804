// Package semverx wraps github.com/Masterminds/semver/v3 with the
// appVersion normalisation and range-comparison rules spec §4.F needs.
// Grounded on the teacher's own direct dependency on this library
// (observed in cmd/tiller/release_server.go, which imports
// github.com/Masterminds/semver for chart version constraints) — the
// same "does this version satisfy that range" problem this resolver has.
package semverx

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	bareIntRE = regexp.MustCompile(`^[0-9]+$`)
	majorMinorRE = regexp.MustCompile(`^([0-9]+)\.([0-9]+)(-.+)?$`)
)

// Normalize implements spec §4.F's appVersion normalisation: bare
// integers and "N.M[-pre]" forms are rewritten to full semver so they
// can be parsed, and the original string is returned so callers can
// restore it in the response when applicable.
func Normalize(version string) (normalized string, original string, changed bool) {
	if bareIntRE.MatchString(version) {
		return version + ".0.0", version, true
	}
	if m := majorMinorRE.FindStringSubmatch(version); m != nil {
		pre := m[3] // includes leading "-", or ""
		return fmt.Sprintf("%s.%s.0%s", m[1], m[2], pre), version, true
	}
	return version, version, false
}

// IsValid reports whether version parses either as an exact semver
// version or as a semver range/constraint, after normalisation.
func IsValid(version string) bool {
	normalized, _, _ := Normalize(version)
	if _, err := semver.NewVersion(normalized); err == nil {
		return true
	}
	_, err := semver.NewConstraint(normalized)
	return err == nil
}

// IsExact reports whether version (already normalised) names one
// concrete version rather than a range.
func IsExact(version string) bool {
	_, err := semver.StrictNewVersion(version)
	return err == nil
}

// Satisfies reports whether version satisfies the appVersion range (or
// exact version) rangeOrVersion, per spec §4.F step 4. Both inputs are
// normalised first.
func Satisfies(version, rangeOrVersion string) (bool, error) {
	normVersion, _, _ := Normalize(version)
	normRange, _, _ := Normalize(rangeOrVersion)

	v, err := semver.NewVersion(normVersion)
	if err != nil {
		return false, err
	}

	if IsExact(normRange) {
		rv, err := semver.NewVersion(normRange)
		if err != nil {
			return false, err
		}
		return v.Equal(rv), nil
	}

	c, err := semver.NewConstraint(normRange)
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}

// GreaterThanRange reports whether version is greater than every version
// rangeOrVersion could match — used by the resolver's
// shouldRunBinaryVersion / updateAppVersion branch to tell an
// out-of-range-but-newer client from an out-of-range-and-older one.
func GreaterThanRange(version, rangeOrVersion string) (bool, error) {
	normVersion, _, _ := Normalize(version)
	normRange, _, _ := Normalize(rangeOrVersion)

	v, err := semver.NewVersion(normVersion)
	if err != nil {
		return false, err
	}

	if IsExact(normRange) {
		rv, err := semver.NewVersion(normRange)
		if err != nil {
			return false, err
		}
		return v.GreaterThan(rv), nil
	}

	// For a range, "greater than the range" means greater than the
	// highest version the range could admit. Masterminds/semver has no
	// direct "upper bound" accessor, so this is approximated from the
	// version literals written in the range string: v counts as newer
	// when it fails the range and is greater than every such literal (a
	// range with no literals counts as exceeded whenever v fails it).
	c, err := semver.NewConstraint(normRange)
	if err != nil {
		return false, err
	}
	if c.Check(v) {
		return false, nil
	}
	return greaterThanAllBounds(v, normRange), nil
}

// boundRE extracts explicit version literals referenced by a constraint
// string, e.g. ">=1.0.0 <2.0.0" -> ["1.0.0", "2.0.0"].
var boundRE = regexp.MustCompile(`[0-9]+\.[0-9]+\.[0-9]+(-[0-9A-Za-z.-]+)?`)

func greaterThanAllBounds(v *semver.Version, rangeStr string) bool {
	matches := boundRE.FindAllString(rangeStr, -1)
	if len(matches) == 0 {
		return true
	}
	for _, m := range matches {
		bound, err := semver.NewVersion(m)
		if err != nil {
			continue
		}
		if !v.GreaterThan(bound) {
			return false
		}
	}
	return true
}

// CanonicalRangeKey returns a stable string identifying rangeOrVersion
// for equality comparisons, per spec §3 invariant 4 / §9's open
// question: exact versions compare by their canonicalised string, ranges
// by their canonicalised constraint string, so ranges that differ only
// in formatting are treated as the same version.
func CanonicalRangeKey(rangeOrVersion string) string {
	normalized, _, _ := Normalize(rangeOrVersion)
	if IsExact(normalized) {
		if v, err := semver.NewVersion(normalized); err == nil {
			return "=" + v.String()
		}
	}
	if c, err := semver.NewConstraint(normalized); err == nil {
		return canonicalizeConstraintString(c.String())
	}
	return normalized
}

// canonicalizeConstraintString collapses whitespace in a constraint's
// string form. Constraints listed in a different order, or equivalent
// constraints written with different operators, do not compare equal.
func canonicalizeConstraintString(s string) string {
	parts := strings.Fields(s)
	return strings.Join(parts, " ")
}
