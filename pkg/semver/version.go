// Package semver checks service versions reported by responders against
// version constraints.
package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:version"

var (
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// IsMajorOnly checks if a constraint is a major-only specifier (e.g., "3").
func IsMajorOnly(constraint string) bool {
	return majorOnlyRegex.MatchString(constraint)
}

// IsExactVersion checks if a constraint is an exact version (e.g., "3.2.1").
func IsExactVersion(constraint string) bool {
	return exactVersionRegex.MatchString(constraint)
}

// ExtractMajor returns the major version of a major-only constraint, or -1.
func ExtractMajor(constraint string) int {
	if !IsMajorOnly(constraint) {
		return -1
	}
	major, err := strconv.Atoi(constraint)
	if err != nil {
		return -1
	}
	return major
}

// ValidateVersion reports whether version is a valid SemVer string.
func ValidateVersion(version string) error {
	if _, err := masterminds.StrictNewVersion(strings.TrimSpace(version)); err != nil {
		return fmt.Errorf("%s - invalid version %q: %w", logPrefix, version, err)
	}
	return nil
}

// ValidateConstraint reports whether constraint can be used with Satisfies.
func ValidateConstraint(constraint string) error {
	c := strings.TrimSpace(constraint)
	if c == "" || IsMajorOnly(c) {
		return nil
	}
	if _, err := masterminds.NewConstraint(c); err != nil {
		return fmt.Errorf("%s - invalid constraint %q: %w", logPrefix, constraint, err)
	}
	return nil
}

// Satisfies checks version against constraint.
//
// Supported constraints:
//   - ""               (anything, including an absent version)
//   - 3                (major only)
//   - 3.2.1            (exact version)
//   - ^3.2.0, ~3.2.0   (caret and tilde ranges)
//   - >=3.0.0 <4.0.0   (comparison ranges)
func Satisfies(version, constraint string) (bool, error) {
	c := strings.TrimSpace(constraint)
	if c == "" {
		return true, nil
	}

	v := strings.TrimSpace(version)
	if v == "" {
		return false, nil
	}
	sv, err := masterminds.NewVersion(v)
	if err != nil {
		return false, fmt.Errorf("%s - invalid version %q: %w", logPrefix, version, err)
	}

	if IsMajorOnly(c) {
		return int(sv.Major()) == ExtractMajor(c), nil
	}
	if IsExactVersion(c) {
		want, err := masterminds.NewVersion(c)
		if err != nil {
			return false, fmt.Errorf("%s - invalid version %q: %w", logPrefix, c, err)
		}
		return sv.Equal(want), nil
	}

	mc, err := masterminds.NewConstraint(c)
	if err != nil {
		return false, fmt.Errorf("%s - invalid constraint %q: %w", logPrefix, constraint, err)
	}
	return mc.Check(sv), nil
}
