package ghost

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// ValidateVersion checks that v is a plain semantic version such as "5.90.1".
func ValidateVersion(v string) error {
	if v == "" {
		return fmt.Errorf("empty version")
	}
	if strings.HasPrefix(v, "v") || !semver.IsValid("v"+v) {
		return fmt.Errorf("invalid version %q: expected a semantic version like 5.90.1", v)
	}
	return nil
}

// SortVersions orders versions ascending by semantic version.
func SortVersions(versions []string) {
	sort.Slice(versions, func(i, j int) bool {
		return semver.Compare("v"+versions[i], "v"+versions[j]) < 0
	})
}
