package deps

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/sap-gg/renderbox/internal/catalog"
)

// Set is a sorted, duplicate free list of package names.
type Set []string

// NewSet builds a Set from arbitrary names.
func NewSet(names ...string) Set {
	s := slices.Clone(names)
	slices.Sort(s)
	return slices.Compact(s)
}

func (s Set) Contains(name string) bool {
	_, ok := slices.BinarySearch(s, name)
	return ok
}

var packageNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9+._:=~-]*$`)

// Resolve computes the package set of a variant:
// (baseline minus spec.RemovedDependencies) plus spec.ExtraDependencies.
// The result does not depend on the order of its inputs.
func Resolve(spec catalog.VersionSpec, baseline []string) (Set, error) {
	removed := NewSet(spec.RemovedDependencies...)

	resolved := make([]string, 0, len(baseline)+len(spec.ExtraDependencies))
	for _, name := range baseline {
		if !removed.Contains(name) {
			resolved = append(resolved, name)
		}
	}
	resolved = append(resolved, spec.ExtraDependencies...)
	set := NewSet(resolved...)

	for _, name := range set {
		if !packageNameRe.MatchString(name) {
			return nil, fmt.Errorf("invalid package name %q", name)
		}
	}
	for _, pair := range spec.Conflicts {
		if set.Contains(pair[0]) && set.Contains(pair[1]) {
			return nil, &ConflictError{VersionID: spec.ID, A: pair[0], B: pair[1]}
		}
	}
	return set, nil
}
