package catalog

import (
	"fmt"
	"slices"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
)

// Filter restricts which variants of a catalog are built.
type Filter struct {
	// IDs selects variants by version id. A nil slice means "no id restriction",
	// an empty non-nil slice selects nothing by id.
	IDs []string

	// Tags selects variants carrying any of the tags.
	Tags []string

	// Constraint is a semver constraint on the major series, e.g. ">= 2.78".
	Constraint string
}

// Select returns the variants matching f in catalog order.
// Ids that are not in the catalog are logged and ignored: a filter that
// matches nothing is a valid, empty build.
func Select(c *Catalog, f Filter) ([]VersionSpec, error) {
	var constraint *semver.Constraints
	if f.Constraint != "" {
		var err error
		constraint, err = semver.NewConstraint(f.Constraint)
		if err != nil {
			return nil, &Error{Path: c.Path, Err: fmt.Errorf("invalid constraint %q: %w", f.Constraint, err)}
		}
	}

	for _, id := range f.IDs {
		if _, ok := c.Variant(id); !ok {
			log.Warn().Str("variant", id).Msg("requested variant not found in catalog")
		}
	}

	restricted := f.IDs != nil || len(f.Tags) > 0
	out := make([]VersionSpec, 0, len(c.variants))
	for _, v := range c.variants {
		if restricted && !slices.Contains(f.IDs, v.ID) && !hasAnyTag(v, f.Tags) {
			continue
		}
		if constraint != nil {
			series, err := semver.NewVersion(v.MajorSeries)
			if err != nil || !constraint.Check(series) {
				continue
			}
		}
		out = append(out, v)
	}
	return out, nil
}

func hasAnyTag(v VersionSpec, tags []string) bool {
	for _, t := range tags {
		if slices.Contains(v.Tags, t) {
			return true
		}
	}
	return false
}
