// Package filter decides which resource types are discovered and which
// discovered resources are kept.
package filter

import (
	"github.com/yairfalse/autotag/pkg/resource"
)

// Filter controls which resource types to discover and which resources to include.
type Filter struct {
	excludeTypes map[string]bool
	excludeTags  map[string]string
}

// New creates a new Filter from the provided configuration.
func New(excludeTypes []string, excludeTags map[string]string) *Filter {
	excludeMap := make(map[string]bool)
	for _, t := range excludeTypes {
		excludeMap[t] = true
	}

	return &Filter{
		excludeTypes: excludeMap,
		excludeTags:  excludeTags,
	}
}

// ForQuery returns the filter that drops resources already carrying the
// query's exclusion tag.
func ForQuery(q resource.Query) *Filter {
	if q.Exclude.Key == "" {
		return New(nil, nil)
	}
	return New(nil, map[string]string{q.Exclude.Key: q.Exclude.Value})
}

// ShouldScanType returns true if the given resource type should be discovered.
func (f *Filter) ShouldScanType(typ string) bool {
	return !f.excludeTypes[typ]
}

// ShouldIncludeResource returns false if the resource carries any exclude tag.
func (f *Filter) ShouldIncludeResource(r resource.Record) bool {
	for k, v := range f.excludeTags {
		if r.HasTag(resource.Tag{Key: k, Value: v}) {
			return false
		}
	}

	return true
}

// FilterResources returns only resources that pass the filter.
func (f *Filter) FilterResources(records []resource.Record) []resource.Record {
	if f.IsEmpty() {
		return records
	}

	filtered := make([]resource.Record, 0, len(records))
	for _, r := range records {
		if f.ShouldIncludeResource(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.excludeTypes) == 0 && len(f.excludeTags) == 0
}
