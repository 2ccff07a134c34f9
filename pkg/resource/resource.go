// Package resource defines the shared resource model for autotag.
package resource

import "strings"

// GlobalRegion is the scope used for resources that are not bound to a region.
const GlobalRegion = "global"

// Record is a discovered resource that does not yet carry the marker tag.
type Record struct {
	ARN    string            `json:"arn"`            // Full ARN, the tagging key
	Type   string            `json:"type"`           // Resource Explorer type (e.g., "ec2:instance")
	Region string            `json:"region"`         // Region, or "global"
	Tags   map[string]string `json:"tags,omitempty"` // Tags seen at discovery time, if known
}

// Tag is a single key/value pair. Order matters wherever tags are handled
// as a slice: later entries overwrite earlier ones at the tagging API.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Mapping correlates a resource type with the audit event that creates it.
// Field names follow the mapping document written by the bootstrap loaders.
type Mapping struct {
	ID           int    `json:"ID,omitempty" yaml:"ID,omitempty"`
	EventName    string `json:"CTEventName" yaml:"CTEventName"`
	EventSource  string `json:"CTEventSource" yaml:"CTEventSource"`
	ResourceType string `json:"REResourceType" yaml:"REResourceType"`
	Global       bool   `json:"Global" yaml:"Global"`
}

// Scope returns the discovery scope for this entry given the current region.
func (m Mapping) Scope(region string) string {
	if m.Global {
		return GlobalRegion
	}
	return region
}

// Query selects resources of one type that lack the exclusion tag.
type Query struct {
	ResourceType string
	Region       string
	Exclude      Tag
	MaxResults   int
}

// Service returns the service prefix of the query's resource type ("ec2" for "ec2:instance").
func (q Query) Service() string {
	service, _, _ := strings.Cut(q.ResourceType, ":")
	return service
}

// HasTag reports whether the record carries the given key with the given value.
func (r Record) HasTag(tag Tag) bool {
	if r.Tags == nil {
		return false
	}
	v, ok := r.Tags[tag.Key]
	return ok && v == tag.Value
}

// Parameter is a stored configuration parameter, such as an SSM parameter.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}
