package orchestrator

import (
	"context"
	"time"

	"github.com/yairfalse/autotag/attribution"
	"github.com/yairfalse/autotag/pkg/resource"
	"github.com/yairfalse/autotag/policy"
	"github.com/yairfalse/autotag/storage"
)

// Outcome is what a run did with one resource.
type Outcome string

const (
	OutcomeTagged    Outcome = "tagged"    // every derived tag written
	OutcomeUnmatched Outcome = "unmatched" // no event in the window mentions it
	OutcomeSkipped   Outcome = "skipped"   // policy skip or unreadable payload
	OutcomeFailed    Outcome = "failed"    // a tag write failed
	OutcomeDryRun    Outcome = "dry_run"   // tags derived, nothing written
)

// RunResult contains the results of one tagging run
type RunResult struct {
	RunID     string          `json:"run_id"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Duration  time.Duration   `json:"duration"`
	DryRun    bool            `json:"dry_run,omitempty"`
	Entries   []EntryResult   `json:"entries"`
	Counts    map[Outcome]int `json:"counts"`
	Errors    []string        `json:"errors,omitempty"`
	Success   bool            `json:"success"`
}

// Discovered returns the number of untagged resources found across entries.
func (r *RunResult) Discovered() int {
	n := 0
	for _, e := range r.Entries {
		n += e.Discovered
	}
	return n
}

// EntryResult summarizes one mapping entry
type EntryResult struct {
	EventName    string            `json:"event_name"`
	EventSource  string            `json:"event_source"`
	ResourceType string            `json:"resource_type"`
	Scope        string            `json:"scope"`
	Discovered   int               `json:"discovered"`
	Events       int               `json:"events"`
	Skipped      bool              `json:"skipped,omitempty"` // type excluded, or run cancelled before the entry began
	Resources    []ResourceOutcome `json:"resources,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// ResourceOutcome records what happened to one resource
type ResourceOutcome struct {
	ARN     string         `json:"arn"`
	Outcome Outcome        `json:"outcome"`
	EventID string         `json:"event_id,omitempty"`
	Tags    []resource.Tag `json:"tags,omitempty"`
	Error   string         `json:"error,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Time    time.Time      `json:"time"`
}

// MappingLoader provides the ordered mapping for a run
type MappingLoader interface {
	Load(ctx context.Context) ([]resource.Mapping, error)
}

// Inventory lists untagged resources
type Inventory interface {
	Discover(ctx context.Context, q resource.Query) ([]resource.Record, error)
}

// EventSource fetches the candidate creation events for a mapping entry
type EventSource interface {
	Lookup(ctx context.Context, name, source string) ([]attribution.Event, error)
}

// Attributor finds the event that created a resource
type Attributor interface {
	Attribute(ctx context.Context, arn string, candidates []attribution.Candidate) (*attribution.Attribution, error)
}

// TagDeriver turns provenance into an ordered tag list
type TagDeriver interface {
	Derive(ctx context.Context, id attribution.Identity) []resource.Tag
	Marker() resource.Tag
}

// TagWriter writes one tag to one resource
type TagWriter interface {
	Tag(ctx context.Context, arn string, tag resource.Tag) error
}

// PolicyGate decides whether and which tags are written
type PolicyGate interface {
	BuildPolicyInput(ctx context.Context, record resource.Record, attr attribution.Attribution, tags []resource.Tag) policy.PolicyInput
	Evaluate(ctx context.Context, input policy.PolicyInput) (policy.Decision, error)
}

// Ledger persists run history
type Ledger interface {
	RecordRun(run storage.RunRecord, outcomes []storage.OutcomeRecord) (int64, error)
}

// Metrics records run telemetry
type Metrics interface {
	RecordRun(ctx context.Context, status string, d time.Duration)
	RecordDiscovered(ctx context.Context, resourceType string, count int)
	RecordOutcome(ctx context.Context, resourceType, outcome string)
	RecordLookupFailure(ctx context.Context, source string)
}

type nopMetrics struct{}

func (nopMetrics) RecordRun(context.Context, string, time.Duration) {}
func (nopMetrics) RecordDiscovered(context.Context, string, int) {}
func (nopMetrics) RecordOutcome(context.Context, string, string) {}
func (nopMetrics) RecordLookupFailure(context.Context, string) {}
