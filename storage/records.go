package storage

import (
	"time"

	"github.com/yairfalse/autotag/pkg/resource"
)

// RunRecord summarizes one tagging run
type RunRecord struct {
	Revision   int64          `json:"revision"`
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	DryRun     bool           `json:"dry_run,omitempty"`
	Status     string         `json:"status"` // success, failed
	Counts     map[string]int `json:"counts,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Duration returns how long the run took.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// OutcomeRecord is what happened to one resource during a run
type OutcomeRecord struct {
	RunID        string         `json:"run_id"`
	ARN          string         `json:"arn"`
	ResourceType string         `json:"resource_type"`
	EventName    string         `json:"event_name,omitempty"`
	EventID      string         `json:"event_id,omitempty"`
	Outcome      string         `json:"outcome"` // tagged, unmatched, skipped, failed, dry_run
	Tags         []resource.Tag `json:"tags,omitempty"`
	Error        string         `json:"error,omitempty"`
	Time         time.Time      `json:"time"`
}
