package policy

import (
	"time"

	"github.com/yairfalse/autotag/attribution"
	"github.com/yairfalse/autotag/pkg/resource"
)

// PolicyInput is the document policies see as `input`
type PolicyInput struct {
	Resource    resource.Record         `json:"resource"`
	Attribution attribution.Attribution `json:"attribution"`
	Tags        []resource.Tag          `json:"tags"`
	History     *History                `json:"history,omitempty"`
	Timestamp   time.Time               `json:"timestamp"`
}

// History is what earlier runs recorded for the resource
type History struct {
	Attempts    int    `json:"attempts"`
	LastOutcome string `json:"last_outcome"`
	LastRunID   string `json:"last_run_id"`
}

// Decision is the combined verdict of every loaded policy
type Decision struct {
	Skip     bool     `json:"skip"`
	DropKeys []string `json:"drop_keys,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Policies []string `json:"policies,omitempty"` // Which policies matched
}

// Allowed returns a decision that writes every derived tag.
func Allowed() Decision {
	return Decision{}
}
