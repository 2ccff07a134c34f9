package attribution

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Event is one CloudTrail management event as returned by LookupEvents.
type Event struct {
	ID          string
	Name        string
	Source      string
	Time        time.Time
	Username    string
	AccessKeyID string
	ReadOnly    string
	Resources   []EventResource
	Raw         string // the CloudTrailEvent JSON document
}

// EventResource is a resource reference in the lookup summary.
type EventResource struct {
	Type string
	Name string
}

// Summary returns the lookup-summary view of the event as a JSON-like
// value, shaped like the LookupEvents response entry.
func (e Event) Summary() any {
	resources := make([]any, 0, len(e.Resources))
	for _, r := range e.Resources {
		resources = append(resources, map[string]any{
			"ResourceType": r.Type,
			"ResourceName": r.Name,
		})
	}

	summary := map[string]any{
		"EventId":         e.ID,
		"EventName":       e.Name,
		"EventSource":     e.Source,
		"Username":        e.Username,
		"AccessKeyId":     e.AccessKeyID,
		"ReadOnly":        e.ReadOnly,
		"Resources":       resources,
		"CloudTrailEvent": e.Raw,
	}
	if !e.Time.IsZero() {
		summary["EventTime"] = e.Time.UTC().Format(time.RFC3339)
	}
	return summary
}

// Payload parses the raw CloudTrail document. Numbers are kept as
// json.Number so they compare by their literal text.
func (e Event) Payload() (any, error) {
	return decode([]byte(e.Raw))
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return v, nil
}

// PrincipalKind classifies the identity that made the call.
type PrincipalKind string

const (
	KindIAMUser     PrincipalKind = "IAMUser"
	KindAssumedRole PrincipalKind = "AssumedRole"
	KindUnknown     PrincipalKind = "Unknown"
)

// Identity is the provenance extracted from an event payload. Empty
// strings mean absent.
type Identity struct {
	Kind          PrincipalKind `json:"kind"`
	RawType       string        `json:"raw_type,omitempty"`
	UserName      string        `json:"user_name,omitempty"`
	RoleName      string        `json:"role_name,omitempty"`
	AssumedUserID string        `json:"assumed_user_id,omitempty"`
	EventTime     string        `json:"event_time,omitempty"`
}

// MatchSource records which view of an event mentioned the resource.
type MatchSource string

const (
	MatchSummary MatchSource = "summary"
	MatchPayload MatchSource = "payload"
)

// Attribution links a resource to the event that created it.
type Attribution struct {
	ResourceARN string      `json:"resource_arn"`
	EventID     string      `json:"event_id"`
	EventName   string      `json:"event_name"`
	EventTime   time.Time   `json:"event_time"`
	MatchedOn   MatchSource `json:"matched_on"`
	Identity    Identity    `json:"identity"`
}
