package attribution

import (
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/autotag/internal/telemetry"
)

// SecondaryID returns the short identifier embedded in an ARN: the text
// after the last "/", else after the last ":", else "". A separator in the
// first position does not count.
func SecondaryID(arn string) string {
	if i := strings.LastIndex(arn, "/"); i > 0 {
		return arn[i+1:]
	}
	if i := strings.LastIndex(arn, ":"); i > 0 {
		return arn[i+1:]
	}
	return ""
}

// Candidate is an event with its summary and payload views decoded once, so
// a batch of resources can be matched against the same window cheaply.
type Candidate struct {
	Event   Event
	summary any
	payload any
}

// Prepare decodes the views of every event. An event whose payload does not
// parse can still match on its summary.
func Prepare(events []Event) []Candidate {
	out := make([]Candidate, 0, len(events))
	for _, e := range events {
		c := Candidate{Event: e, summary: e.Summary()}
		if p, err := e.Payload(); err == nil {
			c.payload = p
		}
		out = append(out, c)
	}
	return out
}

// CorrelationEngine matches resources to the events that created them
type CorrelationEngine struct {
	logger *telemetry.Logger
	tracer trace.Tracer
}

// NewCorrelationEngine creates a new correlation engine
func NewCorrelationEngine() *CorrelationEngine {
	return &CorrelationEngine{
		logger: telemetry.NewLogger("correlation-engine"),
		tracer: otel.Tracer("correlation-engine"),
	}
}

// Match returns the first candidate mentioning the resource, checking the
// summary view before the payload view of each event in order. It returns
// nil when no candidate matches.
func (c *CorrelationEngine) Match(arn string, candidates []Candidate) (*Candidate, MatchSource) {
	id := SecondaryID(arn)

	for i := range candidates {
		cand := &candidates[i]
		if Find(cand.summary, arn, id) {
			return cand, MatchSummary
		}
		if Find(cand.payload, arn, id) {
			return cand, MatchPayload
		}
	}

	c.logger.Debug().
		Str("arn", arn).
		Int("candidates", len(candidates)).
		Msg("no event mentions resource")
	return nil, ""
}
