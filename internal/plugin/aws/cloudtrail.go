package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/autotag/attribution"
	"github.com/yairfalse/autotag/internal/telemetry"
)

// ErrLookupFailed wraps every audit-event lookup failure.
var ErrLookupFailed = errors.New("event lookup failed")

// Defaults for the event lookup window and result cap.
const (
	DefaultEventWindow     = 14400 * time.Minute
	DefaultEventMaxResults = 1000

	// LookupEvents returns at most 50 events per page.
	lookupPageSize = 50
)

// EventLookup queries CloudTrail for the creation events of one mapping entry
type EventLookup struct {
	client     CloudTrailAPI
	window     time.Duration
	maxResults int
	now        func() time.Time
	logger     *telemetry.Logger
	tracer     trace.Tracer
}

// NewEventLookup creates an event lookup over client. Zero window or cap
// select the defaults.
func NewEventLookup(client CloudTrailAPI, window time.Duration, maxResults int) *EventLookup {
	if window <= 0 {
		window = DefaultEventWindow
	}
	if maxResults <= 0 {
		maxResults = DefaultEventMaxResults
	}
	return &EventLookup{
		client:     client,
		window:     window,
		maxResults: maxResults,
		now:        time.Now,
		logger:     telemetry.NewLogger("event-lookup"),
		tracer:     otel.Tracer("event-lookup"),
	}
}

// EventLookup returns an event lookup bound to the plugin's CloudTrail client.
func (p *Plugin) EventLookup(window time.Duration, maxResults int) *EventLookup {
	return NewEventLookup(p.cloudtrailClient, window, maxResults)
}

// Lookup returns the events named name from source within the window, most
// recent first, up to the result cap. LookupEvents accepts a single lookup
// attribute, so the source is filtered here.
func (l *EventLookup) Lookup(ctx context.Context, name, source string) ([]attribution.Event, error) {
	ctx, span := l.tracer.Start(ctx, "LookupEvents", trace.WithAttributes(
		attribute.String("event.name", name),
		attribute.String("event.source", source),
	))
	defer span.End()

	end := l.now()
	start := end.Add(-l.window)

	var (
		events    []attribution.Event
		nextToken *string
		pages     int
	)

	for {
		output, err := l.client.LookupEvents(ctx, &cloudtrail.LookupEventsInput{
			LookupAttributes: []cttypes.LookupAttribute{
				{
					AttributeKey:   cttypes.LookupAttributeKeyEventName,
					AttributeValue: aws.String(name),
				},
			},
			StartTime:  aws.Time(start),
			EndTime:    aws.Time(end),
			MaxResults: aws.Int32(lookupPageSize),
			NextToken:  nextToken,
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%w: lookup %s from %s: %w", ErrLookupFailed, name, source, err)
		}
		pages++

		for _, e := range output.Events {
			if aws.ToString(e.EventSource) != source {
				continue
			}
			events = append(events, convertEvent(e))
			if len(events) >= l.maxResults {
				return l.done(ctx, span, name, events, pages), nil
			}
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return l.done(ctx, span, name, events, pages), nil
}

func (l *EventLookup) done(ctx context.Context, span trace.Span, name string, events []attribution.Event, pages int) []attribution.Event {
	span.SetAttributes(attribute.Int("events.count", len(events)))
	l.logger.WithContext(ctx).Debug().
		Str("event_name", name).
		Int("events", len(events)).
		Int("pages", pages).
		Msg("event lookup complete")
	return events
}

func convertEvent(e cttypes.Event) attribution.Event {
	out := attribution.Event{
		ID:          aws.ToString(e.EventId),
		Name:        aws.ToString(e.EventName),
		Source:      aws.ToString(e.EventSource),
		Time:        aws.ToTime(e.EventTime),
		Username:    aws.ToString(e.Username),
		AccessKeyID: aws.ToString(e.AccessKeyId),
		ReadOnly:    aws.ToString(e.ReadOnly),
		Raw:         aws.ToString(e.CloudTrailEvent),
	}
	for _, r := range e.Resources {
		out.Resources = append(out.Resources, attribution.EventResource{
			Type: aws.ToString(r.ResourceType),
			Name: aws.ToString(r.ResourceName),
		})
	}
	return out
}
