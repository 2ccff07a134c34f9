package attribution

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/autotag/internal/telemetry"
)

// Service attributes resources to their creation events
type Service struct {
	correlator *CorrelationEngine
	logger     *telemetry.Logger
	tracer     trace.Tracer
}

// NewService creates a new attribution service
func NewService() *Service {
	return &Service{
		correlator: NewCorrelationEngine(),
		logger:     telemetry.NewLogger("attribution-service"),
		tracer:     otel.Tracer("attribution-service"),
	}
}

// Attribute finds the event that created arn and extracts its provenance.
// It returns nil, nil when no candidate mentions the resource, and an error
// when the matching event's payload cannot be parsed.
func (s *Service) Attribute(ctx context.Context, arn string, candidates []Candidate) (*Attribution, error) {
	ctx, span := s.tracer.Start(ctx, "Attribute", trace.WithAttributes(
		attribute.String("resource.arn", arn),
	))
	defer span.End()

	match, source := s.correlator.Match(arn, candidates)
	if match == nil {
		return nil, nil
	}

	identity, err := Extract([]byte(match.Event.Raw))
	if err != nil {
		return nil, fmt.Errorf("extract provenance of %s: %w", match.Event.ID, err)
	}

	s.logger.WithContext(ctx).Debug().
		Str("arn", arn).
		Str("event_id", match.Event.ID).
		Str("matched_on", string(source)).
		Str("principal", string(identity.Kind)).
		Msg("resource attributed")

	return &Attribution{
		ResourceARN: arn,
		EventID:     match.Event.ID,
		EventName:   match.Event.Name,
		EventTime:   match.Event.Time,
		MatchedOn:   source,
		Identity:    identity,
	}, nil
}
