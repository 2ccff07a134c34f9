package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/resourceexplorer2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/autotag/internal/telemetry"
	"github.com/yairfalse/autotag/pkg/resource"
)

// ExplorerName is the inventory name of the Resource Explorer backend.
const ExplorerName = "resource-explorer"

// explorerPageSize is the largest page Search returns.
const explorerPageSize = 1000

// Explorer discovers resources through Resource Explorer, pushing the
// marker exclusion down into the search query
type Explorer struct {
	client  ResourceExplorerAPI
	viewARN string
	logger  *telemetry.Logger
	tracer  trace.Tracer
}

// NewExplorer creates a Resource Explorer inventory. An empty viewARN uses
// the aggregator's default view.
func NewExplorer(client ResourceExplorerAPI, viewARN string) *Explorer {
	return &Explorer{
		client:  client,
		viewARN: viewARN,
		logger:  telemetry.NewLogger("resource-explorer"),
		tracer:  otel.Tracer("resource-explorer"),
	}
}

// Explorer returns a Resource Explorer inventory bound to the plugin's client.
func (p *Plugin) Explorer(viewARN string) *Explorer {
	return NewExplorer(p.explorerClient, viewARN)
}

// Name returns the inventory identifier.
func (e *Explorer) Name() string {
	return ExplorerName
}

// SearchQuery builds the Resource Explorer query string for q.
func SearchQuery(q resource.Query) string {
	return fmt.Sprintf("resourcetype:%s -tag.%s=%s region:%s",
		q.ResourceType, q.Exclude.Key, q.Exclude.Value, q.Region)
}

// Discover returns the resources of q's type in q's region that lack the
// exclusion tag, up to q.MaxResults when it is positive.
func (e *Explorer) Discover(ctx context.Context, q resource.Query) ([]resource.Record, error) {
	query := SearchQuery(q)
	ctx, span := e.tracer.Start(ctx, "Search", trace.WithAttributes(
		attribute.String("query", query),
	))
	defer span.End()

	var (
		records   []resource.Record
		nextToken *string
	)

	for {
		input := &resourceexplorer2.SearchInput{
			QueryString: aws.String(query),
			MaxResults:  aws.Int32(explorerPageSize),
			NextToken:   nextToken,
		}
		if e.viewARN != "" {
			input.ViewArn = aws.String(e.viewARN)
		}

		output, err := e.client.Search(ctx, input)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("search %s: %w", q.ResourceType, err)
		}

		for _, r := range output.Resources {
			records = append(records, resource.Record{
				ARN:    aws.ToString(r.Arn),
				Type:   aws.ToString(r.ResourceType),
				Region: aws.ToString(r.Region),
			})
			if q.MaxResults > 0 && len(records) >= q.MaxResults {
				return records, nil
			}
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	span.SetAttributes(attribute.Int("resources.count", len(records)))
	e.logger.WithContext(ctx).Debug().
		Str("query", query).
		Int("resources", len(records)).
		Msg("search complete")
	return records, nil
}
