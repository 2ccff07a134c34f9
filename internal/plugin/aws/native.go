package aws

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/autotag/internal/filter"
	"github.com/yairfalse/autotag/internal/telemetry"
	"github.com/yairfalse/autotag/pkg/resource"
)

// NativeName is the inventory name of the per-service list backend.
const NativeName = "native"

// ErrUnsupportedType is returned for resource types without a lister.
var ErrUnsupportedType = errors.New("resource type not supported")

type lister func(context.Context) ([]resource.Record, error)

// Native discovers resources through each service's own list APIs, reading
// their tags and dropping those that already carry the marker
type Native struct {
	clients   nativeClients
	region    string
	partition string
	account   func(context.Context) (string, error)
	logger    *telemetry.Logger
	tracer    trace.Tracer
}

// Native returns the per-service inventory bound to the plugin's clients.
func (p *Plugin) Native() *Native {
	return newNative(p.clients, p.region, p.account)
}

func newNative(clients nativeClients, region string, account func(context.Context) (string, error)) *Native {
	return &Native{
		clients:   clients,
		region:    region,
		partition: "aws",
		account:   account,
		logger:    telemetry.NewLogger("native-inventory"),
		tracer:    otel.Tracer("native-inventory"),
	}
}

// Name returns the inventory identifier.
func (n *Native) Name() string {
	return NativeName
}

func (n *Native) listers() map[string]lister {
	return map[string]lister{
		"ec2:instance":                      n.listEC2Instances,
		"ec2:volume":                        n.listEC2Volumes,
		"s3:bucket":                         n.listS3Buckets,
		"lambda:function":                   n.listLambdaFunctions,
		"ecs:cluster":                       n.listECSClusters,
		"rds:db":                            n.listRDSInstances,
		"dynamodb:table":                    n.listDynamoDBTables,
		"sqs:queue":                         n.listSQSQueues,
		"eks:cluster":                       n.listEKSClusters,
		"elasticloadbalancing:loadbalancer": n.listLoadBalancers,
		"autoscaling:autoScalingGroup":      n.listAutoScalingGroups,
		"logs:log-group":                    n.listLogGroups,
		"ecr:repository":                    n.listECRRepositories,
		"kms:key":                           n.listKMSKeys,
		"iam:role":                          n.listIAMRoles,
		"route53:hostedzone":                n.listHostedZones,
		"memorydb:cluster":                  n.listMemoryDBClusters,
		"redshift:cluster":                  n.listRedshiftClusters,
	}
}

// Types returns the supported resource types in sorted order.
func (n *Native) Types() []string {
	listers := n.listers()
	types := make([]string, 0, len(listers))
	for t := range listers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Discover lists every resource of q's type in the plugin's region and
// keeps those without the exclusion tag, up to q.MaxResults when positive.
func (n *Native) Discover(ctx context.Context, q resource.Query) ([]resource.Record, error) {
	list, ok := n.listers()[q.ResourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, q.ResourceType)
	}

	ctx, span := n.tracer.Start(ctx, "Discover", trace.WithAttributes(
		attribute.String("resource.type", q.ResourceType),
		attribute.String("region", q.Region),
	))
	defer span.End()

	all, err := list(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list %s: %w", q.ResourceType, err)
	}

	records := filter.ForQuery(q).FilterResources(all)
	if q.MaxResults > 0 && len(records) > q.MaxResults {
		records = records[:q.MaxResults]
	}

	span.SetAttributes(
		attribute.Int("resources.listed", len(all)),
		attribute.Int("resources.untagged", len(records)),
	)
	n.logger.WithContext(ctx).Debug().
		Str("resource_type", q.ResourceType).
		Int("listed", len(all)).
		Int("untagged", len(records)).
		Msg("native discovery complete")
	return records, nil
}

func (n *Native) record(typ, arn string, tags map[string]string) resource.Record {
	return resource.Record{
		ARN:    arn,
		Type:   typ,
		Region: n.region,
		Tags:   tags,
	}
}

func (n *Native) arn(service, account, res string) string {
	return fmt.Sprintf("arn:%s:%s:%s:%s:%s", n.partition, service, n.region, account, res)
}
