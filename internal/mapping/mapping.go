// Package mapping loads the ordered list of event-to-resource-type
// correlations that drives a run.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yairfalse/autotag/internal/config"
	"github.com/yairfalse/autotag/pkg/resource"
)

// ErrEmpty is returned when a store yields no mapping entries.
var ErrEmpty = errors.New("mapping is empty")

// Store reads and writes the mapping document.
type Store interface {
	// Name identifies the backend in logs.
	Name() string
	// Load returns the validated entries in processing order.
	Load(ctx context.Context) ([]resource.Mapping, error)
	// Save replaces the stored mapping with entries.
	Save(ctx context.Context, entries []resource.Mapping) error
}

// Document is the serialized form shared by the file and S3 backends.
type Document struct {
	Mapping []resource.Mapping `json:"Mapping" yaml:"Mapping"`
}

// Clients carries the AWS clients a remote backend needs.
type Clients struct {
	S3       S3API
	DynamoDB DynamoDBAPI
}

// Open returns the store selected by cfg.
func Open(cfg config.MappingConfig, clients Clients) (Store, error) {
	switch cfg.Source {
	case config.MappingSourceFile:
		return NewFileStore(cfg.Path), nil
	case config.MappingSourceS3:
		if clients.S3 == nil {
			return nil, fmt.Errorf("open s3 mapping store: no s3 client")
		}
		return NewS3Store(clients.S3, cfg.Bucket, cfg.Key), nil
	case config.MappingSourceDynamoDB:
		if clients.DynamoDB == nil {
			return nil, fmt.Errorf("open dynamodb mapping store: no dynamodb client")
		}
		return NewDynamoDBStore(clients.DynamoDB, cfg.Table), nil
	default:
		return nil, fmt.Errorf("open mapping store: unknown source %q", cfg.Source)
	}
}

// Default returns the four entries written by the legacy bootstrap loaders.
func Default() []resource.Mapping {
	return []resource.Mapping{
		{ID: 0, EventName: "RunInstances", EventSource: "ec2.amazonaws.com", ResourceType: "ec2:instance"},
		{ID: 1, EventName: "CreateBucket", EventSource: "s3.amazonaws.com", ResourceType: "s3:bucket", Global: true},
		{ID: 2, EventName: "CreateFunction20150331", EventSource: "lambda.amazonaws.com", ResourceType: "lambda:function"},
		{ID: 3, EventName: "CreateCluster", EventSource: "ecs.amazonaws.com", ResourceType: "ecs:cluster"},
	}
}

// Validate rejects an empty mapping and entries missing a required field.
func Validate(entries []resource.Mapping) error {
	if len(entries) == 0 {
		return ErrEmpty
	}

	var errs []error
	for i, e := range entries {
		var missing []string
		if e.EventName == "" {
			missing = append(missing, "CTEventName")
		}
		if e.EventSource == "" {
			missing = append(missing, "CTEventSource")
		}
		if e.ResourceType == "" {
			missing = append(missing, "REResourceType")
		}
		if len(missing) > 0 {
			errs = append(errs, fmt.Errorf("entry %d: missing %s", i, strings.Join(missing, ", ")))
		}
	}
	return errors.Join(errs...)
}

func loaded(name string, entries []resource.Mapping) ([]resource.Mapping, error) {
	if err := Validate(entries); err != nil {
		return nil, fmt.Errorf("validate %s mapping: %w", name, err)
	}
	return entries, nil
}
