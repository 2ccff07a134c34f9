package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"

	"github.com/yairfalse/autotag/pkg/resource"
)

// Tagger writes tags through the Resource Groups Tagging API
type Tagger struct {
	client TaggingAPI
}

// NewTagger creates a tag writer.
func NewTagger(client TaggingAPI) *Tagger {
	return &Tagger{client: client}
}

// Tagger returns a tag writer bound to the plugin's tagging client.
func (p *Plugin) Tagger() *Tagger {
	return NewTagger(p.taggingClient)
}

// Tag writes a single key/value pair to arn. A resource reported in the
// failed-resources map is an error.
func (t *Tagger) Tag(ctx context.Context, arn string, tag resource.Tag) error {
	output, err := t.client.TagResources(ctx, &resourcegroupstaggingapi.TagResourcesInput{
		ResourceARNList: []string{arn},
		Tags:            map[string]string{tag.Key: tag.Value},
	})
	if err != nil {
		return fmt.Errorf("tag resource %s with %q: %w", arn, tag.Key, err)
	}

	if len(output.FailedResourcesMap) == 0 {
		return nil
	}

	failures := make([]string, 0, len(output.FailedResourcesMap))
	for failed, info := range output.FailedResourcesMap {
		failures = append(failures, fmt.Sprintf("%s: %s %s", failed, info.ErrorCode, aws.ToString(info.ErrorMessage)))
	}
	sort.Strings(failures)
	return fmt.Errorf("tag resource %s with %q: %s", arn, tag.Key, strings.Join(failures, "; "))
}
