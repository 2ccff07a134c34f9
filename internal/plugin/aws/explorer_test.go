package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/resourceexplorer2"
	retypes "github.com/aws/aws-sdk-go-v2/service/resourceexplorer2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/autotag/pkg/resource"
)

var blogMarker = resource.Tag{Key: "blog", Value: "ResourceAutoTagEnhanced"}

func TestSearchQuery(t *testing.T) {
	tests := []struct {
		name  string
		query resource.Query
		want  string
	}{
		{
			name:  "regional",
			query: resource.Query{ResourceType: "ec2:instance", Region: "us-east-1", Exclude: blogMarker},
			want:  "resourcetype:ec2:instance -tag.blog=ResourceAutoTagEnhanced region:us-east-1",
		},
		{
			name:  "global",
			query: resource.Query{ResourceType: "s3:bucket", Region: resource.GlobalRegion, Exclude: blogMarker},
			want:  "resourcetype:s3:bucket -tag.blog=ResourceAutoTagEnhanced region:global",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SearchQuery(tt.query))
		})
	}
}

func TestExplorer_Discover(t *testing.T) {
	var inputs []*resourceexplorer2.SearchInput
	client := &mockExplorerClient{
		SearchFunc: func(ctx context.Context, params *resourceexplorer2.SearchInput, optFns ...func(*resourceexplorer2.Options)) (*resourceexplorer2.SearchOutput, error) {
			inputs = append(inputs, params)
			if params.NextToken == nil {
				return &resourceexplorer2.SearchOutput{
					Resources: []retypes.Resource{{
						Arn:          aws.String("arn:aws:ec2:us-east-1:111122223333:instance/i-1"),
						ResourceType: aws.String("ec2:instance"),
						Region:       aws.String("us-east-1"),
					}},
					NextToken: aws.String("t"),
				}, nil
			}
			return &resourceexplorer2.SearchOutput{
				Resources: []retypes.Resource{{
					Arn:          aws.String("arn:aws:ec2:us-east-1:111122223333:instance/i-2"),
					ResourceType: aws.String("ec2:instance"),
					Region:       aws.String("us-east-1"),
				}},
			}, nil
		},
	}

	explorer := NewExplorer(client, "arn:aws:resource-explorer-2:us-east-1:111122223333:view/default/abc")
	assert.Equal(t, ExplorerName, explorer.Name())

	records, err := explorer.Discover(context.Background(), resource.Query{
		ResourceType: "ec2:instance",
		Region:       "us-east-1",
		Exclude:      blogMarker,
	})
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "arn:aws:ec2:us-east-1:111122223333:instance/i-2", records[1].ARN)
	assert.Equal(t, "ec2:instance", records[0].Type)

	require.Len(t, inputs, 2)
	assert.Equal(t, "resourcetype:ec2:instance -tag.blog=ResourceAutoTagEnhanced region:us-east-1", aws.ToString(inputs[0].QueryString))
	assert.Equal(t, "arn:aws:resource-explorer-2:us-east-1:111122223333:view/default/abc", aws.ToString(inputs[0].ViewArn))
	assert.Equal(t, int32(1000), aws.ToInt32(inputs[0].MaxResults))
	assert.Equal(t, "t", aws.ToString(inputs[1].NextToken))
}

func TestExplorer_DiscoverCapAndDefaultView(t *testing.T) {
	client := &mockExplorerClient{
		SearchFunc: func(ctx context.Context, params *resourceexplorer2.SearchInput, optFns ...func(*resourceexplorer2.Options)) (*resourceexplorer2.SearchOutput, error) {
			assert.Nil(t, params.ViewArn)
			return &resourceexplorer2.SearchOutput{
				Resources: []retypes.Resource{
					{Arn: aws.String("a")}, {Arn: aws.String("b")}, {Arn: aws.String("c")},
				},
				NextToken: aws.String("more"),
			}, nil
		},
	}

	records, err := NewExplorer(client, "").Discover(context.Background(), resource.Query{
		ResourceType: "lambda:function",
		Region:       "eu-west-1",
		Exclude:      blogMarker,
		MaxResults:   2,
	})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestExplorer_DiscoverError(t *testing.T) {
	client := &mockExplorerClient{
		SearchFunc: func(ctx context.Context, params *resourceexplorer2.SearchInput, optFns ...func(*resourceexplorer2.Options)) (*resourceexplorer2.SearchOutput, error) {
			return nil, errors.New("UnauthorizedException")
		},
	}

	_, err := NewExplorer(client, "").Discover(context.Background(), resource.Query{ResourceType: "sqs:queue"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqs:queue")
}
