package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctEvent(id, source string) cttypes.Event {
	return cttypes.Event{
		EventId:         aws.String(id),
		EventName:       aws.String("RunInstances"),
		EventSource:     aws.String(source),
		Username:        aws.String("alice"),
		CloudTrailEvent: aws.String(`{"userIdentity":{"type":"IAMUser","userName":"alice"}}`),
		Resources: []cttypes.Resource{{
			ResourceType: aws.String("AWS::EC2::Instance"),
			ResourceName: aws.String("i-1"),
		}},
	}
}

func TestEventLookup_Lookup(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var inputs []*cloudtrail.LookupEventsInput

	client := &mockCloudTrailClient{
		LookupEventsFunc: func(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
			inputs = append(inputs, params)
			if params.NextToken == nil {
				return &cloudtrail.LookupEventsOutput{
					Events: []cttypes.Event{
						ctEvent("e1", "ec2.amazonaws.com"),
						ctEvent("e2", "other.amazonaws.com"),
					},
					NextToken: aws.String("page-2"),
				}, nil
			}
			return &cloudtrail.LookupEventsOutput{
				Events: []cttypes.Event{ctEvent("e3", "ec2.amazonaws.com")},
			}, nil
		},
	}

	lookup := NewEventLookup(client, time.Hour, 0)
	lookup.now = func() time.Time { return now }

	events, err := lookup.Lookup(context.Background(), "RunInstances", "ec2.amazonaws.com")
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "e3", events[1].ID)
	assert.Equal(t, "alice", events[0].Username)
	assert.Contains(t, events[0].Raw, "IAMUser")
	require.Len(t, events[0].Resources, 1)
	assert.Equal(t, "i-1", events[0].Resources[0].Name)

	require.Len(t, inputs, 2)
	first := inputs[0]
	require.Len(t, first.LookupAttributes, 1)
	assert.Equal(t, cttypes.LookupAttributeKeyEventName, first.LookupAttributes[0].AttributeKey)
	assert.Equal(t, "RunInstances", aws.ToString(first.LookupAttributes[0].AttributeValue))
	assert.Equal(t, now, aws.ToTime(first.EndTime))
	assert.Equal(t, now.Add(-time.Hour), aws.ToTime(first.StartTime))
	assert.Equal(t, int32(50), aws.ToInt32(first.MaxResults))
	assert.Equal(t, "page-2", aws.ToString(inputs[1].NextToken))
}

func TestEventLookup_StopsAtCap(t *testing.T) {
	calls := 0
	client := &mockCloudTrailClient{
		LookupEventsFunc: func(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
			calls++
			return &cloudtrail.LookupEventsOutput{
				Events: []cttypes.Event{
					ctEvent("a", "s3.amazonaws.com"),
					ctEvent("b", "s3.amazonaws.com"),
				},
				NextToken: aws.String("more"),
			}, nil
		},
	}

	events, err := NewEventLookup(client, 0, 3).Lookup(context.Background(), "CreateBucket", "s3.amazonaws.com")
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Equal(t, 2, calls)
}

func TestEventLookup_Defaults(t *testing.T) {
	lookup := NewEventLookup(&mockCloudTrailClient{}, 0, 0)
	assert.Equal(t, DefaultEventWindow, lookup.window)
	assert.Equal(t, DefaultEventMaxResults, lookup.maxResults)
	assert.Equal(t, 240*time.Hour, DefaultEventWindow)
}

func TestEventLookup_Error(t *testing.T) {
	client := &mockCloudTrailClient{
		LookupEventsFunc: func(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
			return nil, errors.New("throttled")
		},
	}

	events, err := NewEventLookup(client, 0, 0).Lookup(context.Background(), "CreateTable", "dynamodb.amazonaws.com")
	require.Error(t, err)
	assert.Nil(t, events)
	assert.ErrorIs(t, err, ErrLookupFailed)
	assert.Contains(t, err.Error(), "throttled")
}
