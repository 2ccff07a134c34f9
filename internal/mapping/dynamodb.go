package mapping

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/yairfalse/autotag/pkg/resource"
)

// DynamoDBAPI is the subset of the DynamoDB client the mapping store uses.
type DynamoDBAPI interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoDBStore keeps one mapping entry per table row, ordered by the
// numeric ID attribute.
type DynamoDBStore struct {
	client DynamoDBAPI
	table  string
}

// NewDynamoDBStore creates a store over table.
func NewDynamoDBStore(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, table: table}
}

// Name returns the backend identifier.
func (s *DynamoDBStore) Name() string {
	return "dynamodb"
}

// Load scans the whole table.
func (s *DynamoDBStore) Load(ctx context.Context) ([]resource.Mapping, error) {
	var (
		entries  []resource.Mapping
		startKey map[string]types.AttributeValue
	)

	for {
		output, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan mapping table %s: %w", s.table, err)
		}

		for _, item := range output.Items {
			entry, err := decodeItem(item)
			if err != nil {
				return nil, fmt.Errorf("decode mapping row in %s: %w", s.table, err)
			}
			entries = append(entries, entry)
		}

		if len(output.LastEvaluatedKey) == 0 {
			break
		}
		startKey = output.LastEvaluatedKey
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return loaded(s.Name(), entries)
}

// Save writes one row per entry with its position as the ID. Rows beyond
// len(entries) are left in place.
func (s *DynamoDBStore) Save(ctx context.Context, entries []resource.Mapping) error {
	for i, e := range entries {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      encodeItem(i, e),
		})
		if err != nil {
			return fmt.Errorf("put mapping row %d in %s: %w", i, s.table, err)
		}
	}
	return nil
}

func decodeItem(item map[string]types.AttributeValue) (resource.Mapping, error) {
	var m resource.Mapping

	for name, value := range item {
		switch name {
		case "ID":
			n, ok := value.(*types.AttributeValueMemberN)
			if !ok {
				return m, fmt.Errorf("attribute ID is not a number")
			}
			id, err := strconv.Atoi(n.Value)
			if err != nil {
				return m, fmt.Errorf("attribute ID: %w", err)
			}
			m.ID = id
		case "CTEventName":
			m.EventName = stringValue(value)
		case "CTEventSource":
			m.EventSource = stringValue(value)
		case "REResourceType":
			m.ResourceType = stringValue(value)
		case "Global":
			if b, ok := value.(*types.AttributeValueMemberBOOL); ok {
				m.Global = b.Value
			}
		}
	}

	return m, nil
}

func stringValue(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func encodeItem(id int, e resource.Mapping) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"ID":             &types.AttributeValueMemberN{Value: strconv.Itoa(id)},
		"CTEventName":    &types.AttributeValueMemberS{Value: e.EventName},
		"CTEventSource":  &types.AttributeValueMemberS{Value: e.EventSource},
		"REResourceType": &types.AttributeValueMemberS{Value: e.ResourceType},
		"Global":         &types.AttributeValueMemberBOOL{Value: e.Global},
	}
}
