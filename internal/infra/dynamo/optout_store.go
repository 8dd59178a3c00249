package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"optout_sync/internal/domain/optout"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Attribute names of the existing table layout. They are shared with other
// readers of the table and must not change.
const (
	AttrPartitionKey = "EventID"
	AttrSortKey      = "SK"
	AttrCompanyID    = "CompanyID"
	AttrCreatedAt    = "CreatedAt"
)

// MatchMode selects how Exists compares sort keys.
type MatchMode string

const (
	// MatchExact requires the full sort key to match.
	MatchExact MatchMode = "exact"
	// MatchPrefix matches any sort key beginning with the given one, e.g.
	// "OptOut-a@x.com" also matches a stored "OptOut-a@x.com2".
	MatchPrefix MatchMode = "prefix"
)

// API is the subset of the DynamoDB client used by OptOutStore.
// *dynamodb.Client satisfies it; tests inject fakes.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// optOutItem is the stored shape of an opt-out entry.
type optOutItem struct {
	EventID   string `dynamodbav:"EventID"`
	SK        string `dynamodbav:"SK"`
	CompanyID string `dynamodbav:"CompanyID"`
	CreatedAt string `dynamodbav:"CreatedAt"`
}

// OptOutStore implements optout.KeyValueStore on a DynamoDB table.
type OptOutStore struct {
	api       API
	tableName string
	match     MatchMode
}

// NewClient creates a DynamoDB client for region. profile selects a shared
// config profile and endpoint overrides the service endpoint; both are optional.
func NewClient(ctx context.Context, region, profile, endpoint string) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func NewOptOutStore(api API, tableName string, match MatchMode) (*OptOutStore, error) {
	if tableName == "" {
		return nil, errors.New("dynamodb table name is empty")
	}
	switch match {
	case MatchExact, MatchPrefix:
	default:
		return nil, fmt.Errorf("unknown match mode %q", match)
	}
	return &OptOutStore{api: api, tableName: tableName, match: match}, nil
}

// Exists reports whether an entry with partitionKey and sortKey is stored,
// using the configured match mode.
func (s *OptOutStore) Exists(ctx context.Context, partitionKey, sortKey string) (bool, error) {
	if s.match == MatchPrefix {
		return s.existsPrefix(ctx, partitionKey, sortKey)
	}

	result, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.tableName),
		Key:                  itemKey(partitionKey, sortKey),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("#pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": AttrPartitionKey,
		},
	})
	if err != nil {
		return false, fmt.Errorf("getting item from DynamoDB: %w", err)
	}
	return len(result.Item) > 0, nil
}

func (s *OptOutStore) existsPrefix(ctx context.Context, partitionKey, sortPrefix string) (bool, error) {
	result, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("#pk = :pk AND begins_with(#sk, :sk)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": AttrPartitionKey,
			"#sk": AttrSortKey,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partitionKey},
			":sk": &types.AttributeValueMemberS{Value: sortPrefix},
		},
		ConsistentRead: aws.Bool(true),
		Select:         types.SelectCount,
		Limit:          aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("querying DynamoDB: %w", err)
	}
	return result.Count > 0, nil
}

// PutIfAbsent writes entry unless an item with the same key exists, in which
// case it returns an error wrapping optout.ErrEntryExists.
func (s *OptOutStore) PutIfAbsent(ctx context.Context, entry optout.Entry) error {
	av, err := attributevalue.MarshalMap(optOutItem{
		EventID:   entry.Key.PartitionKey,
		SK:        entry.Key.SortKey,
		CompanyID: entry.CompanyID,
		CreatedAt: entry.CreatedAtString(),
	})
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(#pk) AND attribute_not_exists(#sk)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": AttrPartitionKey,
			"#sk": AttrSortKey,
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return fmt.Errorf("%w: %s", optout.ErrEntryExists, entry.Key.PartitionKey)
		}
		return fmt.Errorf("putting item to DynamoDB: %w", err)
	}
	return nil
}

// Get reads the entry stored under key.
func (s *OptOutStore) Get(ctx context.Context, key optout.Key) (*optout.Entry, error) {
	result, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(key.PartitionKey, key.SortKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting item from DynamoDB: %w", err)
	}
	if len(result.Item) == 0 {
		return nil, optout.ErrEntryNotFound
	}

	var item optOutItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling item: %w", err)
	}
	return itemToEntry(item)
}

func itemToEntry(item optOutItem) (*optout.Entry, error) {
	key := optout.Key{PartitionKey: item.EventID, SortKey: item.SK}
	if _, err := key.Email(); err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(optout.CreatedAtLayout, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing %s %q: %w", AttrCreatedAt, item.CreatedAt, err)
	}
	companyID := item.CompanyID
	if companyID == "" {
		// Older items carry the company only in the partition key.
		if companyID, err = optout.CompanyIDFromPartitionKey(item.EventID); err != nil {
			return nil, err
		}
	}
	return &optout.Entry{Key: key, CompanyID: companyID, CreatedAt: createdAt}, nil
}

func itemKey(partitionKey, sortKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPartitionKey: &types.AttributeValueMemberS{Value: partitionKey},
		AttrSortKey:      &types.AttributeValueMemberS{Value: sortKey},
	}
}
