package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// DynamoDBRecord is one credential's totals as mirrored to DynamoDB,
// one item per key plus a sentinel "__totals__" item for the
// aggregate row. Grounded on the teacher's UsageRecord/
// DynamoDBUsageStore: same attributevalue.MarshalMap + PutItem idiom,
// repurposed from per-request usage logging to a periodic full-
// document mirror of the stats snapshot.
type DynamoDBRecord struct {
	KeyID       string `dynamodbav:"key_id"`
	Requests    int64  `dynamodbav:"requests"`
	Successes   int64  `dynamodbav:"successes"`
	Failures    int64  `dynamodbav:"failures"`
	Retries     int64  `dynamodbav:"retries"`
	LastUpdated string `dynamodbav:"last_updated"`
}

// DynamoDBMirror is the optional RemoteMirror backend, enabled when
// Config.DynamoDBTableName is set.
type DynamoDBMirror struct {
	client    *dynamodb.Client
	tableName string
	ctxFunc   func() (context.Context, context.CancelFunc)
}

// NewDynamoDBMirror builds a mirror writing to tableName in region.
func NewDynamoDBMirror(ctx context.Context, region, tableName string) (*DynamoDBMirror, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("stats: load AWS config: %w", err)
	}
	return &DynamoDBMirror{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
		ctxFunc:   func() (context.Context, context.CancelFunc) { return context.WithTimeout(context.Background(), 5*time.Second) },
	}, nil
}

// Put writes one item per key plus the aggregate totals item.
func (m *DynamoDBMirror) Put(doc Document) error {
	ctx, cancel := m.ctxFunc()
	defer cancel()

	ts := doc.LastUpdated.Format(time.RFC3339)

	for keyID, totals := range doc.Keys {
		if err := m.putRecord(ctx, DynamoDBRecord{
			KeyID: keyID, Requests: totals.Requests, Successes: totals.Successes,
			Failures: totals.Failures, Retries: totals.Retries, LastUpdated: ts,
		}); err != nil {
			return err
		}
	}

	return m.putRecord(ctx, DynamoDBRecord{
		KeyID: "__totals__", Requests: doc.Totals.Requests, Successes: doc.Totals.Successes,
		Failures: doc.Totals.Failures, Retries: doc.Totals.Retries, LastUpdated: ts,
	})
}

func (m *DynamoDBMirror) putRecord(ctx context.Context, rec DynamoDBRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("stats: marshal dynamodb record: %w", err)
	}
	_, err = m.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("stats: put dynamodb item: %w", err)
	}
	return nil
}
