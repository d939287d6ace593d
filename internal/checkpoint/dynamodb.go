package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/pixelmood/social-poller/internal/config"
	"github.com/pixelmood/social-poller/internal/models"
)

const runStatusKey = "run_status"

// DynamoDBStore implements Store using AWS DynamoDB conditional writes.
type DynamoDBStore struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a new DynamoDB checkpoint store.
func NewDynamoDBStore(cfg config.CheckpointConfig) (*DynamoDBStore, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	store := &DynamoDBStore{
		client:    dynamodb.New(sess),
		tableName: cfg.TableName,
	}

	// Create table if it doesn't exist (for local testing)
	if err := store.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure table exists: %w", err)
	}

	return store, nil
}

// ensureTable creates the DynamoDB table if it doesn't exist
func (d *DynamoDBStore) ensureTable() error {
	_, err := d.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})

	if err == nil {
		return nil // Table already exists
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(d.tableName),
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String("id"),
				KeyType:       aws.String("HASH"),
			},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String("id"),
				AttributeType: aws.String("S"),
			},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	}

	_, err = d.client.CreateTable(input)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	return d.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
}

// Read returns the checkpoint stored under key. A marker that fails numeric
// parsing is quarantined under corrupt_marker and reported as absent so the
// run can proceed as a fresh start.
func (d *DynamoDBStore) Read(ctx context.Context, key string) (*models.Checkpoint, error) {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String(key)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", key, err)
	}

	if result.Item == nil {
		return nil, nil
	}

	markerAttr := result.Item["marker"]
	numAttr := result.Item["marker_num"]
	if markerAttr == nil || markerAttr.S == nil || numAttr == nil || numAttr.N == nil {
		return nil, d.quarantine(ctx, key, result.Item)
	}

	markerNum, err := strconv.ParseUint(aws.StringValue(numAttr.N), 10, 64)
	if err != nil {
		return nil, d.quarantine(ctx, key, result.Item)
	}

	cp := &models.Checkpoint{
		Marker:    aws.StringValue(markerAttr.S),
		MarkerNum: markerNum,
	}
	if at := result.Item["updated_at"]; at != nil && at.S != nil {
		if t, err := time.Parse(time.RFC3339, aws.StringValue(at.S)); err == nil {
			cp.UpdatedAt = t
		}
	}
	return cp, nil
}

// quarantine moves an unparsable marker aside so forensics stay possible
// while subsequent runs start fresh.
func (d *DynamoDBStore) quarantine(ctx context.Context, key string, item map[string]*dynamodb.AttributeValue) error {
	raw := "<missing>"
	if m := item["marker"]; m != nil && m.S != nil {
		raw = aws.StringValue(m.S)
	}
	slog.Warn("corrupt checkpoint quarantined",
		slog.String("key", key),
		slog.String("raw_marker", raw),
	)

	_, err := d.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String(key)},
		},
		UpdateExpression: aws.String("SET corrupt_marker = :raw REMOVE marker, marker_num"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":raw": {S: aws.String(raw)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to quarantine corrupt checkpoint %s: %w", key, err)
	}
	return nil
}

// Update performs the conditional write. With expected nil the numeric
// marker must not exist yet; otherwise the stored numeric marker must equal
// the expected one.
func (d *DynamoDBStore) Update(ctx context.Context, key string, expected *models.Checkpoint, cp models.Checkpoint) error {
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String(key)},
		},
		UpdateExpression: aws.String("SET marker = :marker, marker_num = :num, updated_at = :at"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":marker": {S: aws.String(cp.Marker)},
			":num":    {N: aws.String(strconv.FormatUint(cp.MarkerNum, 10))},
			":at":     {S: aws.String(cp.UpdatedAt.UTC().Format(time.RFC3339))},
		},
	}

	if expected == nil {
		input.ConditionExpression = aws.String("attribute_not_exists(marker_num)")
	} else {
		input.ConditionExpression = aws.String("marker_num = :expected")
		input.ExpressionAttributeValues[":expected"] = &dynamodb.AttributeValue{
			N: aws.String(strconv.FormatUint(expected.MarkerNum, 10)),
		}
	}

	_, err := d.client.UpdateItemWithContext(ctx, input)
	if err != nil {
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && awsErr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return ErrConflict
		}
		return fmt.Errorf("failed to update checkpoint %s: %w", key, err)
	}
	return nil
}

// PutRunStatus persists the outcome of the most recent run under a fixed key.
func (d *DynamoDBStore) PutRunStatus(ctx context.Context, status models.RunStatus) error {
	item, err := dynamodbattribute.MarshalMap(status)
	if err != nil {
		return fmt.Errorf("failed to marshal run status: %w", err)
	}
	item["id"] = &dynamodb.AttributeValue{S: aws.String(runStatusKey)}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to store run status: %w", err)
	}
	return nil
}

// GetRunStatus retrieves the most recent run outcome.
func (d *DynamoDBStore) GetRunStatus(ctx context.Context) (*models.RunStatus, error) {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String(runStatusKey)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get run status: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var status models.RunStatus
	if err := dynamodbattribute.UnmarshalMap(result.Item, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run status: %w", err)
	}
	return &status, nil
}

// Close is a no-op; the DynamoDB client holds no connection state.
func (d *DynamoDBStore) Close(ctx context.Context) error {
	return nil
}
