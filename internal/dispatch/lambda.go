package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"

	"github.com/pixelmood/social-poller/internal/config"
	"github.com/pixelmood/social-poller/internal/models"
)

// LambdaConsumer forwards batches to the processor function with an
// asynchronous invocation. The processor is expected to tolerate duplicate
// deliveries; no deduplication happens here.
type LambdaConsumer struct {
	client       lambdaiface.LambdaAPI
	functionName string
}

// NewLambdaConsumer creates a consumer invoking the configured function.
func NewLambdaConsumer(cfg config.DispatchConfig) (*LambdaConsumer, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &LambdaConsumer{
		client:       lambda.New(sess),
		functionName: cfg.FunctionName,
	}, nil
}

// NewLambdaConsumerWithClient creates a consumer around an existing client.
// Intended for tests.
func NewLambdaConsumerWithClient(client lambdaiface.LambdaAPI, functionName string) *LambdaConsumer {
	return &LambdaConsumer{client: client, functionName: functionName}
}

// Accept invokes the processor function with the batch payload.
func (c *LambdaConsumer) Accept(ctx context.Context, batch []models.Record) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	out, err := c.client.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(c.functionName),
		InvocationType: aws.String(lambda.InvocationTypeEvent),
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("failed to invoke %s: %w", c.functionName, err)
	}

	if out.FunctionError != nil {
		return fmt.Errorf("processor %s rejected batch: %s", c.functionName, aws.StringValue(out.FunctionError))
	}
	if status := aws.Int64Value(out.StatusCode); status >= 300 {
		return fmt.Errorf("processor %s returned status %d", c.functionName, status)
	}
	return nil
}
