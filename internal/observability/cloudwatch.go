package observability

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"

	"github.com/pixelmood/social-poller/internal/models"
)

const metricNamespace = "SocialPoller"

// CloudWatchEmitter publishes per-run custom metrics at execution end.
// Emission is best-effort: a failure is the caller's to log, never to fail
// the run over.
type CloudWatchEmitter struct {
	client    cloudwatchiface.CloudWatchAPI
	namespace string
}

// NewCloudWatchEmitter creates an emitter for the given region.
func NewCloudWatchEmitter(region string) (*CloudWatchEmitter, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &CloudWatchEmitter{
		client:    cloudwatch.New(sess),
		namespace: metricNamespace,
	}, nil
}

// NewCloudWatchEmitterWithClient creates an emitter around an existing
// client. Intended for tests.
func NewCloudWatchEmitterWithClient(client cloudwatchiface.CloudWatchAPI) *CloudWatchEmitter {
	return &CloudWatchEmitter{client: client, namespace: metricNamespace}
}

// EmitRun publishes the run's counters as custom metrics.
func (e *CloudWatchEmitter) EmitRun(ctx context.Context, m models.ExecutionMetrics) error {
	datum := func(name string, value float64, unit string) *cloudwatch.MetricDatum {
		return &cloudwatch.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(value),
			Unit:       aws.String(unit),
			Timestamp:  aws.Time(m.EndTime),
		}
	}

	_, err := e.client.PutMetricDataWithContext(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(e.namespace),
		MetricData: []*cloudwatch.MetricDatum{
			datum("RecordsProcessed", float64(m.RecordsProcessed), cloudwatch.StandardUnitCount),
			datum("APICallsMade", float64(m.APICalls), cloudwatch.StandardUnitCount),
			datum("ErrorsEncountered", float64(m.Errors), cloudwatch.StandardUnitCount),
			datum("BatchesDispatched", float64(m.BatchesDispatched), cloudwatch.StandardUnitCount),
			datum("ExecutionDurationSeconds", m.Duration().Seconds(), cloudwatch.StandardUnitSeconds),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to emit run metrics: %w", err)
	}
	return nil
}
