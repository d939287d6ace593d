package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelmood/social-poller/internal/models"
)

func TestObserveRunFoldsCounters(t *testing.T) {
	m := NewMetrics()

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.ObserveRun(models.RunResult{
		Reason: models.TerminationExhausted,
		Metrics: models.ExecutionMetrics{
			StartTime:          start,
			EndTime:            start.Add(30 * time.Second),
			RecordsProcessed:   50,
			APICalls:           3,
			BatchesDispatched:  2,
			BatchesFailed:      1,
			CheckpointAttempts: 3,
			CheckpointUpdates:  2,
			RateLimitWaits:     1,
		},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("pagination_exhausted")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.RecordsProcessedTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.APICallsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CheckpointUpdatesTotal.WithLabelValues("written")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointUpdatesTotal.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitWaitsTotal))
}

func TestIncError(t *testing.T) {
	m := NewMetrics()
	m.IncError("rate_limited")
	m.IncError("rate_limited")
	m.IncError("unknown")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("unknown")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRun(models.RunResult{})
	m.IncError("unknown")
	m.ObserveWait(time.Second)
}

func TestRunLoggerTagsEveryEvent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	l := NewRunLogger(base)
	require.NotEmpty(t, l.CorrelationID())

	l.ExecutionStart("selfie", 25, 1000)
	l.BatchDispatched(1, 25, true)
	l.CheckpointUpdate("10", "35", true)

	dec := json.NewDecoder(&buf)
	events := []string{"execution_start", "batch_dispatched", "checkpoint_update"}
	for _, want := range events {
		var entry map[string]any
		require.NoError(t, dec.Decode(&entry))
		assert.Equal(t, want, entry["event"])
		assert.Equal(t, l.CorrelationID(), entry["correlation_id"])
	}
}

func TestRunLoggersGetDistinctCorrelationIDs(t *testing.T) {
	base := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	a := NewRunLogger(base)
	b := NewRunLogger(base)
	assert.NotEqual(t, a.CorrelationID(), b.CorrelationID())
}
