package observability

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pixelmood/social-poller/internal/models"
)

// RunLogger emits the structured events for one run, each carrying the
// run's correlation identifier. Transport is whatever the slog handler is
// wired to; the contract here is which events fire and with which fields.
type RunLogger struct {
	log           *slog.Logger
	correlationID string
}

// NewRunLogger creates a logger for one run with a fresh correlation id.
func NewRunLogger(base *slog.Logger) *RunLogger {
	if base == nil {
		base = slog.Default()
	}
	id := uuid.NewString()
	return &RunLogger{
		log:           base.With(slog.String("correlation_id", id)),
		correlationID: id,
	}
}

// CorrelationID returns the run's correlation identifier.
func (l *RunLogger) CorrelationID() string {
	return l.correlationID
}

// Logger returns the underlying slog logger, already tagged with the run's
// correlation id, for collaborators that log directly.
func (l *RunLogger) Logger() *slog.Logger {
	return l.log
}

// ExecutionStart fires once when a run begins.
func (l *RunLogger) ExecutionStart(query string, batchSize, maxRecords int) {
	l.log.Info("execution start",
		slog.String("event", "execution_start"),
		slog.String("query", query),
		slog.Int("batch_size", batchSize),
		slog.Int("max_records", maxRecords),
	)
}

// ExecutionEnd fires once when a run terminates, with final metrics.
func (l *RunLogger) ExecutionEnd(m models.ExecutionMetrics, reason models.TerminationReason) {
	l.log.Info("execution end",
		slog.String("event", "execution_end"),
		slog.String("reason", string(reason)),
		slog.Duration("duration", m.Duration()),
		slog.Int("records_processed", m.RecordsProcessed),
		slog.Int("api_calls", m.APICalls),
		slog.Int("errors", m.Errors),
		slog.Int("batches_dispatched", m.BatchesDispatched),
		slog.Int("batches_failed", m.BatchesFailed),
		slog.Int("checkpoint_attempts", m.CheckpointAttempts),
		slog.Int("checkpoint_updates", m.CheckpointUpdates),
		slog.Int("rate_limit_waits", m.RateLimitWaits),
		slog.Duration("total_wait", m.TotalWait),
	)
}

// APICall fires for every search API request.
func (l *RunLogger) APICall(endpoint string, duration time.Duration, status, page int) {
	l.log.Info("api call",
		slog.String("event", "api_call"),
		slog.String("endpoint", endpoint),
		slog.Duration("response_time", duration),
		slog.Int("status_code", status),
		slog.Int("page", page),
	)
}

// RateLimitEncounter fires whenever the tracker requires a wait.
func (l *RunLogger) RateLimitEncounter(status models.RateLimitStatus) {
	l.log.Warn("rate limit encounter",
		slog.String("event", "rate_limit_encounter"),
		slog.Int("remaining", status.Remaining),
		slog.Int("limit", status.Limit),
		slog.Float64("utilization", status.Utilization()),
		slog.Time("reset_at", status.ResetAt),
		slog.Duration("wait", status.Wait),
	)
}

// Error fires for every classified failure, retryable or terminal.
func (l *RunLogger) Error(ec models.ErrorContext) {
	attrs := []any{
		slog.String("event", "error"),
		slog.String("category", ec.Category),
		slog.String("message", ec.Message),
		slog.Int("attempt", ec.Attempt),
		slog.Time("timestamp", ec.Timestamp),
	}
	for k, v := range ec.Context {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.log.Error("error encountered", attrs...)
}

// CheckpointUpdate fires for every checkpoint advancement attempt.
func (l *RunLogger) CheckpointUpdate(previous, next string, wrote bool) {
	l.log.Info("checkpoint update",
		slog.String("event", "checkpoint_update"),
		slog.String("previous", previous),
		slog.String("next", next),
		slog.Bool("wrote", wrote),
	)
}

// BatchDispatched fires for every batch handed to the downstream consumer.
func (l *RunLogger) BatchDispatched(number, size int, accepted bool) {
	l.log.Info("batch dispatched",
		slog.String("event", "batch_dispatched"),
		slog.Int("batch_number", number),
		slog.Int("batch_size", size),
		slog.Bool("accepted", accepted),
	)
}

// Anomaly fires for recoverable oddities that deserve operator attention
// without failing the run.
func (l *RunLogger) Anomaly(msg string, args ...any) {
	args = append([]any{slog.String("event", "anomaly")}, args...)
	l.log.Warn(msg, args...)
}
