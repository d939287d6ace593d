package dispatch

import (
	"context"
	"time"

	"github.com/pixelmood/social-poller/internal/models"
	"github.com/pixelmood/social-poller/internal/observability"
	"github.com/pixelmood/social-poller/internal/retry"
)

// Consumer is the downstream accept-batch contract. Accept returns nil on
// ack; any error is a nack the dispatcher may retry at this call site.
type Consumer interface {
	Accept(ctx context.Context, batch []models.Record) error
}

// Batch describes one accepted batch.
type Batch struct {
	Number int
	Size   int
	MaxID  uint64
}

// Dispatcher groups streamed records into fixed-size batches and forwards
// each to the downstream consumer. It buffers at most one batch's worth of
// records, so memory is bounded by batch size rather than result-set size.
type Dispatcher struct {
	consumer  Consumer
	batchSize int
	policy    retry.Policy
	events    *observability.RunLogger
	metrics   *models.ExecutionMetrics
	sleep     func(context.Context, time.Duration) error

	pending []models.Record
	seq     int
}

// New creates a dispatcher. The metrics accumulator belongs to the run that
// owns this dispatcher.
func New(consumer Consumer, batchSize int, policy retry.Policy, events *observability.RunLogger, metrics *models.ExecutionMetrics) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 25
	}
	return &Dispatcher{
		consumer:  consumer,
		batchSize: batchSize,
		policy:    policy,
		events:    events,
		metrics:   metrics,
		sleep:     retry.Sleep,
		pending:   make([]models.Record, 0, batchSize),
	}
}

// WithSleep overrides the dispatcher's sleep function. Intended for tests
// and for the coordinator's waiting-state bookkeeping.
func (d *Dispatcher) WithSleep(sleep func(context.Context, time.Duration) error) *Dispatcher {
	d.sleep = sleep
	return d
}

// Pending returns the number of buffered records. Never exceeds the batch
// size.
func (d *Dispatcher) Pending() int {
	return len(d.pending)
}

// Add buffers records and forwards every completed batch, returning the
// batches the consumer accepted.
func (d *Dispatcher) Add(ctx context.Context, records []models.Record) ([]Batch, error) {
	d.pending = append(d.pending, records...)

	var accepted []Batch
	for len(d.pending) >= d.batchSize {
		batch := make([]models.Record, d.batchSize)
		copy(batch, d.pending[:d.batchSize])

		rest := make([]models.Record, len(d.pending)-d.batchSize)
		copy(rest, d.pending[d.batchSize:])
		d.pending = rest

		if ctx.Err() != nil {
			return accepted, ctx.Err()
		}
		if b, ok := d.send(ctx, batch); ok {
			accepted = append(accepted, b)
		}
	}
	return accepted, nil
}

// Flush forwards any buffered remainder as a final, smaller batch.
func (d *Dispatcher) Flush(ctx context.Context) ([]Batch, error) {
	if len(d.pending) == 0 {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	batch := d.pending
	d.pending = make([]models.Record, 0, d.batchSize)

	if b, ok := d.send(ctx, batch); ok {
		return []Batch{b}, nil
	}
	return nil, nil
}

// send forwards one batch, retrying nacks per the retry policy. A batch
// that exhausts its retries is recorded and counted but does not halt the
// run; later batches carry no dependency on it.
func (d *Dispatcher) send(ctx context.Context, batch []models.Record) (Batch, bool) {
	d.seq++
	info := Batch{Number: d.seq, Size: len(batch), MaxID: maxID(batch)}

	for attempt := 0; ; attempt++ {
		err := d.consumer.Accept(ctx, batch)
		if err == nil {
			d.metrics.BatchesDispatched++
			d.metrics.RecordsProcessed += len(batch)
			d.events.BatchDispatched(info.Number, info.Size, true)
			return info, true
		}

		d.metrics.Errors++
		d.events.Error(models.ErrorContext{
			Category:  string(retry.Classify(err)),
			Message:   err.Error(),
			Attempt:   attempt,
			Timestamp: time.Now().UTC(),
			Context: map[string]any{
				"operation":    "dispatch_batch",
				"batch_number": info.Number,
				"batch_size":   info.Size,
			},
		})

		decision := d.policy.Decide(err, attempt)
		if !decision.Retry {
			break
		}
		d.metrics.TotalWait += decision.Delay
		if err := d.sleep(ctx, decision.Delay); err != nil {
			break
		}
	}

	d.metrics.BatchesFailed++
	d.events.BatchDispatched(info.Number, info.Size, false)
	return info, false
}

func maxID(batch []models.Record) uint64 {
	var max uint64
	for _, r := range batch {
		if r.IDNum > max {
			max = r.IDNum
		}
	}
	return max
}
