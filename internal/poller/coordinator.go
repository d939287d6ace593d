package poller

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pixelmood/social-poller/internal/checkpoint"
	"github.com/pixelmood/social-poller/internal/config"
	"github.com/pixelmood/social-poller/internal/dispatch"
	"github.com/pixelmood/social-poller/internal/models"
	"github.com/pixelmood/social-poller/internal/observability"
	"github.com/pixelmood/social-poller/internal/ratelimit"
	"github.com/pixelmood/social-poller/internal/retry"
	"github.com/pixelmood/social-poller/internal/searchapi"
	"github.com/pixelmood/social-poller/internal/secrets"
	"github.com/pixelmood/social-poller/internal/stream"
)

// State is the coordinator's lifecycle state.
type State string

const (
	StateInit       State = "INIT"
	StateRunning    State = "RUNNING"
	StateWaiting    State = "WAITING"
	StateTerminated State = "TERMINATED"
)

// Deps wires one run's collaborators. Credential and HTTP client are scoped
// to the run and passed in explicitly; nothing is retrieved from ambient
// state.
type Deps struct {
	Config     *config.Config
	Secrets    secrets.Provider
	Store      checkpoint.Store
	Consumer   dispatch.Consumer
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	CloudWatch *observability.CloudWatchEmitter

	// NewFetcher builds the run's API client once the bearer token is
	// known. Defaults to the real search API client.
	NewFetcher func(token string) stream.Fetcher

	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
}

// Coordinator owns one execution's lifecycle: it reads the checkpoint,
// drives the page stream into the batch dispatcher, and advances the
// checkpoint after each accepted batch. One coordinator serves exactly one
// run; concurrent runs coordinate only through the checkpoint store.
type Coordinator struct {
	deps    Deps
	metrics models.ExecutionMetrics
	events  *observability.RunLogger
	known   *models.Checkpoint

	// state is read by the HTTP health handler while the run goroutine
	// writes it.
	mu    sync.Mutex
	state State
}

// New creates a coordinator for a single run.
func New(deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = retry.Sleep
	}
	if deps.NewFetcher == nil {
		apiCfg := deps.Config.API
		deps.NewFetcher = func(token string) stream.Fetcher {
			return searchapi.NewClient(apiCfg.BaseURL, token, apiCfg.Timeout)
		}
	}
	return &Coordinator{deps: deps, state: StateInit}
}

// State returns the coordinator's current lifecycle state. Safe to call
// from other goroutines.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run executes one bounded polling run from start to finish. It always
// returns a structured result; a terminal error is reported in the result,
// never swallowed.
func (c *Coordinator) Run(ctx context.Context) models.RunResult {
	cfg := c.deps.Config.Poller
	c.events = observability.NewRunLogger(c.deps.Logger)
	c.metrics.StartTime = c.deps.Now().UTC()
	c.events.ExecutionStart(cfg.SearchQuery, cfg.BatchSize, cfg.MaxRecordsPerRun)

	reason, runErr := c.execute(ctx)

	c.metrics.EndTime = c.deps.Now().UTC()
	c.setState(StateTerminated)
	c.events.ExecutionEnd(c.metrics, reason)

	result := models.RunResult{
		CorrelationID: c.events.CorrelationID(),
		Reason:        reason,
		Metrics:       c.metrics,
		Checkpoint:    c.known,
		Err:           runErr,
	}

	c.persistStatus(ctx, result)
	c.emitRunMetrics(ctx, result)
	return result
}

func (c *Coordinator) execute(ctx context.Context) (models.TerminationReason, error) {
	cfg := c.deps.Config.Poller

	token, err := c.deps.Secrets.BearerToken(ctx)
	if err != nil {
		c.recordTerminalError(err, "fetch_credential")
		return models.TerminationError, err
	}

	key := c.deps.Config.Checkpoint.Key
	current, err := c.deps.Store.Read(ctx, key)
	if err != nil {
		// A failed read degrades to a fresh start; the checkpoint's
		// conditional writes still protect against regression.
		c.metrics.Errors++
		c.events.Anomaly("checkpoint read failed, starting fresh",
			slog.String("error", err.Error()))
		current = nil
	}
	c.known = current

	sinceID := ""
	if current != nil {
		sinceID = current.Marker
	}

	policy := retry.Policy{
		Base:        cfg.BackoffBase,
		Max:         cfg.BackoffMax,
		MaxAttempts: cfg.MaxRetries,
	}

	pages := stream.New(
		c.deps.NewFetcher(token),
		ratelimit.New(cfg.RateLimitThreshold),
		policy,
		c.events,
		&c.metrics,
		stream.Config{
			Query:      cfg.SearchQuery,
			SinceID:    sinceID,
			PageSize:   c.deps.Config.API.PageSize,
			MaxRecords: cfg.MaxRecordsPerRun,
			Deadline:   c.metrics.StartTime.Add(cfg.MaxRunDuration),
		},
	).WithClock(c.deps.Now).WithSleep(c.waitingSleep)

	dispatcher := dispatch.New(c.deps.Consumer, cfg.BatchSize, policy, c.events, &c.metrics).
		WithSleep(c.waitingSleep)

	c.setState(StateRunning)
	var runErr error
	for {
		page, err := pages.Next(ctx)
		if err != nil {
			runErr = err
			c.recordTerminalError(err, "stream_page")
			break
		}
		if page == nil {
			break
		}

		batches, err := dispatcher.Add(ctx, page.Records)
		c.commit(ctx, batches)
		if err != nil {
			runErr = err
			break
		}
	}

	// Flush the buffered remainder so every fetched record is either
	// dispatched or reported. Partial batches never advance the
	// checkpoint until the consumer accepts them.
	if ctx.Err() == nil {
		batches, err := dispatcher.Flush(ctx)
		if err == nil {
			c.commit(ctx, batches)
		}
	}

	if runErr != nil {
		return models.TerminationError, runErr
	}
	return pages.EndReason(), nil
}

// commit advances the checkpoint once per accepted batch, strictly before
// the run considers itself safely past that batch.
func (c *Coordinator) commit(ctx context.Context, batches []dispatch.Batch) {
	for _, b := range batches {
		if b.MaxID == 0 {
			continue
		}
		c.advance(ctx, b.MaxID)
	}
}

func (c *Coordinator) advance(ctx context.Context, id uint64) {
	candidate := models.Checkpoint{
		Marker:    strconv.FormatUint(id, 10),
		MarkerNum: id,
		UpdatedAt: c.deps.Now().UTC(),
	}

	previous := ""
	if c.known != nil {
		previous = c.known.Marker
	}

	c.metrics.CheckpointAttempts++
	final, wrote, err := checkpoint.Advance(ctx, c.deps.Store, c.deps.Config.Checkpoint.Key, candidate, c.events.Logger())
	if err != nil {
		// Failed-and-logged: the run keeps going and the next run
		// re-reads the store fresh.
		c.metrics.Errors++
		c.events.Error(models.ErrorContext{
			Category:  string(retry.Classify(err)),
			Message:   err.Error(),
			Timestamp: c.deps.Now().UTC(),
			Context: map[string]any{
				"operation": "advance_checkpoint",
				"candidate": candidate.Marker,
			},
		})
		c.events.CheckpointUpdate(previous, candidate.Marker, false)
		return
	}

	if wrote {
		c.metrics.CheckpointUpdates++
	}
	c.known = &final
	c.events.CheckpointUpdate(previous, candidate.Marker, wrote)
}

// waitingSleep is the single suspension point: rate-limit waits and retry
// backoffs pause only this run, surfacing as the WAITING state.
func (c *Coordinator) waitingSleep(ctx context.Context, d time.Duration) error {
	c.setState(StateWaiting)
	defer c.setState(StateRunning)
	c.deps.Metrics.ObserveWait(d)
	return c.deps.Sleep(ctx, d)
}

func (c *Coordinator) recordTerminalError(err error, operation string) {
	category := retry.Classify(err)
	c.metrics.Errors++
	c.deps.Metrics.IncError(string(category))
	c.events.Error(models.ErrorContext{
		Category:  string(category),
		Message:   err.Error(),
		Timestamp: c.deps.Now().UTC(),
		Context:   map[string]any{"operation": operation},
	})
}

// persistStatus records the run outcome for the status endpoint. Best
// effort: a storage failure is logged, not raised.
func (c *Coordinator) persistStatus(ctx context.Context, result models.RunResult) {
	status := models.RunStatus{
		Status:           "success",
		LastAttempt:      c.metrics.StartTime,
		RecordsProcessed: c.metrics.RecordsProcessed,
		CorrelationID:    result.CorrelationID,
	}
	if result.Err != nil {
		status.Status = "failure"
		status.ErrorMessage = result.Err.Error()
		if prior, err := c.deps.Store.GetRunStatus(ctx); err == nil && prior != nil {
			status.LastSuccessfulRun = prior.LastSuccessfulRun
		}
	} else {
		status.LastSuccessfulRun = c.metrics.EndTime
	}

	if err := c.deps.Store.PutRunStatus(ctx, status); err != nil {
		c.events.Anomaly("failed to persist run status", slog.String("error", err.Error()))
	}
}

// emitRunMetrics publishes the run's counters. Best effort on both sinks.
func (c *Coordinator) emitRunMetrics(ctx context.Context, result models.RunResult) {
	c.deps.Metrics.ObserveRun(result)
	if c.deps.CloudWatch == nil {
		return
	}
	if err := c.deps.CloudWatch.EmitRun(ctx, result.Metrics); err != nil {
		c.events.Anomaly("failed to emit run metrics", slog.String("error", err.Error()))
	}
}
