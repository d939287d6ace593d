package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pixelmood/social-poller/internal/models"
	"github.com/pixelmood/social-poller/internal/observability"
	"github.com/pixelmood/social-poller/internal/ratelimit"
	"github.com/pixelmood/social-poller/internal/retry"
	"github.com/pixelmood/social-poller/internal/searchapi"
)

// Fetcher issues one page fetch against the search API.
type Fetcher interface {
	Search(ctx context.Context, req searchapi.Request) (*searchapi.Response, error)
}

// Config bounds one stream.
type Config struct {
	Query      string
	SinceID    string
	PageSize   int
	MaxRecords int
	Deadline   time.Time
}

// Stream is a lazy, finite, non-restartable sequence of pages. Each pull
// waits out the rate limiter, issues one API call with retry, and yields
// the page's records plus continuation state. Memory held never exceeds
// one page.
type Stream struct {
	fetcher Fetcher
	tracker *ratelimit.Tracker
	policy  retry.Policy
	events  *observability.RunLogger
	metrics *models.ExecutionMetrics
	cfg     Config

	nextToken string
	started   bool
	done      bool
	endReason models.TerminationReason
	pages     int
	records   int
	last      models.RateLimitStatus

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a stream. The metrics accumulator belongs to the run that
// owns this stream.
func New(fetcher Fetcher, tracker *ratelimit.Tracker, policy retry.Policy, events *observability.RunLogger, metrics *models.ExecutionMetrics, cfg Config) *Stream {
	return &Stream{
		fetcher: fetcher,
		tracker: tracker,
		policy:  policy,
		events:  events,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
		sleep:   retry.Sleep,
	}
}

// WithClock overrides the stream's clock. Intended for tests.
func (s *Stream) WithClock(now func() time.Time) *Stream {
	s.now = now
	return s
}

// WithSleep overrides the stream's sleep function.
func (s *Stream) WithSleep(sleep func(context.Context, time.Duration) error) *Stream {
	s.sleep = sleep
	return s
}

// EndReason reports why the sequence ended. Valid once Next has returned
// (nil, nil).
func (s *Stream) EndReason() models.TerminationReason {
	return s.endReason
}

// Next pulls the next page. It returns (nil, nil) when the sequence ends
// cleanly: no continuation token remains, the record cap is reached, or the
// deadline has passed. A terminal fetch failure returns an error and ends
// the sequence.
func (s *Stream) Next(ctx context.Context) (*models.Page, error) {
	if s.done {
		return nil, nil
	}

	// Termination conditions are checked before each pull, so a run is
	// never interrupted mid-call.
	if !s.cfg.Deadline.IsZero() && !s.now().Before(s.cfg.Deadline) {
		return s.finish(models.TerminationDeadline)
	}
	if s.cfg.MaxRecords > 0 && s.records >= s.cfg.MaxRecords {
		return s.finish(models.TerminationRecordCap)
	}
	if s.started && s.nextToken == "" {
		return s.finish(models.TerminationExhausted)
	}

	if s.last.ShouldWait {
		s.metrics.RateLimitWaits++
		s.metrics.TotalWait += s.last.Wait
		s.events.RateLimitEncounter(s.last)
		if err := s.sleep(ctx, s.last.Wait); err != nil {
			s.done = true
			return nil, err
		}
	}

	resp, err := s.fetch(ctx)
	if err != nil {
		s.done = true
		s.endReason = models.TerminationError
		return nil, err
	}

	s.started = true
	s.nextToken = resp.Page.NextToken
	s.last = s.tracker.Parse(ratelimit.Headers{
		Remaining: resp.RateLimit.Remaining,
		Limit:     resp.RateLimit.Limit,
		Reset:     resp.RateLimit.Reset,
	})

	if len(resp.Page.Records) == 0 && s.nextToken == "" {
		return s.finish(models.TerminationExhausted)
	}

	s.pages++
	s.records += len(resp.Page.Records)

	page := resp.Page
	page.Number = s.pages
	return &page, nil
}

// rateLimitedDelay derives the wait for a 429 from the rate-limit headers
// the rejection carried, so the retry lands after the window resets rather
// than mid-window. Without usable headers the backoff delay stands.
func (s *Stream) rateLimitedDelay(err error, backoff time.Duration) time.Duration {
	var statusErr *searchapi.StatusError
	if errors.As(err, &statusErr) {
		status := s.tracker.Parse(ratelimit.Headers{
			Remaining: statusErr.RateLimit.Remaining,
			Limit:     statusErr.RateLimit.Limit,
			Reset:     statusErr.RateLimit.Reset,
		})
		if status.ShouldWait && status.Wait > backoff {
			s.metrics.RateLimitWaits++
			s.events.RateLimitEncounter(status)
			return status.Wait
		}
	}
	return backoff
}

func (s *Stream) finish(reason models.TerminationReason) (*models.Page, error) {
	s.done = true
	s.endReason = reason
	return nil, nil
}

// fetch issues one API call, retrying per the classification policy.
func (s *Stream) fetch(ctx context.Context) (*searchapi.Response, error) {
	req := searchapi.Request{
		Query:      s.cfg.Query,
		SinceID:    s.cfg.SinceID,
		NextToken:  s.nextToken,
		MaxResults: s.cfg.PageSize,
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := s.fetcher.Search(ctx, req)
		s.metrics.APICalls++
		if err == nil {
			s.events.APICall("search_recent", resp.Duration, resp.Status, s.pages+1)
			return resp, nil
		}

		lastErr = err
		s.metrics.Errors++
		category := retry.Classify(err)
		s.events.Error(models.ErrorContext{
			Category:  string(category),
			Message:   err.Error(),
			Attempt:   attempt,
			Timestamp: s.now().UTC(),
			Context: map[string]any{
				"operation": "search_records",
				"page":      s.pages + 1,
				"since_id":  s.cfg.SinceID,
			},
		})

		decision := s.policy.Decide(err, attempt)
		if !decision.Retry {
			return nil, fmt.Errorf("search failed after %d attempts: %w", attempt+1, lastErr)
		}

		delay := decision.Delay
		if category == retry.CategoryRateLimited {
			delay = s.rateLimitedDelay(err, delay)
		}
		s.metrics.TotalWait += delay
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}
