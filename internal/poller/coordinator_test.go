package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelmood/social-poller/internal/checkpoint"
	"github.com/pixelmood/social-poller/internal/config"
	"github.com/pixelmood/social-poller/internal/models"
	"github.com/pixelmood/social-poller/internal/observability"
	"github.com/pixelmood/social-poller/internal/retry"
	"github.com/pixelmood/social-poller/internal/searchapi"
	"github.com/pixelmood/social-poller/internal/stream"
)

type fakeSecrets struct {
	token string
	err   error
	calls int
}

func (f *fakeSecrets) BearerToken(ctx context.Context) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type fakeConsumer struct {
	batches [][]models.Record
	err     error
}

func (f *fakeConsumer) Accept(ctx context.Context, batch []models.Record) error {
	if f.err != nil {
		return f.err
	}
	copied := make([]models.Record, len(batch))
	copy(copied, batch)
	f.batches = append(f.batches, copied)
	return nil
}

type fetchResult struct {
	resp *searchapi.Response
	err  error
}

type scriptedFetcher struct {
	results  []fetchResult
	requests []searchapi.Request
}

func (f *scriptedFetcher) Search(ctx context.Context, req searchapi.Request) (*searchapi.Response, error) {
	f.requests = append(f.requests, req)
	if len(f.results) == 0 {
		return nil, &searchapi.StatusError{StatusCode: 500, Body: "script exhausted"}
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.resp, r.err
}

func page(nextToken string, from, to uint64) *searchapi.Response {
	recs := make([]models.Record, 0, to-from+1)
	for id := from; id <= to; id++ {
		recs = append(recs, models.Record{ID: strconv.FormatUint(id, 10), IDNum: id})
	}
	return &searchapi.Response{
		Page:      models.Page{Records: recs, NextToken: nextToken},
		RateLimit: searchapi.RawRateLimit{Remaining: "100", Limit: "450"},
		Status:    200,
	}
}

func testConfig(batchSize int) *config.Config {
	return &config.Config{
		Poller: config.PollerConfig{
			SearchQuery:        "selfie",
			BatchSize:          batchSize,
			MaxRecordsPerRun:   1000,
			MaxRunDuration:     14 * time.Minute,
			RateLimitThreshold: 0.2,
			BackoffBase:        time.Millisecond,
			BackoffMax:         10 * time.Millisecond,
			MaxRetries:         3,
			PollInterval:       time.Minute,
		},
		API:        config.APIConfig{BaseURL: "https://search.example.com", Timeout: time.Second, PageSize: 100},
		Checkpoint: config.CheckpointConfig{Type: "memory", Key: "checkpoint"},
	}
}

func testDeps(cfg *config.Config, store checkpoint.Store, fetcher stream.Fetcher, consumer *fakeConsumer, secrets *fakeSecrets) Deps {
	return Deps{
		Config:   cfg,
		Secrets:  secrets,
		Store:    store,
		Consumer: consumer,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  observability.NewMetrics(),
		NewFetcher: func(token string) stream.Fetcher {
			return fetcher
		},
		Sleep: func(ctx context.Context, d time.Duration) error { return nil },
	}
}

func TestRunBatchesAcrossPagesAndCheckpointsOnce(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	fetcher := &scriptedFetcher{results: []fetchResult{
		{resp: page("tok-2", 1, 15)},
		{resp: page("", 16, 25)},
	}}
	consumer := &fakeConsumer{}
	c := New(testDeps(testConfig(25), store, fetcher, consumer, &fakeSecrets{token: "tok"}))

	result := c.Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, models.TerminationExhausted, result.Reason)
	assert.Equal(t, StateTerminated, c.State())

	// 15 + 10 records with a batch size of 25 make exactly one batch.
	require.Len(t, consumer.batches, 1)
	assert.Len(t, consumer.batches[0], 25)
	assert.Equal(t, 25, result.Metrics.RecordsProcessed)
	assert.Equal(t, 1, result.Metrics.BatchesDispatched)

	// And exactly one checkpoint write, to the batch's max id.
	assert.Equal(t, 1, result.Metrics.CheckpointAttempts)
	assert.Equal(t, 1, result.Metrics.CheckpointUpdates)
	stored, err := store.Read(context.Background(), "checkpoint")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, uint64(25), stored.MarkerNum)

	require.NotNil(t, result.Checkpoint)
	assert.Equal(t, "25", result.Checkpoint.Marker)
	assert.NotEmpty(t, result.CorrelationID)
}

func TestRunFlushesPartialBatch(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	fetcher := &scriptedFetcher{results: []fetchResult{
		{resp: page("", 1, 7)},
	}}
	consumer := &fakeConsumer{}
	c := New(testDeps(testConfig(25), store, fetcher, consumer, &fakeSecrets{token: "tok"}))

	result := c.Run(context.Background())
	require.NoError(t, result.Err)

	require.Len(t, consumer.batches, 1)
	assert.Len(t, consumer.batches[0], 7)

	stored, err := store.Read(context.Background(), "checkpoint")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, uint64(7), stored.MarkerNum)
}

func TestRunResumesFromStoredCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	seed, err := models.NewCheckpoint("500", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, store.Update(context.Background(), "checkpoint", nil, seed))

	fetcher := &scriptedFetcher{results: []fetchResult{
		{resp: page("", 501, 503)},
	}}
	consumer := &fakeConsumer{}
	c := New(testDeps(testConfig(25), store, fetcher, consumer, &fakeSecrets{token: "tok"}))

	result := c.Run(context.Background())
	require.NoError(t, result.Err)

	require.NotEmpty(t, fetcher.requests)
	assert.Equal(t, "500", fetcher.requests[0].SinceID)

	stored, err := store.Read(context.Background(), "checkpoint")
	require.NoError(t, err)
	assert.Equal(t, uint64(503), stored.MarkerNum)
}

func TestRunStopsAtRecordCap(t *testing.T) {
	cfg := testConfig(2)
	cfg.Poller.MaxRecordsPerRun = 4

	store := checkpoint.NewMemoryStore()
	fetcher := &scriptedFetcher{results: []fetchResult{
		{resp: page("tok-2", 1, 2)},
		{resp: page("tok-3", 3, 4)},
		{resp: page("tok-4", 5, 6)},
	}}
	consumer := &fakeConsumer{}
	c := New(testDeps(cfg, store, fetcher, consumer, &fakeSecrets{token: "tok"}))

	result := c.Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, models.TerminationRecordCap, result.Reason)
	assert.Len(t, fetcher.requests, 2)
	assert.Len(t, consumer.batches, 2)

	stored, err := store.Read(context.Background(), "checkpoint")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stored.MarkerNum)
}

func TestRunInvalidCredentialIsTerminal(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	seed, err := models.NewCheckpoint("10", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, store.Update(context.Background(), "checkpoint", nil, seed))

	fetcher := &scriptedFetcher{}
	consumer := &fakeConsumer{}
	secrets := &fakeSecrets{err: fmt.Errorf("parameter empty: %w", retry.ErrInvalidCredential)}
	c := New(testDeps(testConfig(25), store, fetcher, consumer, secrets))

	result := c.Run(context.Background())
	require.Error(t, result.Err)
	assert.Equal(t, models.TerminationError, result.Reason)

	// No API call, no batch, no checkpoint movement.
	assert.Empty(t, fetcher.requests)
	assert.Empty(t, consumer.batches)
	stored, err := store.Read(context.Background(), "checkpoint")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), stored.MarkerNum)

	status, err := store.GetRunStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "failure", status.Status)
	assert.NotEmpty(t, status.ErrorMessage)
}

func TestRunTerminalAPIFailure(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	fetcher := &scriptedFetcher{results: []fetchResult{
		{err: &searchapi.StatusError{StatusCode: 401, Body: "unauthorized"}},
	}}
	consumer := &fakeConsumer{}
	c := New(testDeps(testConfig(25), store, fetcher, consumer, &fakeSecrets{token: "tok"}))

	result := c.Run(context.Background())
	require.Error(t, result.Err)
	assert.Equal(t, models.TerminationError, result.Reason)
	assert.Empty(t, consumer.batches)

	stored, err := store.Read(context.Background(), "checkpoint")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRunCheckpointNeverRegresses(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	seed, err := models.NewCheckpoint("1000", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, store.Update(context.Background(), "checkpoint", nil, seed))

	// A replayed page of older records is dispatched (at-least-once) but
	// must not pull the checkpoint backwards.
	fetcher := &scriptedFetcher{results: []fetchResult{
		{resp: page("", 1, 5)},
	}}
	consumer := &fakeConsumer{}
	cfg := testConfig(5)
	c := New(testDeps(cfg, store, fetcher, consumer, &fakeSecrets{token: "tok"}))

	result := c.Run(context.Background())
	require.NoError(t, result.Err)
	assert.Len(t, consumer.batches, 1)
	assert.Equal(t, 1, result.Metrics.CheckpointAttempts)
	assert.Equal(t, 0, result.Metrics.CheckpointUpdates)

	stored, err := store.Read(context.Background(), "checkpoint")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), stored.MarkerNum)
}

func TestRunFailedBatchDoesNotCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	fetcher := &scriptedFetcher{results: []fetchResult{
		{resp: page("", 1, 5)},
	}}
	consumer := &fakeConsumer{err: &searchapi.StatusError{StatusCode: 400, Body: "rejected"}}
	c := New(testDeps(testConfig(5), store, fetcher, consumer, &fakeSecrets{token: "tok"}))

	result := c.Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Metrics.BatchesFailed)
	assert.Equal(t, 0, result.Metrics.CheckpointAttempts)

	stored, err := store.Read(context.Background(), "checkpoint")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRunPersistsSuccessStatus(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	fetcher := &scriptedFetcher{results: []fetchResult{
		{resp: page("", 1, 3)},
	}}
	consumer := &fakeConsumer{}
	c := New(testDeps(testConfig(25), store, fetcher, consumer, &fakeSecrets{token: "tok"}))

	result := c.Run(context.Background())
	require.NoError(t, result.Err)

	status, err := store.GetRunStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "success", status.Status)
	assert.Equal(t, 3, status.RecordsProcessed)
	assert.Equal(t, result.CorrelationID, status.CorrelationID)
	assert.False(t, status.LastSuccessfulRun.IsZero())
}

func TestServiceStateSafeForConcurrentReads(t *testing.T) {
	cfg := testConfig(25)
	cfg.Poller.RunOnce = true

	store := checkpoint.NewMemoryStore()
	fetcher := &scriptedFetcher{results: []fetchResult{
		{resp: page("tok-2", 1, 30)},
		{resp: page("", 31, 60)},
	}}
	consumer := &fakeConsumer{}
	svc := NewService(testDeps(cfg, store, fetcher, consumer, &fakeSecrets{token: "tok"}))

	// Poll the state from another goroutine for the run's whole lifetime,
	// the way the health endpoint does.
	done := make(chan struct{})
	seen := make(chan State, 1024)
	go func() {
		defer close(seen)
		for {
			select {
			case <-done:
				return
			default:
				seen <- svc.State()
			}
		}
	}()

	err := svc.Start(context.Background())
	close(done)
	require.NoError(t, err)

	for state := range seen {
		switch state {
		case StateInit, StateRunning, StateWaiting, StateTerminated:
		default:
			t.Fatalf("observed invalid state %q", state)
		}
	}
	assert.Equal(t, StateTerminated, svc.State())
}

func TestServiceRunOnce(t *testing.T) {
	cfg := testConfig(25)
	cfg.Poller.RunOnce = true

	store := checkpoint.NewMemoryStore()
	fetcher := &scriptedFetcher{results: []fetchResult{
		{resp: page("", 1, 3)},
	}}
	consumer := &fakeConsumer{}
	svc := NewService(testDeps(cfg, store, fetcher, consumer, &fakeSecrets{token: "tok"}))

	err := svc.Start(context.Background())
	require.NoError(t, err)
	assert.Len(t, consumer.batches, 1)
	assert.Equal(t, StateTerminated, svc.State())
}
