package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/stretchr/testify/assert"

	"github.com/pixelmood/social-poller/internal/searchapi"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryUnknown},
		{"rate limited", &searchapi.StatusError{StatusCode: 429}, CategoryRateLimited},
		{"unauthorized", &searchapi.StatusError{StatusCode: 401}, CategoryAuthorization},
		{"forbidden", &searchapi.StatusError{StatusCode: 403}, CategoryAuthorization},
		{"bad request", &searchapi.StatusError{StatusCode: 400}, CategoryMalformedRequest},
		{"server error", &searchapi.StatusError{StatusCode: 503}, CategoryServer},
		{"odd status", &searchapi.StatusError{StatusCode: 418}, CategoryUnknown},
		{"wrapped status", fmt.Errorf("fetch: %w", &searchapi.StatusError{StatusCode: 500}), CategoryServer},
		{"throughput exceeded", awserr.New(dynamodb.ErrCodeProvisionedThroughputExceededException, "slow down", nil), CategoryStorageThrottled},
		{"throttling", awserr.New("ThrottlingException", "slow down", nil), CategoryStorageThrottled},
		{"table missing", awserr.New(dynamodb.ErrCodeResourceNotFoundException, "no table", nil), CategoryStorageNotFound},
		{"parameter missing", awserr.New(ssm.ErrCodeParameterNotFound, "no parameter", nil), CategoryInvalidCredential},
		{"expired token", awserr.New("ExpiredTokenException", "expired", nil), CategoryInvalidCredential},
		{"credential sentinel", fmt.Errorf("token empty: %w", ErrInvalidCredential), CategoryInvalidCredential},
		{"deadline", context.DeadlineExceeded, CategoryTransientNetwork},
		{"net timeout", timeoutErr{}, CategoryTransientNetwork},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, CategoryTransientNetwork},
		{"unknown", errors.New("boom"), CategoryUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Category{CategoryTransientNetwork, CategoryRateLimited, CategoryServer, CategoryStorageThrottled}
	for _, cat := range retryable {
		assert.True(t, Retryable(cat), string(cat))
	}
	terminal := []Category{CategoryAuthorization, CategoryMalformedRequest, CategoryInvalidCredential, CategoryStorageNotFound, CategoryUnknown}
	for _, cat := range terminal {
		assert.False(t, Retryable(cat), string(cat))
	}
}

func TestUnjitteredBackoffDoublesAndCaps(t *testing.T) {
	base := time.Second
	max := 300 * time.Second

	var prev time.Duration
	for attempt := 0; attempt < 12; attempt++ {
		d := UnjitteredBackoff(attempt, base, max)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, max, "attempt %d", attempt)
		prev = d
	}

	assert.Equal(t, time.Second, UnjitteredBackoff(0, base, max))
	assert.Equal(t, 2*time.Second, UnjitteredBackoff(1, base, max))
	assert.Equal(t, 16*time.Second, UnjitteredBackoff(4, base, max))
	assert.Equal(t, max, UnjitteredBackoff(20, base, max))
}

func TestBackoffJitterIsAdditiveAndBounded(t *testing.T) {
	base := time.Second
	max := 300 * time.Second

	for attempt := 0; attempt < 6; attempt++ {
		floor := UnjitteredBackoff(attempt, base, max)
		for i := 0; i < 50; i++ {
			d := Backoff(attempt, base, max)
			assert.GreaterOrEqual(t, d, floor+time.Duration(0.1*float64(floor)))
			assert.LessOrEqual(t, d, floor+time.Duration(0.3*float64(floor))+time.Millisecond)
		}
	}
}

func TestDecide(t *testing.T) {
	p := Policy{Base: time.Second, Max: 300 * time.Second, MaxAttempts: 5}

	d := p.Decide(&searchapi.StatusError{StatusCode: 429}, 0)
	assert.True(t, d.Retry)
	assert.Greater(t, d.Delay, time.Duration(0))

	// Non-retryable categories terminate on the first attempt.
	d = p.Decide(&searchapi.StatusError{StatusCode: 401}, 0)
	assert.False(t, d.Retry)

	// Attempt budget exhausted.
	d = p.Decide(&searchapi.StatusError{StatusCode: 429}, 5)
	assert.False(t, d.Retry)
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, time.Second, p.Base)
	assert.Equal(t, 300*time.Second, p.Max)
	assert.Equal(t, 5, p.MaxAttempts)
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, Sleep(context.Background(), 0))
}
