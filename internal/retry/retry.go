package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/ssm"

	"github.com/pixelmood/social-poller/internal/models"
	"github.com/pixelmood/social-poller/internal/searchapi"
)

// Category classifies a failure for retry and reporting purposes.
type Category string

const (
	CategoryTransientNetwork  Category = "transient_network"
	CategoryRateLimited       Category = "rate_limited"
	CategoryServer            Category = "server_error"
	CategoryStorageThrottled  Category = "storage_throttled"
	CategoryAuthorization     Category = "authorization"
	CategoryMalformedRequest  Category = "malformed_request"
	CategoryInvalidCredential Category = "invalid_credential"
	CategoryStorageNotFound   Category = "storage_not_found"
	CategoryUnknown           Category = "unknown"
)

// ErrInvalidCredential marks credential retrieval failures. Wrapped errors
// carrying it are never retried.
var ErrInvalidCredential = errors.New("invalid credential")

const (
	jitterMin = 0.1
	jitterMax = 0.3
)

// Classify maps an error to its failure category.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	if errors.Is(err, ErrInvalidCredential) {
		return CategoryInvalidCredential
	}

	var statusErr *searchapi.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return CategoryRateLimited
		case statusErr.StatusCode == http.StatusUnauthorized,
			statusErr.StatusCode == http.StatusForbidden:
			return CategoryAuthorization
		case statusErr.StatusCode == http.StatusBadRequest:
			return CategoryMalformedRequest
		case statusErr.StatusCode >= 500:
			return CategoryServer
		}
		return CategoryUnknown
	}

	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case dynamodb.ErrCodeProvisionedThroughputExceededException,
			dynamodb.ErrCodeRequestLimitExceeded,
			"ThrottlingException":
			return CategoryStorageThrottled
		case dynamodb.ErrCodeResourceNotFoundException:
			return CategoryStorageNotFound
		case ssm.ErrCodeParameterNotFound, "UnrecognizedClientException",
			"InvalidSignatureException", "ExpiredTokenException":
			return CategoryInvalidCredential
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransientNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryTransientNetwork
	}

	return CategoryUnknown
}

// Retryable reports whether a category may be retried at all.
func Retryable(cat Category) bool {
	switch cat {
	case CategoryTransientNetwork, CategoryRateLimited, CategoryServer, CategoryStorageThrottled:
		return true
	}
	return false
}

// UnjitteredBackoff computes min(base * 2^attempt, max) for a zero-indexed
// attempt count.
func UnjitteredBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

// Backoff computes the retry delay for an attempt, adding jitter drawn
// uniformly from 10%-30% of the delay. Jitter is strictly additive: the
// result never drops below the unjittered floor.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	delay := UnjitteredBackoff(attempt, base, max)
	jitter := time.Duration((jitterMin + rand.Float64()*(jitterMax-jitterMin)) * float64(delay))
	return delay + jitter
}

// Policy holds the retry parameters for one call site. The policy itself is
// stateless; the caller owns the attempt counter.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the standard backoff parameters.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Max:         300 * time.Second,
		MaxAttempts: 5,
	}
}

// Decide classifies err for the given zero-indexed attempt and returns
// whether to retry and how long to wait first. Exceeding MaxAttempts turns
// a retryable failure into a terminal one.
func (p Policy) Decide(err error, attempt int) models.RetryDecision {
	decision := models.RetryDecision{Attempt: attempt}
	if !Retryable(Classify(err)) {
		return decision
	}
	if attempt >= p.MaxAttempts {
		return decision
	}
	decision.Retry = true
	decision.Delay = Backoff(attempt, p.Base, p.Max)
	return decision
}

// Sleep blocks for d or until the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
