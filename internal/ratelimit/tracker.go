package ratelimit

import (
	"strconv"
	"time"

	"github.com/pixelmood/social-poller/internal/models"
)

const (
	// DefaultThreshold pauses requests proactively once only 20% of the
	// window remains.
	DefaultThreshold = 0.2

	// MinRequestInterval is the floor for any computed wait.
	MinRequestInterval = time.Second

	// resetSafetyMargin is added when waiting out an exhausted window so
	// the next call lands after the reset, not on it.
	resetSafetyMargin = 2 * time.Second

	// maxProactiveWait caps the spread-out wait between requests.
	maxProactiveWait = 60 * time.Second

	// fallbackExhaustedWait is used when the window is exhausted but the
	// reset time is unknown or malformed.
	fallbackExhaustedWait = 60 * time.Second
)

// Headers carries the raw rate-limit header values from one API response.
// Any field may be empty or malformed.
type Headers struct {
	Remaining string
	Limit     string
	Reset     string // unix epoch seconds
}

// Tracker derives a RateLimitStatus from the most recent response. It holds
// no state across calls; every status is computed from the latest headers.
type Tracker struct {
	threshold float64
	now       func() time.Time
}

// New creates a tracker with the given proactive threshold. Values outside
// (0, 1) fall back to the default.
func New(threshold float64) *Tracker {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	return &Tracker{threshold: threshold, now: time.Now}
}

// WithClock overrides the tracker's clock. Intended for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Parse derives a RateLimitStatus from response headers. Missing or
// malformed values never fail: an unknown limit means "do not block", an
// unknown reset falls back to fixed minimum waits.
func (t *Tracker) Parse(h Headers) models.RateLimitStatus {
	status := models.RateLimitStatus{}

	remaining, remOK := parseInt(h.Remaining)
	limit, limOK := parseInt(h.Limit)
	if remOK && limOK && limit > 0 {
		status.KnownLimit = true
		status.Remaining = remaining
		status.Limit = limit
	}

	if resetEpoch, ok := parseInt(h.Reset); ok && resetEpoch > 0 {
		status.KnownReset = true
		status.ResetAt = time.Unix(int64(resetEpoch), 0)
	}

	if !status.KnownLimit {
		// Limit not yet known. Do not block.
		return status
	}

	ratio := float64(status.Remaining) / float64(status.Limit)
	if ratio > t.threshold {
		return status
	}

	status.ShouldWait = true
	status.Wait = t.waitFor(status)
	return status
}

// waitFor computes how long to pause before the next request. An exhausted
// window waits until reset plus a safety margin; otherwise the remaining
// requests are spread evenly across the time left in the window.
func (t *Tracker) waitFor(status models.RateLimitStatus) time.Duration {
	if status.Remaining <= 0 {
		if !status.KnownReset {
			return fallbackExhaustedWait
		}
		until := status.ResetAt.Sub(t.now())
		if until < 0 {
			until = 0
		}
		return until + resetSafetyMargin
	}

	if !status.KnownReset {
		return MinRequestInterval
	}

	until := status.ResetAt.Sub(t.now())
	if until <= 0 {
		return MinRequestInterval
	}

	spread := until / time.Duration(status.Remaining)
	if spread < MinRequestInterval {
		spread = MinRequestInterval
	}
	if spread > maxProactiveWait {
		spread = maxProactiveWait
	}
	return spread
}

func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
