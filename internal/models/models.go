package models

import (
	"fmt"
	"strconv"
	"time"
)

// MediaRef is one media attachment resolved for a record.
type MediaRef struct {
	Key        string `json:"media_key"`
	Type       string `json:"type"`
	URL        string `json:"media_url_https,omitempty"`
	PreviewURL string `json:"preview_image_url,omitempty"`
}

// Record is one normalized unit of work from the search API.
// Source identifiers exceed the float64 safe-integer range, so the ID is
// transmitted as a string and carried alongside its numeric form.
type Record struct {
	ID        string     `json:"id"`
	IDNum     uint64     `json:"-"`
	Text      string     `json:"full_text"`
	Media     []MediaRef `json:"media"`
	AuthorID  string     `json:"author_id,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// ParseRecordID parses a record identifier into its numeric form.
func ParseRecordID(id string) (uint64, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q: %w", id, err)
	}
	return n, nil
}

// Page is one page of normalized records plus continuation state.
type Page struct {
	Records   []Record
	NextToken string
	Number    int
}

// MaxID returns the largest numeric record identifier on the page.
func (p *Page) MaxID() uint64 {
	var max uint64
	for _, r := range p.Records {
		if r.IDNum > max {
			max = r.IDNum
		}
	}
	return max
}

// RateLimitStatus is a snapshot derived from one API response.
type RateLimitStatus struct {
	Remaining  int
	Limit      int
	ResetAt    time.Time
	KnownLimit bool // limit and remaining headers were present and parsed
	KnownReset bool // reset header was present and parsed
	ShouldWait bool
	Wait       time.Duration
}

// Exhausted reports whether no requests remain in the current window.
func (s RateLimitStatus) Exhausted() bool {
	return s.KnownLimit && s.Remaining <= 0
}

// Utilization returns the fraction of the window already consumed.
func (s RateLimitStatus) Utilization() float64 {
	if !s.KnownLimit || s.Limit == 0 {
		return 0
	}
	return float64(s.Limit-s.Remaining) / float64(s.Limit)
}

// RetryDecision is the outcome of classifying one failure.
type RetryDecision struct {
	Retry   bool
	Delay   time.Duration
	Attempt int
}

// Checkpoint is the durable progress marker. Marker is the string form of
// the last processed record identifier; MarkerNum is the numeric form used
// for ordering comparisons.
type Checkpoint struct {
	Marker    string    `json:"marker"`
	MarkerNum uint64    `json:"marker_num"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCheckpoint builds a checkpoint from a record identifier.
func NewCheckpoint(marker string, at time.Time) (Checkpoint, error) {
	n, err := ParseRecordID(marker)
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{Marker: marker, MarkerNum: n, UpdatedAt: at}, nil
}

// ExecutionMetrics accumulates per-run counters. It is owned by exactly one
// run and never shared across concurrent runs.
type ExecutionMetrics struct {
	StartTime          time.Time
	EndTime            time.Time
	RecordsProcessed   int
	APICalls           int
	Errors             int
	BatchesDispatched  int
	BatchesFailed      int
	CheckpointAttempts int
	CheckpointUpdates  int
	RateLimitWaits     int
	TotalWait          time.Duration
}

// Duration returns the run duration, using the current time while the run
// is still in flight.
func (m *ExecutionMetrics) Duration() time.Duration {
	if m.EndTime.IsZero() {
		return time.Since(m.StartTime)
	}
	return m.EndTime.Sub(m.StartTime)
}

// ErrorContext is one structured error event.
type ErrorContext struct {
	Category  string
	Message   string
	Attempt   int
	Timestamp time.Time
	Context   map[string]any
}

// TerminationReason identifies which condition ended a run.
type TerminationReason string

const (
	TerminationExhausted TerminationReason = "pagination_exhausted"
	TerminationRecordCap TerminationReason = "record_cap"
	TerminationDeadline  TerminationReason = "deadline"
	TerminationError     TerminationReason = "error"
)

// RunResult is the structured outcome reported to the scheduling layer.
type RunResult struct {
	CorrelationID string
	Reason        TerminationReason
	Metrics       ExecutionMetrics
	Checkpoint    *Checkpoint
	Err           error
}

// RunStatus is the persisted record of the most recent run, served by the
// status endpoint.
type RunStatus struct {
	Status            string    `json:"status"` // "success", "failure", "running"
	LastAttempt       time.Time `json:"last_attempt"`
	LastSuccessfulRun time.Time `json:"last_successful_run"`
	RecordsProcessed  int       `json:"records_processed"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	CorrelationID     string    `json:"correlation_id"`
}
