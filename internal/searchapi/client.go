package searchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pixelmood/social-poller/internal/models"
)

// StatusError reports a non-2xx response from the search API. The
// rate-limit headers ride along so a 429 can be waited out against the
// window's actual reset time.
type StatusError struct {
	StatusCode int
	Body       string
	RateLimit  RawRateLimit
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("search API returned status %d: %s", e.StatusCode, e.Body)
}

// Request describes one page fetch.
type Request struct {
	Query      string
	SinceID    string // only records newer than this marker
	NextToken  string // continuation token from the previous page
	MaxResults int
}

// RawRateLimit carries the rate-limit header values verbatim. Parsing and
// policy are the rate limit tracker's concern.
type RawRateLimit struct {
	Remaining string
	Limit     string
	Reset     string
}

// Response is one fetched page plus its rate-limit metadata.
type Response struct {
	Page      models.Page
	RateLimit RawRateLimit
	Duration  time.Duration
	Status    int
}

// Client fetches pages of records matching a query. The bearer token is
// supplied at construction and lives only as long as the client, which is
// scoped to a single run.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a search API client.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// HTTPClient exposes the underlying client. Intended for tests.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Search fetches one page of records matching the request.
func (c *Client) Search(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.URL.RawQuery = buildQuery(req).Encode()

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	duration := time.Since(start)

	rateLimit := RawRateLimit{
		Remaining: resp.Header.Get("x-rate-limit-remaining"),
		Limit:     resp.Header.Get("x-rate-limit-limit"),
		Reset:     resp.Header.Get("x-rate-limit-reset"),
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 256),
			RateLimit:  rateLimit,
		}
	}

	var wire searchResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &Response{
		Page: models.Page{
			Records:   normalize(&wire),
			NextToken: wire.Meta.NextToken,
		},
		RateLimit: rateLimit,
		Duration:  duration,
		Status:    resp.StatusCode,
	}, nil
}

func buildQuery(req Request) url.Values {
	q := url.Values{}
	q.Set("query", req.Query)
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = 100
	}
	q.Set("max_results", strconv.Itoa(maxResults))
	q.Set("tweet.fields", "id,text,attachments,entities,created_at")
	q.Set("expansions", "attachments.media_keys,author_id")
	q.Set("media.fields", "type,url,preview_image_url")
	if req.SinceID != "" {
		q.Set("since_id", req.SinceID)
	}
	if req.NextToken != "" {
		q.Set("pagination_token", req.NextToken)
	}
	return q
}

// Wire types. Every externally sourced field is optional; absence is
// handled during normalization, never assumed away.
type searchResponse struct {
	Data     []wireRecord `json:"data"`
	Includes struct {
		Media []wireMedia `json:"media"`
	} `json:"includes"`
	Meta struct {
		NextToken   string `json:"next_token"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

type wireRecord struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	AuthorID    string `json:"author_id"`
	CreatedAt   string `json:"created_at"`
	Attachments struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
}

type wireMedia struct {
	MediaKey        string `json:"media_key"`
	Type            string `json:"type"`
	URL             string `json:"url"`
	PreviewImageURL string `json:"preview_image_url"`
}

// normalize converts a wire response into records. The media lookup is
// built once per page rather than scanned per record. Records without at
// least one photo attachment are dropped; records with unparsable
// identifiers are dropped because the checkpoint cannot order them.
func normalize(wire *searchResponse) []models.Record {
	mediaByKey := make(map[string]wireMedia, len(wire.Includes.Media))
	for _, m := range wire.Includes.Media {
		mediaByKey[m.MediaKey] = m
	}

	records := make([]models.Record, 0, len(wire.Data))
	for _, item := range wire.Data {
		idNum, err := models.ParseRecordID(item.ID)
		if err != nil {
			continue
		}

		var media []models.MediaRef
		for _, key := range item.Attachments.MediaKeys {
			m, ok := mediaByKey[key]
			if !ok || m.Type != "photo" {
				continue
			}
			media = append(media, models.MediaRef{
				Key:        m.MediaKey,
				Type:       m.Type,
				URL:        m.URL,
				PreviewURL: m.PreviewImageURL,
			})
		}
		if len(media) == 0 {
			continue
		}

		records = append(records, models.Record{
			ID:        item.ID,
			IDNum:     idNum,
			Text:      item.Text,
			Media:     media,
			AuthorID:  item.AuthorID,
			CreatedAt: parseTimestamp(item.CreatedAt),
		})
	}
	return records
}

func parseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
