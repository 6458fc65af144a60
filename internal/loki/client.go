package loki

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/usagetap/internal/model"
)

const (
	queryRangePath = "/loki/api/v1/query_range"
	pushPath       = "/loki/api/v1/push"
	readyPath      = "/ready"
)

// Client talks to a Loki-compatible log backend: range queries for the
// collector and the push API for the router's primary path.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a log backend client. timeout bounds every single HTTP
// call; callers additionally pass a context for cancellation.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("loki: base URL is empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("loki: invalid base URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// UsageQuery builds the backend-native filter for usage events. Pushing the
// predicate down is an optimization only; callers must still reclassify
// records locally after parsing.
func UsageQuery(selector, field string) string {
	return fmt.Sprintf(`%s | json | %s="true"`, selector, field)
}

// Ready probes the backend readiness endpoint. Used for fail-fast startup.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+readyPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("loki: readiness probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("loki: not ready: status %d", resp.StatusCode)
	}
	return nil
}

// queryRangeResponse mirrors the Loki query_range JSON envelope.
type queryRangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Stream map[string]string `json:"stream"`
			Values [][]string        `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// QueryRange fetches all log records in [start, end] matching query.
// Results are merged across streams and returned in timestamp order.
// Successive overlapping calls may return duplicate records; dedup is the
// caller's (and ultimately the store's) concern.
func (c *Client) QueryRange(ctx context.Context, query string, start, end time.Time, limit int) ([]model.LogRecord, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	params.Set("direction", "forward")
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+queryRangePath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loki: query_range: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("loki: read query_range response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki: query_range status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed queryRangeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("loki: decode query_range response: %w", err)
	}
	if parsed.Status != "success" {
		return nil, fmt.Errorf("loki: query_range returned status %q", parsed.Status)
	}

	var records []model.LogRecord
	for _, stream := range parsed.Data.Result {
		for _, value := range stream.Values {
			if len(value) < 2 {
				continue
			}
			ns, err := strconv.ParseInt(value[0], 10, 64)
			if err != nil {
				continue
			}
			records = append(records, model.LogRecord{
				Timestamp: time.Unix(0, ns).UTC(),
				Labels:    stream.Stream,
				Line:      value[1],
			})
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
