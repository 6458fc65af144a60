package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tinytelemetry/usagetap/internal/model"
)

// usagePayload mirrors the capture endpoint's ingest body.
type usagePayload struct {
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
	Line      string            `json:"line"`
}

// SecondaryClient posts matched records to the capture endpoint one at a
// time. Delivery is best-effort; the Router owns retries.
type SecondaryClient struct {
	endpoint   string
	httpClient *http.Client
}

func NewSecondaryClient(endpoint string, timeout time.Duration) (*SecondaryClient, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid capture endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid capture endpoint %q: scheme must be http or https", endpoint)
	}
	if timeout <= 0 {
		timeout = DefaultDeliverTimeout
	}
	return &SecondaryClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *SecondaryClient) Deliver(ctx context.Context, rec model.LogRecord) error {
	body, err := json.Marshal(usagePayload{
		Timestamp: rec.Timestamp,
		Labels:    rec.Labels,
		Line:      rec.Line,
	})
	if err != nil {
		return fmt.Errorf("encoding usage payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building capture request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to capture endpoint: %w", err)
	}
	defer resp.Body.Close()

	// 202 covers both accepted and duplicate; 422 means the record is
	// structurally unusable and retrying cannot help.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusUnprocessableEntity {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("capture endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
