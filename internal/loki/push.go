package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/klauspost/compress/gzip"
	"github.com/tinytelemetry/usagetap/internal/model"
)

// pushStream is one label set's entries in a push request.
type pushStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // [timestamp_ns, line]
}

// pushRequest is the /loki/api/v1/push payload.
type pushRequest struct {
	Streams []pushStream `json:"streams"`
}

// Push delivers records to the backend's push API, grouped by label set.
// The JSON body is gzip-compressed. An error means none of the records are
// known to be durable; callers decide whether to retry or drop.
func (c *Client) Push(ctx context.Context, records []model.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	body, err := encodePushBody(records)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("loki: push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("loki: push status %d: %s", resp.StatusCode, truncate(string(msg), 200))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func encodePushBody(records []model.LogRecord) ([]byte, error) {
	groups := make(map[string]*pushStream)
	var order []string

	for _, rec := range records {
		key := labelKey(rec.Labels)
		stream, ok := groups[key]
		if !ok {
			labels := rec.Labels
			if labels == nil {
				labels = map[string]string{}
			}
			stream = &pushStream{Stream: labels}
			groups[key] = stream
			order = append(order, key)
		}
		stream.Values = append(stream.Values, []string{
			strconv.FormatInt(rec.Timestamp.UnixNano(), 10),
			rec.Line,
		})
	}

	req := pushRequest{Streams: make([]pushStream, 0, len(order))}
	for _, key := range order {
		req.Streams = append(req.Streams, *groups[key])
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("loki: encode push body: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("loki: compress push body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("loki: compress push body: %w", err)
	}
	return buf.Bytes(), nil
}

// labelKey builds a canonical grouping key for a label set.
func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}
