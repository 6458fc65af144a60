package receiver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tinytelemetry/usagetap/internal/classify"
	"github.com/tinytelemetry/usagetap/internal/duckdb"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, *duckdb.Store, *gin.Engine) {
	t.Helper()
	store, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	classifier, err := classify.NewClassifier("usage")
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	srv := NewServer("", store, classifier, "service")
	srv.startTime = time.Now()

	return srv, store, srv.routes()
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func ingestBody(ts time.Time, service, line string) string {
	b, _ := json.Marshal(map[string]any{
		"timestamp": ts,
		"labels":    map[string]string{"service": service},
		"line":      line,
	})
	return string(b)
}

func TestIngestAcceptsUsageEvent(t *testing.T) {
	_, store, r := newTestServer(t)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := postJSON(r, "/api/v1/usage", ingestBody(ts, "dice-roller", `{"usage":true,"op":"roll"}`))

	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d, want %d; body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["status"] != "accepted" {
		t.Errorf("status = %v, want accepted", body["status"])
	}
	identity, _ := body["identity"].(string)
	if len(identity) != 64 {
		t.Errorf("identity = %q, want 64-char hash", identity)
	}

	count, err := store.TotalEventCount(duckdb.QueryOpts{})
	if err != nil {
		t.Fatalf("TotalEventCount: %v", err)
	}
	if count != 1 {
		t.Errorf("stored events = %d, want 1", count)
	}
}

func TestIngestDuplicateAcknowledged(t *testing.T) {
	_, store, r := newTestServer(t)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	body := ingestBody(ts, "dice-roller", `{"usage":true,"op":"roll"}`)

	first := postJSON(r, "/api/v1/usage", body)
	second := postJSON(r, "/api/v1/usage", body)

	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("statuses = %d, %d, want both %d", first.Code, second.Code, http.StatusAccepted)
	}

	var resp map[string]any
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal second response: %v", err)
	}
	if resp["status"] != "duplicate" {
		t.Errorf("second status = %v, want duplicate", resp["status"])
	}

	count, _ := store.TotalEventCount(duckdb.QueryOpts{})
	if count != 1 {
		t.Errorf("stored events = %d, want 1", count)
	}
}

func TestIngestRejectsNonUsageLines(t *testing.T) {
	_, store, r := newTestServer(t)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		line string
	}{
		{"usage false", `{"usage":false}`},
		{"usage string", `{"usage":"true"}`},
		{"usage missing", `{"op":"roll"}`},
		{"not json", `plain text with usage=true inside`},
		{"json array", `[{"usage":true}]`},
		{"malformed json", `{"usage":true`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(r, "/api/v1/usage", ingestBody(ts, "dice-roller", tt.line))
			if w.Code != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want %d; body: %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
			}
		})
	}

	count, _ := store.TotalEventCount(duckdb.QueryOpts{})
	if count != 0 {
		t.Errorf("stored events = %d, want 0", count)
	}
}

func TestIngestRejectsMissingFields(t *testing.T) {
	_, _, r := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", `{}`},
		{"missing line", `{"timestamp":"2025-06-01T12:00:00Z"}`},
		{"missing timestamp", `{"line":"{\"usage\":true}"}`},
		{"not json", `timestamp=now`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(r, "/api/v1/usage", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestIngestUnknownSourceFallback(t *testing.T) {
	_, store, r := newTestServer(t)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	body, _ := json.Marshal(map[string]any{
		"timestamp": ts,
		"line":      `{"usage":true}`,
	})
	w := postJSON(r, "/api/v1/usage", string(body))
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d; body: %s", w.Code, w.Body.String())
	}

	events, err := store.RecentEvents(1, duckdb.QueryOpts{})
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 1 || events[0].Source != "unknown" {
		t.Errorf("events = %+v, want one event with source unknown", events)
	}
}

func TestStatsEndpoint(t *testing.T) {
	_, _, r := newTestServer(t)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		line := fmt.Sprintf(`{"usage":true,"n":%d}`, i)
		if w := postJSON(r, "/api/v1/usage", ingestBody(ts.Add(time.Duration(i)*time.Minute), "dice-roller", line)); w.Code != http.StatusAccepted {
			t.Fatalf("seed ingest %d: %d", i, w.Code)
		}
	}
	if w := postJSON(r, "/api/v1/usage", ingestBody(ts, "translator", `{"usage":true,"n":99}`)); w.Code != http.StatusAccepted {
		t.Fatalf("seed ingest translator: %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d; body: %s", w.Code, w.Body.String())
	}

	var body struct {
		TotalEvents int64 `json:"total_events"`
		BySource    []struct {
			Source string `json:"source"`
			Count  int64  `json:"count"`
		} `json:"by_source"`
		PerMinute []map[string]any `json:"per_minute"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if body.TotalEvents != 4 {
		t.Errorf("total_events = %d, want 4", body.TotalEvents)
	}
	if len(body.BySource) != 2 {
		t.Errorf("by_source entries = %d, want 2", len(body.BySource))
	}
	if len(body.PerMinute) == 0 {
		t.Error("per_minute is empty")
	}
}

func TestStatsFilterBySource(t *testing.T) {
	_, _, r := newTestServer(t)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	postJSON(r, "/api/v1/usage", ingestBody(ts, "dice-roller", `{"usage":true,"n":1}`))
	postJSON(r, "/api/v1/usage", ingestBody(ts, "translator", `{"usage":true,"n":2}`))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats?source=translator", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body struct {
		TotalEvents int64 `json:"total_events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if body.TotalEvents != 1 {
		t.Errorf("total_events = %d, want 1", body.TotalEvents)
	}
}

func TestRecentEventsEndpoint(t *testing.T) {
	_, _, r := newTestServer(t)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	postJSON(r, "/api/v1/usage", ingestBody(ts, "dice-roller", `{"usage":true,"op":"roll","sides":20}`))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/recent?limit=10", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("recent status = %d; body: %s", w.Code, w.Body.String())
	}

	var body struct {
		Count  int `json:"count"`
		Events []struct {
			Source  string         `json:"source"`
			Payload map[string]any `json:"payload"`
		} `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal recent: %v", err)
	}
	if body.Count != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
	if body.Events[0].Source != "dice-roller" {
		t.Errorf("source = %q", body.Events[0].Source)
	}
	if op := body.Events[0].Payload["op"]; op != "roll" {
		t.Errorf("payload op = %v, want roll", op)
	}
}

func TestRecentEventsRejectsBadLimit(t *testing.T) {
	_, _, r := newTestServer(t)

	for _, q := range []string{"limit=0", "limit=-5", "limit=9999", "limit=abc", "limit=50abc", "since=yesterday"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events/recent?"+q, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", q, w.Code, http.StatusBadRequest)
		}
	}
}

func TestRecentEventsSinceFilter(t *testing.T) {
	_, _, r := newTestServer(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	postJSON(r, "/api/v1/usage", ingestBody(base, "dice-roller", `{"usage":true,"op":"roll"}`))
	postJSON(r, "/api/v1/usage", ingestBody(base.Add(5*time.Minute), "dice-roller", `{"usage":true,"op":"stats"}`))

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/events/recent?since="+base.Add(time.Minute).Format(time.RFC3339), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("since status = %d; body: %s", w.Code, w.Body.String())
	}

	var body struct {
		Count  int `json:"count"`
		Events []struct {
			Payload map[string]any `json:"payload"`
		} `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal since: %v", err)
	}
	if body.Count != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
	if op := body.Events[0].Payload["op"]; op != "stats" {
		t.Errorf("payload op = %v, want stats", op)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, _, r := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
}

func TestSchemaEndpoint(t *testing.T) {
	_, _, r := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/schema", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("schema status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestQueryEndpoint_ValidSelect(t *testing.T) {
	_, _, r := newTestServer(t)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	postJSON(r, "/api/v1/usage", ingestBody(ts, "dice-roller", `{"usage":true}`))

	w := postJSON(r, "/api/query", `{"sql": "SELECT COUNT(*) as cnt FROM usage_events"}`)
	if w.Code != http.StatusOK {
		t.Errorf("query status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestQueryEndpoint_RejectsWrites(t *testing.T) {
	_, _, r := newTestServer(t)

	for _, sql := range []string{
		`INSERT INTO usage_events (identity) VALUES ('x')`,
		`DROP TABLE usage_events`,
		`SELECT 1; DELETE FROM usage_events`,
	} {
		w := postJSON(r, "/api/query", `{"sql": `+mustQuote(sql)+`}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want %d", sql, w.Code, http.StatusBadRequest)
		}
	}
}

func mustQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestQueryEndpoint_EmptySQL(t *testing.T) {
	_, _, r := newTestServer(t)

	w := postJSON(r, "/api/query", `{"sql": ""}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty sql status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
