package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/usagetap/internal/classify"
	"github.com/tinytelemetry/usagetap/internal/duckdb"
	"github.com/tinytelemetry/usagetap/internal/model"
)

// fakeClock drives the collector's notion of "now" so windows are exact.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// indexedRecord is a backend entry that only becomes queryable at indexedAt,
// simulating the log backend's ingestion/indexing delay.
type indexedRecord struct {
	rec       model.LogRecord
	indexedAt time.Time
}

type fakeBackend struct {
	mu      sync.Mutex
	clock   *fakeClock
	entries []indexedRecord
	windows [][2]time.Time
	err     error
}

func (f *fakeBackend) QueryRange(_ context.Context, _ string, start, end time.Time, _ int) ([]model.LogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, [2]time.Time{start, end})
	if f.err != nil {
		return nil, f.err
	}

	now := f.clock.Now()
	var out []model.LogRecord
	for _, e := range f.entries {
		if e.indexedAt.After(now) {
			continue
		}
		if e.rec.Timestamp.Before(start) || e.rec.Timestamp.After(end) {
			continue
		}
		out = append(out, e.rec)
	}
	return out, nil
}

func (f *fakeBackend) lastWindow(t *testing.T) [2]time.Time {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.windows) == 0 {
		t.Fatal("no queries issued")
	}
	return f.windows[len(f.windows)-1]
}

func newTestStore(t *testing.T) *duckdb.Store {
	t.Helper()
	store, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestCollector(t *testing.T, backend LogBackend, store EventStore, clock *fakeClock, cfg Config) *Collector {
	t.Helper()
	classifier, err := classify.NewClassifier("usage")
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	c := New(backend, store, classifier, cfg)
	c.now = clock.Now
	return c
}

func storeCount(t *testing.T, store *duckdb.Store) int64 {
	t.Helper()
	count, err := store.TotalEventCount(duckdb.QueryOpts{})
	if err != nil {
		t.Fatalf("TotalEventCount: %v", err)
	}
	return count
}

func TestRunOnce_FirstWindowUsesLookback(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: base}
	backend := &fakeBackend{clock: clock}
	store := newTestStore(t)
	c := newTestCollector(t, backend, store, clock, Config{Lookback: 2 * time.Minute})

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	win := backend.lastWindow(t)
	if want := base.Add(-2 * time.Minute); !win[0].Equal(want) {
		t.Errorf("window start = %v, want %v", win[0], want)
	}
	if !win[1].Equal(base) {
		t.Errorf("window end = %v, want %v", win[1], base)
	}
	if !c.Checkpoint().Equal(base) {
		t.Errorf("checkpoint = %v, want %v", c.Checkpoint(), base)
	}
}

func TestRunOnce_NextWindowOverlapsCheckpoint(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: base}
	backend := &fakeBackend{clock: clock}
	store := newTestStore(t)
	c := newTestCollector(t, backend, store, clock, Config{Lookback: 2 * time.Minute})

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}

	clock.Set(base.Add(time.Minute))
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}

	win := backend.lastWindow(t)
	// start = checkpoint − lookback = base − 2m
	if want := base.Add(-2 * time.Minute); !win[0].Equal(want) {
		t.Errorf("window start = %v, want checkpoint−lookback %v", win[0], want)
	}
}

// The literal indexing-delay scenario: lookback 120s, poll 60s. A record
// emitted at t=0 only becomes queryable at t=90. The t=60 iteration misses
// it, the t=120 iteration re-offers it through the overlap, and exactly one
// event lands in the store.
func TestIndexingDelayCoveredByLookback(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	rec := model.LogRecord{
		Timestamp: t0,
		Labels:    map[string]string{"service": "dice-roller"},
		Line:      `{"usage":true,"id":"A"}`,
	}
	backend := &fakeBackend{
		clock:   clock,
		entries: []indexedRecord{{rec: rec, indexedAt: t0.Add(90 * time.Second)}},
	}
	store := newTestStore(t)
	c := newTestCollector(t, backend, store, clock, Config{Lookback: 120 * time.Second})

	clock.Set(t0.Add(60 * time.Second))
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("iteration at t=60: %v", err)
	}
	if got := storeCount(t, store); got != 0 {
		t.Fatalf("events after t=60 iteration = %d, want 0 (not yet indexed)", got)
	}

	clock.Set(t0.Add(120 * time.Second))
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("iteration at t=120: %v", err)
	}
	if got := storeCount(t, store); got != 1 {
		t.Errorf("events after t=120 iteration = %d, want exactly 1", got)
	}

	// A third overlapping iteration must not duplicate it.
	clock.Set(t0.Add(180 * time.Second))
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("iteration at t=180: %v", err)
	}
	if got := storeCount(t, store); got != 1 {
		t.Errorf("events after t=180 iteration = %d, want exactly 1", got)
	}
}

func TestOverlappingWindowsDedupAcrossRestart(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	rec := model.LogRecord{
		Timestamp: t0.Add(-30 * time.Second),
		Labels:    map[string]string{"service": "dice-roller"},
		Line:      `{"usage":true,"id":"B"}`,
	}
	backend := &fakeBackend{clock: clock, entries: []indexedRecord{{rec: rec, indexedAt: rec.Timestamp}}}
	store := newTestStore(t)
	cfg := Config{Lookback: 2 * time.Minute}

	c1 := newTestCollector(t, backend, store, clock, cfg)
	if err := c1.RunOnce(context.Background()); err != nil {
		t.Fatalf("first collector: %v", err)
	}
	if got := storeCount(t, store); got != 1 {
		t.Fatalf("events = %d, want 1", got)
	}

	// Simulate a restart: a fresh collector loses its in-memory seen cache
	// but resumes from the persisted checkpoint. The overlapping window
	// re-offers B; the store must keep exactly one row.
	c2 := newTestCollector(t, backend, store, clock, cfg)
	cp, found, err := store.LoadCheckpoint(context.Background())
	if err != nil || !found {
		t.Fatalf("LoadCheckpoint: found=%v err=%v", found, err)
	}
	c2.checkpoint = cp.WindowEnd

	clock.Set(t0.Add(time.Minute))
	if err := c2.RunOnce(context.Background()); err != nil {
		t.Fatalf("post-restart iteration: %v", err)
	}
	if got := storeCount(t, store); got != 1 {
		t.Errorf("events after restart re-offer = %d, want exactly 1", got)
	}
}

func TestQueryFailureDoesNotAdvanceCheckpoint(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	backend := &fakeBackend{clock: clock, err: errors.New("connection refused")}
	store := newTestStore(t)
	c := newTestCollector(t, backend, store, clock, Config{Lookback: time.Minute})

	if err := c.RunOnce(context.Background()); err == nil {
		t.Fatal("expected query error")
	}
	if !c.Checkpoint().IsZero() {
		t.Errorf("checkpoint advanced on query failure: %v", c.Checkpoint())
	}
	if _, found, _ := store.LoadCheckpoint(context.Background()); found {
		t.Error("checkpoint persisted on query failure")
	}
}

// failingStore fails CommitWindow a configured number of times, then
// delegates to the real store.
type failingStore struct {
	EventStore
	failures int
}

func (f *failingStore) CommitWindow(ctx context.Context, events []*model.UsageEvent, windowEnd time.Time) (int, error) {
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("write timeout")
	}
	return f.EventStore.CommitWindow(ctx, events, windowEnd)
}

func TestWriteFailureDoesNotAdvanceCheckpoint(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	rec := model.LogRecord{
		Timestamp: t0.Add(-10 * time.Second),
		Labels:    map[string]string{"service": "dice-roller"},
		Line:      `{"usage":true,"id":"C"}`,
	}
	backend := &fakeBackend{clock: clock, entries: []indexedRecord{{rec: rec, indexedAt: rec.Timestamp}}}
	store := newTestStore(t)
	flaky := &failingStore{EventStore: store, failures: 1}
	c := newTestCollector(t, backend, flaky, clock, Config{Lookback: time.Minute})

	if err := c.RunOnce(context.Background()); err == nil {
		t.Fatal("expected write error")
	}
	if !c.Checkpoint().IsZero() {
		t.Error("checkpoint advanced on write failure")
	}

	// The retry over the same window completes ingestion.
	clock.Set(t0.Add(time.Minute))
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("retry iteration: %v", err)
	}
	if got := storeCount(t, store); got != 1 {
		t.Errorf("events after retry = %d, want 1", got)
	}
	if !c.Checkpoint().Equal(t0.Add(time.Minute)) {
		t.Errorf("checkpoint = %v, want %v", c.Checkpoint(), t0.Add(time.Minute))
	}
}

func TestLocalReclassificationIsAuthoritative(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	// The backend "matched" these (line-text filters can), but none are
	// structurally usage events.
	entries := []indexedRecord{
		{rec: model.LogRecord{Timestamp: t0.Add(-time.Second), Line: `{"usage":"true"}`}, indexedAt: t0.Add(-time.Second)},
		{rec: model.LogRecord{Timestamp: t0.Add(-2 * time.Second), Line: `contains usage=true as text`}, indexedAt: t0.Add(-2 * time.Second)},
		{rec: model.LogRecord{Timestamp: t0.Add(-3 * time.Second), Line: `{"usage":true`}, indexedAt: t0.Add(-3 * time.Second)},
	}
	backend := &fakeBackend{clock: clock, entries: entries}
	store := newTestStore(t)
	c := newTestCollector(t, backend, store, clock, Config{Lookback: time.Minute})

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := storeCount(t, store); got != 0 {
		t.Errorf("events = %d, want 0 (nothing structurally matches)", got)
	}
}

func TestWindowMonotonicity(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	backend := &fakeBackend{clock: clock}
	store := newTestStore(t)
	lookback := 2 * time.Minute
	c := newTestCollector(t, backend, store, clock, Config{Lookback: lookback})

	prev := time.Time{}
	for i := 0; i < 5; i++ {
		clock.Set(t0.Add(time.Duration(i) * time.Minute))
		if err := c.RunOnce(context.Background()); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		cp := c.Checkpoint()
		if cp.Before(prev) {
			t.Errorf("checkpoint regressed: %v < %v", cp, prev)
		}
		win := backend.lastWindow(t)
		if prev != (time.Time{}) && win[0].After(prev.Add(-lookback)) {
			t.Errorf("window start %v exceeds checkpoint−lookback %v", win[0], prev.Add(-lookback))
		}
		prev = cp
	}
}

func TestIntraBatchDuplicatesCollapse(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	rec := model.LogRecord{
		Timestamp: t0.Add(-time.Second),
		Labels:    map[string]string{"service": "dice-roller"},
		Line:      `{"usage":true}`,
	}
	// The backend returns the same record twice in one response.
	backend := &fakeBackend{clock: clock, entries: []indexedRecord{
		{rec: rec, indexedAt: rec.Timestamp},
		{rec: rec, indexedAt: rec.Timestamp},
	}}
	store := newTestStore(t)
	c := newTestCollector(t, backend, store, clock, Config{Lookback: time.Minute})

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := storeCount(t, store); got != 1 {
		t.Errorf("events = %d, want 1", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	backend := &fakeBackend{clock: clock}
	store := newTestStore(t)
	c := newTestCollector(t, backend, store, clock, Config{
		Lookback:     time.Minute,
		PollInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Give the first iteration a moment, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestSeenCacheBounded(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	backend := &fakeBackend{clock: clock}
	store := newTestStore(t)
	c := newTestCollector(t, backend, store, clock, Config{Lookback: time.Minute, SeenCacheSize: 3})

	events := make([]*model.UsageEvent, 0, 5)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		events = append(events, &model.UsageEvent{Identity: id, Timestamp: t0})
	}
	c.remember(events)

	if len(c.seen) != 3 || len(c.seenQueue) != 3 {
		t.Errorf("cache size = %d/%d, want 3/3", len(c.seen), len(c.seenQueue))
	}
	if _, ok := c.seen["a"]; ok {
		t.Error("oldest identity not evicted")
	}
	if _, ok := c.seen["e"]; !ok {
		t.Error("newest identity missing")
	}
}
