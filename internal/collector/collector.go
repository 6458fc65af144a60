package collector

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tinytelemetry/usagetap/internal/classify"
	"github.com/tinytelemetry/usagetap/internal/loki"
	"github.com/tinytelemetry/usagetap/internal/model"
)

// LogBackend is the range-query contract the collector polls. Successive
// calls over overlapping windows may return duplicate records.
type LogBackend interface {
	QueryRange(ctx context.Context, query string, start, end time.Time, limit int) ([]model.LogRecord, error)
}

// EventStore is the persistence contract. CommitWindow lands the batch and
// the checkpoint it guards; duplicates are resolved by the store, not here.
type EventStore interface {
	LoadCheckpoint(ctx context.Context) (model.Checkpoint, bool, error)
	CommitWindow(ctx context.Context, events []*model.UsageEvent, windowEnd time.Time) (int, error)
}

// Config holds collector tunables. Lookback must exceed the backend's
// worst-case indexing delay; it trades duplicate-fetch volume against safety
// for late-arriving records.
type Config struct {
	PollInterval  time.Duration
	Lookback      time.Duration
	Selector      string // LogQL stream selector for the pushed-down filter
	QueryLimit    int
	QueryTimeout  time.Duration
	WriteTimeout  time.Duration
	SourceLabel   string
	SeenCacheSize int
}

// Collector is the pull-path durability backstop: a single perpetual loop
// that re-scans the log backend over a sliding, overlapping window and lands
// new usage events in the store. It exclusively owns the checkpoint.
type Collector struct {
	backend    LogBackend
	store      EventStore
	classifier *classify.Classifier
	cfg        Config
	query      string

	checkpoint time.Time // zero until the first committed window

	// seen is a best-effort cache that avoids re-offering identities from the
	// previous overlapping window. Correctness never depends on it; the
	// store's uniqueness constraint is the authoritative dedup point.
	seen      map[string]struct{}
	seenQueue []string

	now func() time.Time
}

// New creates a collector. Zero config values fall back to defaults.
func New(backend LogBackend, store EventStore, classifier *classify.Classifier, cfg Config) *Collector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = model.DefaultPollInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = model.DefaultLookbackWindow
	}
	if cfg.Selector == "" {
		cfg.Selector = fmt.Sprintf(`{%s=~".+"}`, model.DefaultSourceLabel)
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = 5000
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.SourceLabel == "" {
		cfg.SourceLabel = model.DefaultSourceLabel
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = 50_000
	}

	return &Collector{
		backend:    backend,
		store:      store,
		classifier: classifier,
		cfg:        cfg,
		query:      loki.UsageQuery(cfg.Selector, classifier.Field()),
		seen:       make(map[string]struct{}),
		now:        time.Now,
	}
}

// Run executes the poll loop until ctx is cancelled. Iteration failures are
// logged and retried at the next interval; they never terminate the loop.
// The next iteration is scheduled relative to the previous iteration's
// completion, so a slow backend never causes overlapping queries.
func (c *Collector) Run(ctx context.Context) error {
	cp, found, err := c.store.LoadCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("collector: load checkpoint: %w", err)
	}
	if found {
		c.checkpoint = cp.WindowEnd
		log.Printf("collector: resuming from checkpoint window_end=%s", cp.WindowEnd.Format(time.RFC3339))
	} else {
		log.Printf("collector: no checkpoint, starting fresh with lookback=%s", c.cfg.Lookback)
	}

	for {
		if err := c.RunOnce(ctx); err != nil && ctx.Err() != nil {
			return nil
		}

		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce performs a single poll iteration: query, reclassify, dedup, commit.
// On any failure the checkpoint stays where it was and the error is returned
// after being logged with the window bounds.
func (c *Collector) RunOnce(ctx context.Context) error {
	now := c.now().UTC()
	start := c.windowStart(now)

	qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	records, err := c.backend.QueryRange(qctx, c.query, start, now, c.cfg.QueryLimit)
	cancel()
	if err != nil {
		log.Printf("collector: query failed for window [%s, %s]: %v",
			start.Format(time.RFC3339), now.Format(time.RFC3339), err)
		return err
	}

	events := c.buildBatch(records)

	// Shutdown boundary: never start a batch write after cancellation, so an
	// interrupted iteration leaves no ambiguous partial-commit state behind.
	if err := ctx.Err(); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	inserted, err := c.store.CommitWindow(wctx, events, now)
	cancel()
	if err != nil {
		log.Printf("collector: commit failed for window [%s, %s] (%d events): %v",
			start.Format(time.RFC3339), now.Format(time.RFC3339), len(events), err)
		return err
	}

	c.checkpoint = now
	c.remember(events)

	if inserted > 0 {
		log.Printf("collector: window [%s, %s]: fetched=%d usage=%d new=%d",
			start.Format(time.RFC3339), now.Format(time.RFC3339), len(records), len(events), inserted)
	}
	return nil
}

// windowStart computes the next query window's lower bound. The window
// always reaches back lookback before the checkpoint, so a record whose
// indexing was delayed past a prior window's end is re-offered at least once.
func (c *Collector) windowStart(now time.Time) time.Time {
	if c.checkpoint.IsZero() {
		return now.Add(-c.cfg.Lookback)
	}
	return c.checkpoint.Add(-c.cfg.Lookback)
}

// buildBatch reclassifies fetched records locally and converts the matches
// into usage events, collapsing duplicates within the batch and skipping
// identities the cache has already seen committed.
func (c *Collector) buildBatch(records []model.LogRecord) []*model.UsageEvent {
	var events []*model.UsageEvent
	inBatch := make(map[string]struct{})

	for _, rec := range records {
		// The backend filter may be a line-text match; the parsed-field check
		// here is authoritative.
		fields := classify.ParseFields(rec.Line)
		if !c.classifier.Match(fields) {
			continue
		}

		id := model.Identity(rec)
		if _, ok := inBatch[id]; ok {
			continue
		}
		if _, ok := c.seen[id]; ok {
			continue
		}
		inBatch[id] = struct{}{}

		events = append(events, &model.UsageEvent{
			Identity:  id,
			Timestamp: rec.Timestamp,
			Source:    model.SourceOf(rec.Labels, c.cfg.SourceLabel),
			Payload:   fields,
		})
	}
	return events
}

// remember seeds the best-effort cache with committed identities, evicting
// oldest-first beyond the configured bound.
func (c *Collector) remember(events []*model.UsageEvent) {
	for _, e := range events {
		if _, ok := c.seen[e.Identity]; ok {
			continue
		}
		c.seen[e.Identity] = struct{}{}
		c.seenQueue = append(c.seenQueue, e.Identity)
	}
	for len(c.seenQueue) > c.cfg.SeenCacheSize {
		delete(c.seen, c.seenQueue[0])
		c.seenQueue = c.seenQueue[1:]
	}
}

// Checkpoint returns the in-memory checkpoint of the last committed window.
func (c *Collector) Checkpoint() time.Time {
	return c.checkpoint
}
