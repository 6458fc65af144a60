package router

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/usagetap/internal/classify"
	"github.com/tinytelemetry/usagetap/internal/model"
)

const (
	DefaultQueueSize      = 256
	DefaultMaxRetries     = 3
	DefaultRetryBackoff   = 500 * time.Millisecond
	DefaultDeliverTimeout = 5 * time.Second

	dropLogInterval = 5 * time.Second
)

// PrimarySink receives every record, matched or not. It must never block;
// loki.PushBuffer satisfies this.
type PrimarySink interface {
	Add(rec model.LogRecord)
}

// SecondarySink delivers a single matched record to the capture endpoint.
type SecondarySink interface {
	Deliver(ctx context.Context, rec model.LogRecord) error
}

// Config controls the secondary delivery queue and retry policy.
type Config struct {
	QueueSize      int
	MaxRetries     int
	RetryBackoff   time.Duration
	DeliverTimeout time.Duration
}

// Router forwards every record to the primary sink and, for records the
// classifier matches, attempts a best-effort secondary delivery. The
// secondary path is fully decoupled: a slow or dead capture endpoint can
// only ever cost dropped secondary deliveries, never primary throughput.
type Router struct {
	primary    PrimarySink
	secondary  SecondarySink
	classifier *classify.Classifier
	cfg        Config

	queue   chan model.LogRecord
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64

	mu         sync.Mutex
	stopped    bool
	lastDropAt time.Time
}

func New(primary PrimarySink, secondary SecondarySink, classifier *classify.Classifier, cfg Config) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = DefaultDeliverTimeout
	}

	r := &Router{
		primary:    primary,
		secondary:  secondary,
		classifier: classifier,
		cfg:        cfg,
		queue:      make(chan model.LogRecord, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Route is the single entry point for records. The primary forward is
// unconditional and happens before classification, so a classifier or
// secondary problem can never lose a record on the primary path.
func (r *Router) Route(rec model.LogRecord) {
	r.primary.Add(rec)

	if r.secondary == nil || !r.classifier.MatchLine(rec.Line) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		r.logDrop()
	}
}

// logDrop warns about a full secondary queue at most once per interval.
// Caller holds r.mu.
func (r *Router) logDrop() {
	now := time.Now()
	if now.Sub(r.lastDropAt) < dropLogInterval {
		return
	}
	r.lastDropAt = now
	log.Printf("usage router: secondary queue full, dropping matched records (%d dropped so far)", r.dropped.Load())
}

func (r *Router) worker() {
	defer r.wg.Done()
	for rec := range r.queue {
		r.deliver(rec)
	}
}

// deliver retries a bounded number of times with exponential backoff, then
// drops. Secondary loss is acceptable; the collector recovers the record
// from the primary store.
func (r *Router) deliver(rec model.LogRecord) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-r.done:
				return
			case <-time.After(r.cfg.RetryBackoff << (attempt - 1)):
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DeliverTimeout)
		lastErr = r.secondary.Deliver(ctx, rec)
		cancel()
		if lastErr == nil {
			return
		}
	}
	r.dropped.Add(1)
	log.Printf("usage router: secondary delivery failed after %d attempts, dropping record: %v", r.cfg.MaxRetries+1, lastErr)
}

// Dropped reports how many matched records were abandoned on the secondary
// path, either by a full queue or by exhausted retries.
func (r *Router) Dropped() int64 {
	return r.dropped.Load()
}

// Stop drains queued secondary deliveries and waits for the worker. In-flight
// retry backoffs are cut short.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.done)
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}
