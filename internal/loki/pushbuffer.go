package loki

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/usagetap/internal/model"
)

// DefaultPushQueueSize is the number of batches that can be queued for async pushing.
const DefaultPushQueueSize = 64

// Pusher is the narrow delivery contract the buffer flushes through.
type Pusher interface {
	Push(ctx context.Context, records []model.LogRecord) error
}

// PushBuffer batches records and flushes them to the log backend
// asynchronously. Add() never blocks on network IO, which keeps the router's
// primary path insulated from backend slowness.
type PushBuffer struct {
	pusher        Pusher
	mu            sync.Mutex
	pending       []model.LogRecord
	flushChan     chan []model.LogRecord
	maxBatch      int
	flushInterval time.Duration
	pushTimeout   time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup // separate WaitGroup for tickLoop

	// backpressureCount tracks inline flushes for throttled logging.
	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64 // unix timestamp of last backpressure log
}

// PushBufferConfig holds tunable parameters for the push buffer.
type PushBufferConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	PushTimeout   time.Duration
}

// NewPushBuffer creates a buffer that flushes to the pusher. The flush
// goroutine processes batches asynchronously so Add() never blocks on IO.
func NewPushBuffer(pusher Pusher, conf ...PushBufferConfig) *PushBuffer {
	batchSize := 1000
	flushInterval := 200 * time.Millisecond
	queueSize := DefaultPushQueueSize
	pushTimeout := 10 * time.Second
	if len(conf) > 0 {
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].QueueSize > 0 {
			queueSize = conf[0].QueueSize
		}
		if conf[0].PushTimeout > 0 {
			pushTimeout = conf[0].PushTimeout
		}
	}

	b := &PushBuffer{
		pusher:        pusher,
		pending:       make([]model.LogRecord, 0, batchSize),
		flushChan:     make(chan []model.LogRecord, queueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		pushTimeout:   pushTimeout,
		done:          make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

// Add queues a record for delivery. This never blocks on network IO.
func (b *PushBuffer) Add(rec model.LogRecord) {
	b.mu.Lock()
	b.pending = append(b.pending, rec)
	shouldFlush := len(b.pending) >= b.maxBatch
	var batch []model.LogRecord
	if shouldFlush {
		batch = b.pending
		b.pending = make([]model.LogRecord, 0, b.maxBatch)
	}
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- batch:
		default:
			// Backpressure safety valve: flush inline instead of spawning
			// unbounded goroutines under sustained overload.
			b.logBackpressure()
			b.flushBatch(batch)
		}
	}
}

// tickLoop periodically drains the pending buffer.
func (b *PushBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending() // final drain
			return
		}
	}
}

// drainPending moves pending records to the flush channel without blocking on the network.
func (b *PushBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]model.LogRecord, 0, b.maxBatch)
	b.mu.Unlock()

	select {
	case b.flushChan <- batch:
	default:
		b.logBackpressure()
		b.flushBatch(batch)
	}
}

// flushWorker processes batches from the flush channel.
func (b *PushBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		b.flushBatch(batch)
	}
}

func (b *PushBuffer) flushBatch(batch []model.LogRecord) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.pushTimeout)
	defer cancel()
	if err := b.pusher.Push(ctx, batch); err != nil {
		log.Printf("loki: push flush failed, %d records dropped: %v", len(batch), err)
	}
}

// logBackpressure emits a throttled warning (at most once per 10 seconds) when
// the flush channel is full and an inline flush is triggered.
func (b *PushBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		log.Printf("loki: backpressure — %d inline flushes (flush channel full, backend falling behind)", count)
	}
}

// Stop flushes remaining records and waits for all pushes to complete.
func (b *PushBuffer) Stop() {
	close(b.done)
	// Wait for tickLoop to finish its final drain before closing flushChan,
	// ensuring all pending records are handed to the flush worker.
	b.tickWg.Wait()
	close(b.flushChan)
	b.wg.Wait()
}
