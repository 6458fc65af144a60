package model

import "time"

// LogRecord represents a single log line as stored by the log backend.
// It is the canonical type flowing between the backend client, the router,
// and the collector.
type LogRecord struct {
	Timestamp time.Time         // event time assigned by the emitting process
	Labels    map[string]string // stream labels identifying the source
	Line      string            // original textual payload
}

// UsageEvent is the structured record landed in the store. It is created
// once, at capture time, and never mutated.
type UsageEvent struct {
	Identity  string         // content-derived dedup key, unique in the store
	Timestamp time.Time      // event time carried over from the log record
	Source    string         // application name extracted from stream labels
	Payload   map[string]any // full parsed fields map, stored opaquely as JSON
}

// Checkpoint is the collector's persisted progress marker. The next poll
// window always starts lookback before WindowEnd.
type Checkpoint struct {
	WindowEnd time.Time
	UpdatedAt time.Time
}

// SourceStat represents per-application captured-event counts.
type SourceStat struct {
	Source string
	Count  int64
}

// MinuteCount represents captured-event volume for one minute.
type MinuteCount struct {
	Minute time.Time
	Count  int64
}

// IngestEnvelope carries one raw log line with source metadata.
// It is the transport contract between input plugins and the router.
type IngestEnvelope struct {
	Source string
	Line   string
}
