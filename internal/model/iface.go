package model

import (
	"context"
	"time"
)

// QueryOpts holds optional filters applied to most reporting queries.
type QueryOpts struct {
	Source string // empty = all sources
}

// EventWriter is the idempotent store-writer contract. Inserting an event
// whose identity already exists is a no-op, never an error; the returned
// count covers newly inserted rows only. Any row failure fails the whole
// batch with no partial commit visible to the caller.
type EventWriter interface {
	InsertUsageBatch(ctx context.Context, events []*UsageEvent) (int, error)
}

// WindowCommitter extends EventWriter with the collector's checkpoint
// protocol: the batch and the checkpoint it guards commit in one transaction.
type WindowCommitter interface {
	EventWriter
	CommitWindow(ctx context.Context, events []*UsageEvent, windowEnd time.Time) (int, error)
	LoadCheckpoint(ctx context.Context) (Checkpoint, bool, error)
}

// EventQuerier provides read-only reporting queries on captured events.
type EventQuerier interface {
	TotalEventCount(opts QueryOpts) (int64, error)
	EventCountBySource(limit int) ([]SourceStat, error)
	EventsPerMinute(opts QueryOpts) ([]MinuteCount, error)
	RecentEvents(limit int, opts QueryOpts) ([]*UsageEvent, error)
	EventsSince(cutoff time.Time, limit int) ([]*UsageEvent, error)
	ListSources() ([]string, error)
}

// SchemaQuerier provides schema introspection and arbitrary read-only queries.
type SchemaQuerier interface {
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts() (map[string]int64, error)
}

// EventReader is the unified read-side contract for the HTTP API.
type EventReader interface {
	EventQuerier
	SchemaQuerier
}
