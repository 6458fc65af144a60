package duckdb

import "github.com/tinytelemetry/usagetap/internal/model"

// Type aliases re-export model types so duckdb.Store method signatures stay
// usable without importing model at every call site.
type UsageEvent = model.UsageEvent
type Checkpoint = model.Checkpoint
type SourceStat = model.SourceStat
type MinuteCount = model.MinuteCount
type QueryOpts = model.QueryOpts
