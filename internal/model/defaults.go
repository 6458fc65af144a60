package model

import "time"

// Shared defaults used across the collector, router, and CLI entrypoint.
const (
	DefaultPollInterval   = 60 * time.Second
	DefaultLookbackWindow = 2 * time.Minute
	DefaultPredicateField = "usage"
	DefaultSourceLabel    = "service"
)
