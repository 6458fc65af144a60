package logsource

import "github.com/tinytelemetry/usagetap/internal/model"

// LogSource is a unified interface for all log input sources (TCP, stdin).
// Sources feed raw lines into the usage router.
type LogSource interface {
	Lines() <-chan model.IngestEnvelope // read-only channel of log lines
	Stop()                              // graceful shutdown
	Name() string                       // "tcp", "stdin"
}
