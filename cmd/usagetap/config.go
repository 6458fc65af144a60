package main

import (
	"time"

	"github.com/tinytelemetry/usagetap/internal/model"
)

const (
	defaultBindHost       = "127.0.0.1"
	defaultTCPPort        = 4000
	defaultAPIPort        = 3000
	defaultMuxBufferSize  = DefaultMuxBuffer
	defaultQueryTimeout   = 30 * time.Second
	defaultLokiURL        = "http://127.0.0.1:3100"
	defaultLokiSelector   = `{job=~".+"}`
	defaultLokiQueryLimit = 5000
	defaultLokiTimeout    = 10 * time.Second

	defaultPollInterval   = model.DefaultPollInterval
	defaultLookbackWindow = model.DefaultLookbackWindow
	defaultPredicateField = model.DefaultPredicateField
	defaultSourceLabel    = model.DefaultSourceLabel

	defaultPushBatchSize     = 1000
	defaultPushFlushInterval = 200 * time.Millisecond
	defaultPushQueueSize     = 64
	defaultPushTimeout       = 10 * time.Second

	defaultSecondaryQueueSize    = 256
	defaultSecondaryMaxRetries   = 3
	defaultSecondaryRetryBackoff = 500 * time.Millisecond
	defaultSecondaryTimeout      = 5 * time.Second
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DBPath       string        `mapstructure:"db-path"`
	QueryTimeout time.Duration `mapstructure:"query-timeout"`

	PredicateField string `mapstructure:"predicate-field"`
	SourceLabel    string `mapstructure:"source-label"`

	LokiURL        string        `mapstructure:"loki-url"`
	LokiSelector   string        `mapstructure:"loki-selector"`
	LokiQueryLimit int           `mapstructure:"loki-query-limit"`
	LokiTimeout    time.Duration `mapstructure:"loki-timeout"`

	CollectorEnabled bool          `mapstructure:"collector-enabled"`
	PollInterval     time.Duration `mapstructure:"poll-interval"`
	LookbackWindow   time.Duration `mapstructure:"lookback-window"`

	RouterEnabled bool   `mapstructure:"router-enabled"`
	TCPEnabled    bool   `mapstructure:"tcp-enabled"`
	TCPPort       int    `mapstructure:"tcp-port"`
	TCPAddr       string `mapstructure:"tcp-addr"`
	MuxBufferSize int    `mapstructure:"mux-buffer-size"`

	PushBatchSize     int           `mapstructure:"push-batch-size"`
	PushFlushInterval time.Duration `mapstructure:"push-flush-interval"`
	PushQueueSize     int           `mapstructure:"push-queue-size"`
	PushTimeout       time.Duration `mapstructure:"push-timeout"`

	CaptureURL            string        `mapstructure:"capture-url"`
	SecondaryQueueSize    int           `mapstructure:"secondary-queue-size"`
	SecondaryMaxRetries   int           `mapstructure:"secondary-max-retries"`
	SecondaryRetryBackoff time.Duration `mapstructure:"secondary-retry-backoff"`
	SecondaryTimeout      time.Duration `mapstructure:"secondary-timeout"`

	APIEnabled bool   `mapstructure:"api-enabled"`
	APIPort    int    `mapstructure:"api-port"`
	APIAddr    string `mapstructure:"api-addr"`

	BackupEnabled        bool          `mapstructure:"backup-enabled"`
	BackupInterval       time.Duration `mapstructure:"backup-interval"`
	BackupLocalDir       string        `mapstructure:"backup-local-dir"`
	BackupKeepLast       int           `mapstructure:"backup-keep-last"`
	BackupBucketURL      string        `mapstructure:"backup-bucket-url"`
	BackupS3Endpoint     string        `mapstructure:"backup-s3-endpoint"`
	BackupS3Region       string        `mapstructure:"backup-s3-region"`
	BackupS3AccessKey    string        `mapstructure:"backup-s3-access-key"`
	BackupS3SecretKey    string        `mapstructure:"backup-s3-secret-key"`
	BackupS3SessionToken string        `mapstructure:"backup-s3-session-token"`
	BackupS3UseSSL       bool          `mapstructure:"backup-s3-use-ssl"`

	ConfigPath string `mapstructure:"-"` // not from config file
}
