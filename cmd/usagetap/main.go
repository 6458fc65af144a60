package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/usagetap/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("UsageTap - Usage Event Capture Service\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	defaultDBPath := filepath.Join(home, ".local", "share", "usagetap", "usagetap.duckdb")

	v := viper.New()
	v.SetEnvPrefix("USAGETAP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("db-path", defaultDBPath)
	v.SetDefault("query-timeout", defaultQueryTimeout)

	v.SetDefault("predicate-field", defaultPredicateField)
	v.SetDefault("source-label", defaultSourceLabel)

	v.SetDefault("loki-url", defaultLokiURL)
	v.SetDefault("loki-selector", defaultLokiSelector)
	v.SetDefault("loki-query-limit", defaultLokiQueryLimit)
	v.SetDefault("loki-timeout", defaultLokiTimeout)

	v.SetDefault("collector-enabled", true)
	v.SetDefault("poll-interval", defaultPollInterval)
	v.SetDefault("lookback-window", defaultLookbackWindow)

	v.SetDefault("router-enabled", true)
	v.SetDefault("tcp-enabled", true)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("mux-buffer-size", defaultMuxBufferSize)

	v.SetDefault("push-batch-size", defaultPushBatchSize)
	v.SetDefault("push-flush-interval", defaultPushFlushInterval)
	v.SetDefault("push-queue-size", defaultPushQueueSize)
	v.SetDefault("push-timeout", defaultPushTimeout)

	v.SetDefault("secondary-queue-size", defaultSecondaryQueueSize)
	v.SetDefault("secondary-max-retries", defaultSecondaryMaxRetries)
	v.SetDefault("secondary-retry-backoff", defaultSecondaryRetryBackoff)
	v.SetDefault("secondary-timeout", defaultSecondaryTimeout)

	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)

	v.SetDefault("backup-interval", 6*time.Hour)
	v.SetDefault("backup-keep-last", 24)
	v.SetDefault("backup-local-dir", filepath.Join(home, ".local", "share", "usagetap", "backups"))

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "usagetap", "config.yml")
		v.SetConfigFile(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return cfg, fmt.Errorf("invalid tcp-port: %d", cfg.TCPPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.LookbackWindow <= 0 {
		return cfg, fmt.Errorf("invalid lookback-window: %v", cfg.LookbackWindow)
	}
	if cfg.PollInterval <= 0 {
		return cfg, fmt.Errorf("invalid poll-interval: %v", cfg.PollInterval)
	}
	if cfg.BackupEnabled {
		if cfg.BackupInterval <= 0 {
			return cfg, fmt.Errorf("invalid backup-interval: %v", cfg.BackupInterval)
		}
		if cfg.BackupKeepLast <= 0 {
			return cfg, fmt.Errorf("invalid backup-keep-last: %d", cfg.BackupKeepLast)
		}
		if cfg.BackupBucketURL != "" && (cfg.BackupS3AccessKey == "" || cfg.BackupS3SecretKey == "") {
			return cfg, fmt.Errorf("backup-s3-access-key and backup-s3-secret-key are required with backup-bucket-url")
		}
	}

	// Expand ~ in db-path
	if strings.HasPrefix(cfg.DBPath, "~/") {
		cfg.DBPath = filepath.Join(home, cfg.DBPath[2:])
	}

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.APIPort))
	}
	// The router delivers matched records to the local capture endpoint
	// unless pointed elsewhere.
	if cfg.CaptureURL == "" {
		cfg.CaptureURL = fmt.Sprintf("http://%s/api/v1/usage", cfg.APIAddr)
	}

	return cfg, nil
}
