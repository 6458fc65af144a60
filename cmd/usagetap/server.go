package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/tinytelemetry/usagetap/internal/backup"
	"github.com/tinytelemetry/usagetap/internal/classify"
	"github.com/tinytelemetry/usagetap/internal/collector"
	"github.com/tinytelemetry/usagetap/internal/duckdb"
	"github.com/tinytelemetry/usagetap/internal/loki"
	"github.com/tinytelemetry/usagetap/internal/model"
	"github.com/tinytelemetry/usagetap/internal/receiver"
	"github.com/tinytelemetry/usagetap/internal/router"
	"golang.org/x/sync/errgroup"
)

const readyProbeAttempts = 5

// pushJobLabel is the job value stamped on every pushed stream. The default
// collector selector filters on job, so pushed records must carry it or the
// pull path cannot re-scan them.
const pushJobLabel = "usagetap"

// runServer starts the capture service: the push-path router, the pull-path
// collector, and the HTTP API, each independently enabled.
func runServer(cfg appConfig) error {
	cleanupLogger := configureRuntimeLogger()
	defer cleanupLogger()

	// Initialize DuckDB store
	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()

	classifier, err := classify.NewClassifier(cfg.PredicateField)
	if err != nil {
		return fmt.Errorf("invalid predicate-field: %w", err)
	}

	// Both paths talk to the same log backend.
	var lokiClient *loki.Client
	if cfg.RouterEnabled || cfg.CollectorEnabled {
		lokiClient, err = loki.NewClient(cfg.LokiURL, cfg.LokiTimeout)
		if err != nil {
			return fmt.Errorf("invalid loki-url: %w", err)
		}
		// Fail fast: a misconfigured backend should surface at startup, not
		// as a silent poll loop that never lands anything.
		if err := waitForReady(lokiClient); err != nil {
			return fmt.Errorf("log backend not ready at %s: %w", cfg.LokiURL, err)
		}
	}

	// Start periodic backups when enabled.
	backupManager, err := backup.NewManager(store, backup.Config{
		Enabled:        cfg.BackupEnabled,
		Interval:       cfg.BackupInterval,
		LocalDir:       cfg.BackupLocalDir,
		KeepLast:       cfg.BackupKeepLast,
		BucketURL:      cfg.BackupBucketURL,
		S3Endpoint:     cfg.BackupS3Endpoint,
		S3Region:       cfg.BackupS3Region,
		S3AccessKey:    cfg.BackupS3AccessKey,
		S3SecretKey:    cfg.BackupS3SecretKey,
		S3SessionToken: cfg.BackupS3SessionToken,
		S3UseSSL:       cfg.BackupS3UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize backups: %w", err)
	}
	if backupManager != nil {
		defer backupManager.Stop()
	}

	// Capture endpoint and reporting API
	if cfg.APIEnabled {
		apiServer := receiver.NewServer(cfg.APIAddr, store, classifier, cfg.SourceLabel)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now — not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	// Push path: input sources -> router -> Loki push buffer, with matched
	// records teed to the capture endpoint.
	var mux *SourceMultiplexer
	var usageRouter *router.Router
	var pushBuffer *loki.PushBuffer
	if cfg.RouterEnabled {
		plugins := buildInputPlugins(InputPluginConfig{
			TCPEnabled: cfg.TCPEnabled,
			TCPAddr:    cfg.TCPAddr,
		})

		sources := make([]NamedLogSource, 0, len(plugins))
		for _, plugin := range plugins {
			if !plugin.Enabled() {
				continue
			}
			src, err := plugin.Build(ctx)
			if err != nil {
				log.Printf("Error initializing input plugin %q: %v", plugin.Name(), err)
				continue
			}
			sources = append(sources, src)
		}

		mux = NewSourceMultiplexer(ctx, sources, cfg.MuxBufferSize)
		mux.Start()

		pushBuffer = loki.NewPushBuffer(lokiClient, loki.PushBufferConfig{
			BatchSize:     cfg.PushBatchSize,
			FlushInterval: cfg.PushFlushInterval,
			QueueSize:     cfg.PushQueueSize,
			PushTimeout:   cfg.PushTimeout,
		})

		var secondary router.SecondarySink
		if cfg.CaptureURL != "" {
			client, err := router.NewSecondaryClient(cfg.CaptureURL, cfg.SecondaryTimeout)
			if err != nil {
				pushBuffer.Stop()
				return fmt.Errorf("invalid capture-url: %w", err)
			}
			secondary = client
		}

		usageRouter = router.New(pushBuffer, secondary, classifier, router.Config{
			QueueSize:      cfg.SecondaryQueueSize,
			MaxRetries:     cfg.SecondaryMaxRetries,
			RetryBackoff:   cfg.SecondaryRetryBackoff,
			DeliverTimeout: cfg.SecondaryTimeout,
		})
	}

	printStartupBanner(cfg, mux != nil && mux.HasSources())

	// Use errgroup for concurrent goroutine lifecycle management.
	g, gctx := errgroup.WithContext(ctx)

	// Pull path: single perpetual poll loop against the log backend.
	if cfg.CollectorEnabled {
		col := collector.New(lokiClient, store, classifier, collector.Config{
			PollInterval: cfg.PollInterval,
			Lookback:     cfg.LookbackWindow,
			Selector:     cfg.LokiSelector,
			QueryLimit:   cfg.LokiQueryLimit,
			QueryTimeout: cfg.LokiTimeout,
			WriteTimeout: cfg.QueryTimeout,
			SourceLabel:  cfg.SourceLabel,
		})
		g.Go(func() error {
			return col.Run(gctx)
		})
	}

	// Ingestion loop
	if mux != nil && mux.HasSources() {
		g.Go(func() error {
			for env := range mux.Lines() {
				usageRouter.Route(recordFromEnvelope(env, cfg.SourceLabel))
			}
			return nil
		})
	}

	// Wait for context cancellation (from signal handler) in the errgroup
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	// Wait for either signal or all sources to close.
	if err := g.Wait(); err != nil {
		log.Printf("server: errgroup exited with error: %v", err)
	}

	cancel()
	if mux != nil {
		mux.Stop()
	}
	if usageRouter != nil {
		usageRouter.Stop()
	}
	if pushBuffer != nil {
		pushBuffer.Stop()
	}

	// If we reach here, graceful shutdown succeeded within the deadline.
	// The signal goroutine (if active) dies with the process.
	signal.Stop(sigCh)

	return nil
}

// recordFromEnvelope turns a raw ingested line into the record shape the
// router and the log backend share. The ingest time is the only timestamp
// available for pushed lines; stream labels carry the job, the transport
// name and, when the line is structured, the emitting application.
func recordFromEnvelope(env model.IngestEnvelope, sourceLabel string) model.LogRecord {
	labels := map[string]string{"job": pushJobLabel, "source": env.Source}
	if fields := classify.ParseFields(env.Line); fields != nil {
		if svc, ok := fields[sourceLabel].(string); ok && svc != "" {
			labels[sourceLabel] = svc
		}
	}
	return model.LogRecord{
		Timestamp: time.Now().UTC(),
		Labels:    labels,
		Line:      env.Line,
	}
}

// waitForReady probes the backend readiness endpoint with a short backoff.
func waitForReady(client *loki.Client) error {
	var lastErr error
	for attempt := 0; attempt < readyProbeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lastErr = client.Ready(ctx)
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func configureRuntimeLogger() func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	home, err := os.UserHomeDir()
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "usagetap")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(logDir, "usagetap.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		_ = f.Close()
	}
}

func printStartupBanner(cfg appConfig, hasSources bool) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╦ ╦╔═╗╔═╗╔═╗╔═╗╔╦╗╔═╗╔═╗
    ║ ║╚═╗╠═╣║ ╦║╣  ║ ╠═╣╠═╝
    ╚═╝╚═╝╩ ╩╚═╝╚═╝ ╩ ╩ ╩╩`)

	ver := dim.Render("v" + version)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	// Capture
	lines = append(lines, bold.Render("    Capture"))
	lines = append(lines, "")

	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}

	if cfg.RouterEnabled && cfg.TCPEnabled {
		lines = append(lines, fmt.Sprintf("    %s  TCP Ingest     %s", check, cyan.Render(cfg.TCPAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  TCP Ingest     %s", dot, dim.Render("disabled")))
	}

	if cfg.CollectorEnabled {
		window := fmt.Sprintf("%s every %s, lookback %s", cfg.LokiURL, cfg.PollInterval, cfg.LookbackWindow)
		lines = append(lines, fmt.Sprintf("    %s  Collector      %s", check, cyan.Render(window)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Collector      %s", dot, dim.Render("disabled")))
	}

	if cfg.RouterEnabled && !hasSources {
		lines = append(lines, fmt.Sprintf("    %s  %s", dot, dim.Render("router enabled but no input sources active")))
	}
	lines = append(lines, "")

	// Storage
	lines = append(lines, bold.Render("    Storage"))
	lines = append(lines, "")

	lines = append(lines, fmt.Sprintf("    %s  Storage        %s", check, dim.Render(shortenPath(cfg.DBPath))))
	if cfg.BackupEnabled {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", check, dim.Render(shortenPath(cfg.BackupLocalDir))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", dot, dim.Render("disabled")))
	}

	lines = append(lines, "")
	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Predicate      %s", check, dim.Render(cfg.PredicateField+"=true")))
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
