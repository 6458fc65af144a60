package receiver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tinytelemetry/usagetap/internal/classify"
	"github.com/tinytelemetry/usagetap/internal/model"
)

// CaptureStore is the store contract required by the capture API:
// idempotent writes plus the read-only reporting surface.
type CaptureStore interface {
	model.EventWriter
	model.EventReader
}

// Server exposes the capture endpoint and the reporting API.
type Server struct {
	addr        string
	store       CaptureStore
	classifier  *classify.Classifier
	sourceLabel string
	server      *http.Server
	ctx         context.Context
	cancel      context.CancelFunc
	startTime   time.Time
}

// NewServer creates a new capture API server.
func NewServer(addr string, store CaptureStore, classifier *classify.Classifier, sourceLabel string) *Server {
	if addr == "" {
		addr = "0.0.0.0:3000"
	}
	if sourceLabel == "" {
		sourceLabel = model.DefaultSourceLabel
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		store:       store,
		classifier:  classifier,
		sourceLabel: sourceLabel,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/v1/usage", s.handleIngest)
	r.GET("/api/v1/stats", s.handleStats)
	r.GET("/api/v1/events/recent", s.handleRecentEvents)
	r.GET("/api/health", s.handleHealth)
	r.GET("/api/schema", s.handleSchema)
	r.POST("/api/query", s.handleQuery)

	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type ingestRequest struct {
	Timestamp time.Time         `json:"timestamp" binding:"required"`
	Labels    map[string]string `json:"labels"`
	Line      string            `json:"line" binding:"required"`
}

// handleIngest accepts one log record, verifies it is a usage event, and
// writes it. Re-delivering the same record is always safe: a duplicate
// identity is acknowledged without a second row.
func (s *Server) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing timestamp/line"})
		return
	}

	fields := classify.ParseFields(req.Line)
	if fields == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "line is not a JSON object"})
		return
	}
	if !s.classifier.Match(fields) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": fmt.Sprintf("line is not a usage event: %q is not boolean true", s.classifier.Field()),
		})
		return
	}

	rec := model.LogRecord{
		Timestamp: req.Timestamp,
		Labels:    req.Labels,
		Line:      req.Line,
	}
	event := &model.UsageEvent{
		Identity:  model.Identity(rec),
		Timestamp: rec.Timestamp,
		Source:    model.SourceOf(rec.Labels, s.sourceLabel),
		Payload:   fields,
	}

	inserted, err := s.store.InsertUsageBatch(c.Request.Context(), []*model.UsageEvent{event})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist usage event"})
		return
	}

	status := "accepted"
	if inserted == 0 {
		status = "duplicate"
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":   status,
		"identity": event.Identity,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	opts := model.QueryOpts{Source: c.Query("source")}

	total, err := s.store.TotalEventCount(opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read event counts"})
		return
	}

	bySource, err := s.store.EventCountBySource(20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read per-source counts"})
		return
	}
	sources := make([]gin.H, 0, len(bySource))
	for _, stat := range bySource {
		sources = append(sources, gin.H{"source": stat.Source, "count": stat.Count})
	}

	perMinute, err := s.store.EventsPerMinute(opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read per-minute counts"})
		return
	}
	minutes := make([]gin.H, 0, len(perMinute))
	for _, m := range perMinute {
		minutes = append(minutes, gin.H{"minute": m.Minute.Format(time.RFC3339), "count": m.Count})
	}

	c.JSON(http.StatusOK, gin.H{
		"total_events": total,
		"by_source":    sources,
		"per_minute":   minutes,
	})
}

func (s *Server) handleRecentEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 1000"})
			return
		}
		limit = n
	}

	var events []*model.UsageEvent
	var err error
	if raw := c.Query("since"); raw != "" {
		cutoff, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC 3339 timestamp"})
			return
		}
		events, err = s.store.EventsSince(cutoff, limit)
	} else {
		events, err = s.store.RecentEvents(limit, model.QueryOpts{Source: c.Query("source")})
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read recent events"})
		return
	}

	out := make([]gin.H, 0, len(events))
	for _, e := range events {
		out = append(out, gin.H{
			"identity":  e.Identity,
			"timestamp": e.Timestamp.Format(time.RFC3339Nano),
			"source":    e.Source,
			"payload":   e.Payload,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out, "count": len(out)})
}

func (s *Server) handleHealth(c *gin.Context) {
	eventCount, err := s.store.TotalEventCount(model.QueryOpts{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).String(),
		"event_count": eventCount,
	})
}

func (s *Server) handleSchema(c *gin.Context) {
	description := s.store.GetSchemaDescription()

	tables, err := s.store.ExecuteQuery(
		"SELECT table_name, column_name, data_type FROM information_schema.columns WHERE table_schema = 'main' ORDER BY table_name, ordinal_position",
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read schema metadata"})
		return
	}

	schema := make(map[string][]map[string]string)
	for _, row := range tables {
		tableName := fmt.Sprintf("%v", row["table_name"])
		schema[tableName] = append(schema[tableName], map[string]string{
			"column": fmt.Sprintf("%v", row["column_name"]),
			"type":   fmt.Sprintf("%v", row["data_type"]),
		})
	}

	counts, err := s.store.TableRowCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"description": description,
		"tables":      schema,
		"row_counts":  counts,
	})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}

	results, err := s.store.ExecuteQuery(req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var columns []string
	if len(results) > 0 {
		for col := range results[0] {
			columns = append(columns, col)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      results,
		"row_count": len(results),
	})
}
