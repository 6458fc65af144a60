package duckdb

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"
)

// dangerousKeywordPattern matches dangerous SQL keywords at word boundaries.
// This avoids false positives like "RESET" matching "SET".
// Used as defense-in-depth after comment stripping and semicolon rejection.
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET)\b`,
)

// blockCommentPattern matches C-style block comments (/* ... */).
var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

// stripSQLComments removes -- line comments and /* */ block comments from a query.
func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	var result strings.Builder
	for _, line := range strings.Split(cleaned, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		result.WriteString(line)
		result.WriteByte('\n')
	}
	return result.String()
}

// sourceFilter returns a WHERE clause and args when opts.Source is non-empty.
func sourceFilter(opts QueryOpts) (clause string, args []interface{}) {
	if opts.Source != "" {
		return "WHERE source = ?", []interface{}{opts.Source}
	}
	return "", nil
}

// TotalEventCount returns the number of captured usage events.
func (s *Store) TotalEventCount(opts QueryOpts) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	where, wArgs := sourceFilter(opts)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM usage_events %s`, where)

	var count int64
	err := s.db.QueryRowContext(ctx, query, wArgs...).Scan(&count)
	return count, err
}

// EventCountBySource returns applications by descending captured-event count.
func (s *Store) EventCountBySource(limit int) ([]SourceStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*) AS count
		FROM usage_events
		GROUP BY source
		ORDER BY count DESC, source ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SourceStat
	for rows.Next() {
		var st SourceStat
		if err := rows.Scan(&st.Source, &st.Count); err != nil {
			log.Printf("duckdb scan error (EventCountBySource): %v", err)
			continue
		}
		results = append(results, st)
	}
	return results, rows.Err()
}

// EventsPerMinute returns per-minute captured-event volume by event time.
func (s *Store) EventsPerMinute(opts QueryOpts) ([]MinuteCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	where, wArgs := sourceFilter(opts)
	query := fmt.Sprintf(`
		SELECT date_trunc('minute', timestamp) AS minute, COUNT(*) AS count
		FROM usage_events %s
		GROUP BY minute
		ORDER BY minute`, where)

	rows, err := s.db.QueryContext(ctx, query, wArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MinuteCount
	for rows.Next() {
		var mc MinuteCount
		if err := rows.Scan(&mc.Minute, &mc.Count); err != nil {
			log.Printf("duckdb scan error (EventsPerMinute): %v", err)
			continue
		}
		results = append(results, mc)
	}
	return results, rows.Err()
}

// RecentEvents returns the most recent captured events by event time.
// Consumers must treat the store as a set: retries and overlapping windows
// can land events out of timestamp order.
func (s *Store) RecentEvents(limit int, opts QueryOpts) ([]*UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	where, wArgs := sourceFilter(opts)
	query := fmt.Sprintf(`
		SELECT identity, timestamp, source, CAST(payload AS VARCHAR) AS payload
		FROM usage_events %s
		ORDER BY timestamp DESC
		LIMIT ?`, where)

	args := append(wArgs, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*UsageEvent
	for rows.Next() {
		var e UsageEvent
		var payloadJSON string
		if err := rows.Scan(&e.Identity, &e.Timestamp, &e.Source, &payloadJSON); err != nil {
			log.Printf("duckdb scan error (RecentEvents): %v", err)
			continue
		}
		e.Payload = make(map[string]any)
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				log.Printf("duckdb: unparseable payload for %s: %v", e.Identity, err)
			}
		}
		results = append(results, &e)
	}
	return results, rows.Err()
}

// EventsSince returns captured events with event time at or after cutoff,
// oldest first.
func (s *Store) EventsSince(cutoff time.Time, limit int) ([]*UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, timestamp, source, CAST(payload AS VARCHAR) AS payload
		FROM usage_events
		WHERE timestamp >= ?
		ORDER BY timestamp
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*UsageEvent
	for rows.Next() {
		var e UsageEvent
		var payloadJSON string
		if err := rows.Scan(&e.Identity, &e.Timestamp, &e.Source, &payloadJSON); err != nil {
			log.Printf("duckdb scan error (EventsSince): %v", err)
			continue
		}
		e.Payload = make(map[string]any)
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				log.Printf("duckdb: unparseable payload for %s: %v", e.Identity, err)
			}
		}
		results = append(results, &e)
	}
	return results, rows.Err()
}

// ListSources returns all distinct application names seen so far.
func (s *Store) ListSources() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source FROM usage_events ORDER BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			log.Printf("duckdb scan error (ListSources): %v", err)
			continue
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ExecuteQuery runs a read-only SQL query and returns results as maps.
// Only SELECT/WITH read queries are allowed; DDL/DML is rejected.
func (s *Store) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(query)

	// Reject semicolons to prevent statement chaining.
	if strings.Contains(trimmed, ";") {
		return nil, fmt.Errorf("query must not contain semicolons")
	}

	// Strip SQL comments so keywords hidden in comments are still caught.
	stripped := strings.TrimSpace(stripSQLComments(trimmed))
	upper := strings.ToUpper(stripped)

	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return nil, fmt.Errorf("only SELECT/WITH queries are allowed")
	}

	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return nil, fmt.Errorf("query contains disallowed keyword: %s", strings.ToUpper(match))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	maxRows := 1000

	for rows.Next() && len(results) < maxRows {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			log.Printf("duckdb scan error (ExecuteQuery): %v", err)
			continue
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

// GetSchemaDescription returns a human-readable schema description for reporting tools.
func (s *Store) GetSchemaDescription() string {
	return `Table 'usage_events': identity (VARCHAR, unique content hash), ` +
		`timestamp (TIMESTAMP, event time), source (VARCHAR, application name), ` +
		`payload (JSON, parsed log fields), ingested_at (TIMESTAMP). ` +
		`Table 'collector_checkpoint': id (INTEGER), window_end (TIMESTAMP), updated_at (TIMESTAMP).`
}

// TableRowCounts returns the row count for each known table using a hardcoded allowlist.
func (s *Store) TableRowCounts() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	allowedTables := []string{"usage_events", "collector_checkpoint"}
	counts := make(map[string]int64, len(allowedTables))

	for _, table := range allowedTables {
		var count int64
		// Table names are hardcoded constants, not user input.
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			continue
		}
		counts[table] = count
	}
	return counts, nil
}
