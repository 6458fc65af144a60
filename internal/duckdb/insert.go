package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinytelemetry/usagetap/internal/model"
)

const insertEventSQL = `INSERT INTO usage_events (identity, timestamp, source, payload)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (identity) DO NOTHING`

const upsertCheckpointSQL = `INSERT INTO collector_checkpoint (id, window_end, updated_at)
	VALUES (1, ?, now())
	ON CONFLICT (id) DO UPDATE SET window_end = excluded.window_end, updated_at = now()`

// InsertUsageBatch inserts a batch of usage events in a single transaction.
// Events whose identity already exists are silently skipped; the store's
// uniqueness constraint is the authoritative dedup point. Any row failure
// rolls back the whole batch, so a caller never observes a partial commit.
// Returns the number of newly inserted rows.
func (s *Store) InsertUsageBatch(ctx context.Context, events []*model.UsageEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := insertEventsTx(ctx, tx, events)
		inserted = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// CommitWindow persists a batch of events and advances the collector
// checkpoint to windowEnd in the same transaction, so the checkpoint can
// never run ahead of the rows it guards. Returns the number of newly
// inserted rows.
func (s *Store) CommitWindow(ctx context.Context, events []*model.UsageEvent, windowEnd time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := insertEventsTx(ctx, tx, events)
		if err != nil {
			return err
		}
		inserted = n
		if _, err := tx.ExecContext(ctx, upsertCheckpointSQL, windowEnd); err != nil {
			return fmt.Errorf("checkpoint upsert: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// LoadCheckpoint reads the collector checkpoint. found is false when no
// successful window has ever been committed.
func (s *Store) LoadCheckpoint(ctx context.Context) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cp model.Checkpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT window_end, updated_at FROM collector_checkpoint WHERE id = 1`,
	).Scan(&cp.WindowEnd, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.Checkpoint{}, false, nil
	}
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	return cp, true, nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func insertEventsTx(ctx context.Context, tx *sql.Tx, events []*model.UsageEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range events {
		if e.Identity == "" {
			return 0, fmt.Errorf("event insert: empty identity")
		}

		payload := []byte("{}")
		if len(e.Payload) > 0 {
			data, merr := json.Marshal(e.Payload)
			if merr != nil {
				return 0, fmt.Errorf("marshal payload for %s: %w", e.Identity, merr)
			}
			payload = data
		}

		source := e.Source
		if source == "" {
			source = "unknown"
		}

		res, err := stmt.ExecContext(ctx, e.Identity, e.Timestamp, source, string(payload))
		if err != nil {
			return 0, fmt.Errorf("event insert: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	return inserted, nil
}
