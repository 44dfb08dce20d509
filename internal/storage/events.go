package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kajihq/kaji/pkg/runstate"
)

// AppendEvent persists one run event. The (run_id, seq) primary key makes a
// duplicate append from a crashed-and-restarted writer a hard error rather
// than a silent fork of the log. Transient serialization conflicts retry
// with jittered backoff.
func (db *DB) AppendEvent(ctx context.Context, event runstate.Event) error {
	err := db.retryAppend(ctx, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO run_events (run_id, seq, event_type, occurred_at, payload)
			 VALUES ($1, $2, $3, $4, $5)`,
			event.RunID, event.Seq, string(event.Type), event.Timestamp, []byte(event.Data),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: append event: %w", err)
	}
	return nil
}

// EventsAfter returns a run's events with seq > after, in ascending seq
// order. limit <= 0 defaults to 1000; callers detect truncation by comparing
// the returned length against the limit.
func (db *DB) EventsAfter(ctx context.Context, runID uuid.UUID, after int64, limit int) ([]runstate.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, seq, event_type, occurred_at, payload
		 FROM run_events WHERE run_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`, runID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: events after: %w", err)
	}
	defer rows.Close()

	var events []runstate.Event
	for rows.Next() {
		var (
			e       runstate.Event
			typ     string
			payload []byte
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &typ, &e.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.Type = runstate.EventType(typ)
		e.Data = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSeq returns the highest persisted seq for a run, or 0 when the run
// has no events yet.
func (db *DB) LatestSeq(ctx context.Context, runID uuid.UUID) (int64, error) {
	var seq int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id = $1`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("storage: latest seq: %w", err)
	}
	return seq, nil
}
