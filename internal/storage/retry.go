package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Append retry policy. Each run's log has a single writer, so conflicts are
// rare; a short jittered backoff clears transient rollbacks without stalling
// the run loop behind its own persistence.
const (
	appendAttempts  = 4
	appendBaseDelay = 50 * time.Millisecond
)

// appendRetryable reports whether an event-log write can run again without
// risking a duplicate append: serialization and deadlock rollbacks, plus
// network failures pgx knows never reached the server. A unique violation on
// (run_id, seq) is deliberately not retryable; it means the log forked.
func appendRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

// retryAppend runs one event-log write, retrying transient conflicts with
// jittered exponential backoff.
func (db *DB) retryAppend(ctx context.Context, fn func() error) error {
	delay := appendBaseDelay
	var err error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		err = fn()
		if err == nil || !appendRetryable(err) {
			return err
		}
		if attempt == appendAttempts {
			break
		}
		db.logger.Debug("retrying event append", "attempt", attempt, "error", err)
		jitter := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}
