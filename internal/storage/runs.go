package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kajihq/kaji/internal/model"
	"github.com/kajihq/kaji/pkg/runstate"
)

// SaveRun inserts a new run record.
func (db *DB) SaveRun(ctx context.Context, run model.RunRecord) error {
	requirements, err := json.Marshal(run.Requirements)
	if err != nil {
		return fmt.Errorf("storage: marshal requirements: %w", err)
	}
	config, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("storage: marshal config: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO runs (id, objective, phase, requirements, config, last_seq, started_at, completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.Objective, string(run.Phase), requirements, config,
		run.LastSeq, run.StartedAt, run.CompletedAt, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save run: %w", err)
	}
	return nil
}

// UpdateRun mirrors the run's latest phase, seq high-water mark, and
// completion time. Terminal phases are sticky: a stale update can never move
// a finished run back to a live phase.
func (db *DB) UpdateRun(ctx context.Context, run model.RunRecord) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET phase = $1, last_seq = GREATEST(last_seq, $2), completed_at = COALESCE(completed_at, $3)
		 WHERE id = $4 AND phase NOT IN ('completed', 'failed', 'cancelled')`,
		string(run.Phase), run.LastSeq, run.CompletedAt, run.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the run does not exist or it already reached a terminal
		// phase; distinguish so callers can treat the latter as benign.
		if _, err := db.GetRun(ctx, run.ID); err != nil {
			return err
		}
	}
	return nil
}

// GetRun retrieves a run record by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.RunRecord, error) {
	var (
		run          model.RunRecord
		phase        string
		requirements []byte
		config       []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, objective, phase, requirements, config, last_seq, started_at, completed_at, created_at
		 FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.Objective, &phase, &requirements, &config,
		&run.LastSeq, &run.StartedAt, &run.CompletedAt, &run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunRecord{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.RunRecord{}, fmt.Errorf("storage: get run: %w", err)
	}
	run.Phase = runstate.Phase(phase)
	if err := json.Unmarshal(requirements, &run.Requirements); err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: unmarshal requirements: %w", err)
	}
	if err := json.Unmarshal(config, &run.Config); err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: unmarshal config: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recently started runs, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, objective, phase, requirements, config, last_seq, started_at, completed_at, created_at
		 FROM runs ORDER BY started_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		var (
			run          model.RunRecord
			phase        string
			requirements []byte
			config       []byte
		)
		if err := rows.Scan(
			&run.ID, &run.Objective, &phase, &requirements, &config,
			&run.LastSeq, &run.StartedAt, &run.CompletedAt, &run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		run.Phase = runstate.Phase(phase)
		if err := json.Unmarshal(requirements, &run.Requirements); err != nil {
			return nil, fmt.Errorf("storage: unmarshal requirements: %w", err)
		}
		if err := json.Unmarshal(config, &run.Config); err != nil {
			return nil, fmt.Errorf("storage: unmarshal config: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
