package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/scanward/scanward/internal/core/domain"
	apperrors "github.com/scanward/scanward/internal/core/errors"
)

const runColumns = `
	id, max_quota, source_tracking_used, trend_scan_used, keyword_search_used,
	refresh_used, items_found, items_matched, sources_touched,
	keyword_phase_skipped, status, error, started_at, finished_at`

// CreateRun inserts a new discovery run record and fills in its ID.
func (db *DB) CreateRun(ctx context.Context, run *domain.DiscoveryRun) error {
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}

	var id pgtype.UUID

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO discovery_runs (max_quota, status)
		VALUES ($1, $2)
		RETURNING id, started_at
	`, run.MaxQuota, run.Status).Scan(&id, &run.StartedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	run.ID = fromUUID(id)

	return nil
}

// UpdateRun stores the current counters and status of a discovery run.
func (db *DB) UpdateRun(ctx context.Context, run *domain.DiscoveryRun) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE discovery_runs
		SET source_tracking_used = $2,
		    trend_scan_used = $3,
		    keyword_search_used = $4,
		    refresh_used = $5,
		    items_found = $6,
		    items_matched = $7,
		    sources_touched = $8,
		    keyword_phase_skipped = $9,
		    status = $10,
		    error = $11,
		    finished_at = $12
		WHERE id = $1
	`,
		toUUID(run.ID),
		run.SourceTrackingUsed,
		run.TrendScanUsed,
		run.KeywordSearchUsed,
		run.RefreshUsed,
		run.ItemsFound,
		run.ItemsMatched,
		run.SourcesTouched,
		run.KeywordPhaseSkipped,
		run.Status,
		run.Error,
		toTimestamptz(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	return nil
}

// GetRun retrieves a discovery run by ID.
func (db *DB) GetRun(ctx context.Context, id string) (*domain.DiscoveryRun, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM discovery_runs WHERE id = $1
	`, toUUID(id))

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrRunNotFound
		}

		return nil, fmt.Errorf("get run: %w", err)
	}

	return run, nil
}

// ListRecentRuns returns the most recent discovery runs, newest first.
func (db *DB) ListRecentRuns(ctx context.Context, limit int) ([]domain.DiscoveryRun, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM discovery_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.DiscoveryRun

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}

		runs = append(runs, *run)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate run rows: %w", rows.Err())
	}

	return runs, nil
}

func scanRun(row pgx.Row) (*domain.DiscoveryRun, error) {
	var (
		id         pgtype.UUID
		finishedAt pgtype.Timestamptz
	)

	run := domain.DiscoveryRun{}

	if err := row.Scan(
		&id,
		&run.MaxQuota,
		&run.SourceTrackingUsed,
		&run.TrendScanUsed,
		&run.KeywordSearchUsed,
		&run.RefreshUsed,
		&run.ItemsFound,
		&run.ItemsMatched,
		&run.SourcesTouched,
		&run.KeywordPhaseSkipped,
		&run.Status,
		&run.Error,
		&run.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	run.ID = fromUUID(id)
	run.FinishedAt = fromTimestamptz(finishedAt)

	return &run, nil
}
