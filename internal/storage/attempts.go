package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	apperrors "github.com/scanward/scanward/internal/core/errors"
)

// ClaimForAnalysis atomically moves a video from the backlog to processing and
// opens a running attempt for it. The update only matches backlog rows, so a
// video that is already processing, analyzed, or parked yields no claim. A
// partial unique index on running attempts backs the same guarantee at the
// schema level.
func (db *DB) ClaimForAnalysis(ctx context.Context, videoID string) (string, error) {
	var attemptID pgtype.UUID

	err := db.Pool.QueryRow(ctx, `
		WITH claimed AS (
			UPDATE videos
			SET status = 'processing', attempt_count = attempt_count + 1
			WHERE id = $1 AND status = 'discovered'
			RETURNING id
		)
		INSERT INTO analysis_attempts (video_id, status)
		SELECT id, 'running' FROM claimed
		ON CONFLICT (video_id) WHERE status = 'running' DO NOTHING
		RETURNING id
	`, toUUID(videoID)).Scan(&attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: video %s", apperrors.ErrDuplicateScanInProgress, videoID)
		}

		return "", fmt.Errorf("claim for analysis: %w", err)
	}

	return fromUUID(attemptID), nil
}

// FinishAttempt closes an attempt with its final status and error kind.
func (db *DB) FinishAttempt(ctx context.Context, attemptID, status, errorKind string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE analysis_attempts
		SET status = $2, error_kind = $3, finished_at = now()
		WHERE id = $1
	`, toUUID(attemptID), status, errorKind)
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}

	return nil
}

// CountRunningAttempts counts attempts currently running across all workers.
func (db *DB) CountRunningAttempts(ctx context.Context) (int, error) {
	var count int

	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM analysis_attempts WHERE status = 'running'
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count running attempts: %w", err)
	}

	return count, nil
}

// ReapStuck fails running attempts started before now minus the threshold and
// returns their videos to the backlog, or parks them as failed once
// maxAttempts is reached. It reports how many attempts were reaped.
func (db *DB) ReapStuck(ctx context.Context, threshold time.Duration, errorKind string, maxAttempts int) (int64, error) {
	interval := pgtype.Interval{
		Microseconds: threshold.Microseconds(),
		Valid:        true,
	}

	var reaped int64

	err := db.Pool.QueryRow(ctx, `
		WITH stuck AS (
			UPDATE analysis_attempts
			SET status = 'failed', error_kind = $2, finished_at = now()
			WHERE status = 'running' AND started_at < now() - $1::interval
			RETURNING video_id
		), released AS (
			UPDATE videos v
			SET status = CASE WHEN v.attempt_count >= $3 THEN 'failed' ELSE 'discovered' END
			FROM stuck s
			WHERE v.id = s.video_id AND v.status = 'processing'
			RETURNING v.id
		)
		SELECT count(*) FROM stuck
	`, interval, errorKind, maxAttempts).Scan(&reaped)
	if err != nil {
		return 0, fmt.Errorf("reap stuck attempts: %w", err)
	}

	return reaped, nil
}
