package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/scanward/scanward/internal/core/domain"
	apperrors "github.com/scanward/scanward/internal/core/errors"
)

const videoColumns = `
	id, platform_video_id, source_id, title, description, view_count,
	view_velocity, duration_seconds, published_at, discovered_at,
	stats_refreshed_at, status, matched_targets, scan_priority, source_risk,
	item_risk, attempt_count, verdict, confidence, detected_entities, analyzed_at`

// UpsertDiscovered inserts a newly discovered video. It reports false when the
// platform video ID is already known.
func (db *DB) UpsertDiscovered(ctx context.Context, video *domain.Video) (bool, error) {
	if video.Status == "" {
		video.Status = domain.VideoStatusDiscovered
	}

	var id pgtype.UUID

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO videos (
			platform_video_id, source_id, title, description, view_count,
			view_velocity, duration_seconds, published_at, stats_refreshed_at,
			status, matched_targets, scan_priority, source_risk, item_risk
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (platform_video_id) DO NOTHING
		RETURNING id
	`,
		video.PlatformVideoID,
		toUUID(video.SourceID),
		SanitizeUTF8(video.Title),
		SanitizeUTF8(video.Description),
		video.ViewCount,
		toFloat8Ptr(video.ViewVelocity),
		video.DurationSeconds,
		toTimestamptz(video.PublishedAt),
		toTimestamptz(video.StatsRefreshedAt),
		video.Status,
		emptyIfNil(video.MatchedTargets),
		video.ScanPriority,
		video.SourceRisk,
		video.ItemRisk,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("upsert discovered video: %w", err)
	}

	video.ID = fromUUID(id)

	return true, nil
}

// NextBatch returns analyzable videos ordered by scan priority, oldest first
// within a priority.
func (db *DB) NextBatch(ctx context.Context, minPriority, limit int) ([]domain.Video, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+videoColumns+`
		FROM videos
		WHERE status = 'discovered' AND scan_priority >= $1
		ORDER BY scan_priority DESC, discovered_at ASC
		LIMIT $2
	`, minPriority, limit)
	if err != nil {
		return nil, fmt.Errorf("next batch: %w", err)
	}
	defer rows.Close()

	return collectVideos(rows)
}

// GetVideo retrieves a video by ID.
func (db *DB) GetVideo(ctx context.Context, id string) (*domain.Video, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+videoColumns+`
		FROM videos
		WHERE id = $1
	`, toUUID(id))

	video, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrVideoNotFound
		}

		return nil, fmt.Errorf("get video: %w", err)
	}

	return video, nil
}

// CountBacklog counts backlog videos at or above the given priority.
func (db *DB) CountBacklog(ctx context.Context, minPriority int) (int, error) {
	var count int

	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM videos
		WHERE status = 'discovered' AND scan_priority >= $1
	`, minPriority).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count backlog: %w", err)
	}

	return count, nil
}

// OldestBacklogAge returns how long the oldest backlog video has been waiting.
func (db *DB) OldestBacklogAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var oldest pgtype.Timestamptz

	err := db.Pool.QueryRow(ctx, `
		SELECT min(discovered_at) FROM videos WHERE status = 'discovered'
	`).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("oldest backlog age: %w", err)
	}

	if !oldest.Valid {
		return 0, nil
	}

	return now.Sub(oldest.Time), nil
}

// ListStatsStale returns backlog videos whose statistics were last refreshed
// before the cutoff. Videos never refreshed sort first.
func (db *DB) ListStatsStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Video, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+videoColumns+`
		FROM videos
		WHERE status = 'discovered'
		  AND (stats_refreshed_at IS NULL OR stats_refreshed_at < $1)
		ORDER BY stats_refreshed_at ASC NULLS FIRST
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stats stale: %w", err)
	}
	defer rows.Close()

	return collectVideos(rows)
}

// UpdateStats stores refreshed view statistics and the recomputed priority.
func (db *DB) UpdateStats(ctx context.Context, id string, viewCount int64, velocity *float64, durationSeconds, scanPriority int, refreshedAt time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE videos
		SET view_count = $2,
		    view_velocity = $3,
		    duration_seconds = $4,
		    scan_priority = $5,
		    stats_refreshed_at = $6
		WHERE id = $1
	`, toUUID(id), viewCount, toFloat8Ptr(velocity), durationSeconds, scanPriority, refreshedAt)
	if err != nil {
		return fmt.Errorf("update stats: %w", err)
	}

	return nil
}

// MarkAnalyzed records a completed analysis verdict.
func (db *DB) MarkAnalyzed(ctx context.Context, id, verdict string, confidence float32, entities []string, analyzedAt time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE videos
		SET status = 'analyzed',
		    verdict = $2,
		    confidence = $3,
		    detected_entities = $4,
		    analyzed_at = $5
		WHERE id = $1
	`, toUUID(id), verdict, confidence, emptyIfNil(entities), analyzedAt)
	if err != nil {
		return fmt.Errorf("mark analyzed: %w", err)
	}

	return nil
}

// MarkInaccessible parks a video whose content is permanently unreachable.
func (db *DB) MarkInaccessible(ctx context.Context, id string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE videos SET status = 'inaccessible' WHERE id = $1
	`, toUUID(id))
	if err != nil {
		return fmt.Errorf("mark inaccessible: %w", err)
	}

	return nil
}

// ReleaseFailed returns a video to the backlog after a failed attempt, or
// parks it as failed once maxAttempts is reached.
func (db *DB) ReleaseFailed(ctx context.Context, id string, maxAttempts int) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE videos
		SET status = CASE WHEN attempt_count >= $2 THEN 'failed' ELSE 'discovered' END
		WHERE id = $1
	`, toUUID(id), maxAttempts)
	if err != nil {
		return fmt.Errorf("release failed: %w", err)
	}

	return nil
}

func collectVideos(rows pgx.Rows) ([]domain.Video, error) {
	var videos []domain.Video

	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video row: %w", err)
		}

		videos = append(videos, *video)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate video rows: %w", rows.Err())
	}

	return videos, nil
}

func scanVideo(row pgx.Row) (*domain.Video, error) {
	var (
		id          pgtype.UUID
		sourceID    pgtype.UUID
		velocity    pgtype.Float8
		publishedAt pgtype.Timestamptz
		refreshedAt pgtype.Timestamptz
		analyzedAt  pgtype.Timestamptz
	)

	video := domain.Video{}

	if err := row.Scan(
		&id,
		&video.PlatformVideoID,
		&sourceID,
		&video.Title,
		&video.Description,
		&video.ViewCount,
		&velocity,
		&video.DurationSeconds,
		&publishedAt,
		&video.DiscoveredAt,
		&refreshedAt,
		&video.Status,
		&video.MatchedTargets,
		&video.ScanPriority,
		&video.SourceRisk,
		&video.ItemRisk,
		&video.AttemptCount,
		&video.Verdict,
		&video.Confidence,
		&video.DetectedEntities,
		&analyzedAt,
	); err != nil {
		return nil, err
	}

	video.ID = fromUUID(id)
	video.SourceID = fromUUID(sourceID)
	video.ViewVelocity = fromFloat8Ptr(velocity)
	video.PublishedAt = fromTimestamptz(publishedAt)
	video.StatsRefreshedAt = fromTimestamptz(refreshedAt)
	video.AnalyzedAt = fromTimestamptz(analyzedAt)

	return &video, nil
}
