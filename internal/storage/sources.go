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

const sourceColumns = `
	id, platform_channel_id, title, feed_url, risk_score, tier, total_scanned,
	confirmed_positive, cleared, infringement_rate, last_scanned_at,
	next_scan_at, created_at`

// UpsertSource inserts a source or refreshes its metadata when the platform
// channel ID is already tracked. Scan counters are left untouched on conflict.
func (db *DB) UpsertSource(ctx context.Context, source *domain.Source) error {
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO sources (platform_channel_id, title, feed_url, risk_score, tier, next_scan_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
		ON CONFLICT (platform_channel_id) DO UPDATE SET
			title = EXCLUDED.title,
			feed_url = CASE WHEN EXCLUDED.feed_url <> '' THEN EXCLUDED.feed_url ELSE sources.feed_url END
		RETURNING `+sourceColumns+`
	`,
		source.PlatformChannelID,
		SanitizeUTF8(source.Title),
		source.FeedURL,
		source.RiskScore,
		defaultTier(source.Tier),
		toTimestamptz(source.NextScanAt),
	)

	updated, err := scanSource(row)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}

	*source = *updated

	return nil
}

// GetSource retrieves a source by ID.
func (db *DB) GetSource(ctx context.Context, id string) (*domain.Source, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+sourceColumns+` FROM sources WHERE id = $1
	`, toUUID(id))

	source, err := scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrSourceNotFound
		}

		return nil, fmt.Errorf("get source: %w", err)
	}

	return source, nil
}

// GetSourceByChannelID retrieves a source by its platform channel ID.
func (db *DB) GetSourceByChannelID(ctx context.Context, platformChannelID string) (*domain.Source, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+sourceColumns+` FROM sources WHERE platform_channel_id = $1
	`, platformChannelID)

	source, err := scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrSourceNotFound
		}

		return nil, fmt.Errorf("get source by channel id: %w", err)
	}

	return source, nil
}

// ListDue returns sources whose next scheduled scan is at or before now,
// highest risk first.
func (db *DB) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Source, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+sourceColumns+`
		FROM sources
		WHERE next_scan_at <= $1
		ORDER BY risk_score DESC, next_scan_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due sources: %w", err)
	}
	defer rows.Close()

	return collectSources(rows)
}

// CountDue counts sources whose next scheduled scan is at or before now.
func (db *DB) CountDue(ctx context.Context, now time.Time) (int, error) {
	var count int

	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM sources WHERE next_scan_at <= $1
	`, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count due sources: %w", err)
	}

	return count, nil
}

// ListWithFeeds returns sources that expose a syndication feed.
func (db *DB) ListWithFeeds(ctx context.Context, limit int) ([]domain.Source, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+sourceColumns+`
		FROM sources
		WHERE feed_url <> ''
		ORDER BY risk_score DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sources with feeds: %w", err)
	}
	defer rows.Close()

	return collectSources(rows)
}

// MarkScanned records a completed source scan and its next schedule.
func (db *DB) MarkScanned(ctx context.Context, id string, scannedAt, nextScanAt time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE sources SET last_scanned_at = $2, next_scan_at = $3 WHERE id = $1
	`, toUUID(id), scannedAt, nextScanAt)
	if err != nil {
		return fmt.Errorf("mark source scanned: %w", err)
	}

	return nil
}

// ApplyScanOutcome bumps the scan counters and returns the updated source so
// the caller can recompute its tier.
func (db *DB) ApplyScanOutcome(ctx context.Context, id string, confirmedDelta, clearedDelta int) (*domain.Source, error) {
	row := db.Pool.QueryRow(ctx, `
		UPDATE sources
		SET confirmed_positive = confirmed_positive + $2,
		    cleared = cleared + $3,
		    total_scanned = total_scanned + $2 + $3,
		    infringement_rate = (confirmed_positive + $2)::float8
		                        / GREATEST(total_scanned + $2 + $3, 1)
		WHERE id = $1
		RETURNING `+sourceColumns+`
	`, toUUID(id), confirmedDelta, clearedDelta)

	source, err := scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrSourceNotFound
		}

		return nil, fmt.Errorf("apply scan outcome: %w", err)
	}

	return source, nil
}

// UpdateTier stores a recomputed risk score, tier, and scan schedule.
func (db *DB) UpdateTier(ctx context.Context, id string, riskScore int, tier string, nextScanAt time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE sources SET risk_score = $2, tier = $3, next_scan_at = $4 WHERE id = $1
	`, toUUID(id), riskScore, tier, nextScanAt)
	if err != nil {
		return fmt.Errorf("update source tier: %w", err)
	}

	return nil
}

func defaultTier(tier string) string {
	if tier == "" {
		return domain.TierMedium
	}

	return tier
}

func collectSources(rows pgx.Rows) ([]domain.Source, error) {
	var sources []domain.Source

	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}

		sources = append(sources, *source)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate source rows: %w", rows.Err())
	}

	return sources, nil
}

func scanSource(row pgx.Row) (*domain.Source, error) {
	var (
		id            pgtype.UUID
		lastScannedAt pgtype.Timestamptz
	)

	source := domain.Source{}

	if err := row.Scan(
		&id,
		&source.PlatformChannelID,
		&source.Title,
		&source.FeedURL,
		&source.RiskScore,
		&source.Tier,
		&source.TotalScanned,
		&source.ConfirmedPositive,
		&source.Cleared,
		&source.InfringementRate,
		&lastScannedAt,
		&source.NextScanAt,
		&source.CreatedAt,
	); err != nil {
		return nil, err
	}

	source.ID = fromUUID(id)
	source.LastScannedAt = fromTimestamptz(lastScannedAt)

	return &source, nil
}
