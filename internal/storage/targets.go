package db

import (
	"context"
	"fmt"

	"github.com/scanward/scanward/internal/core/domain"
)

// ListActiveTargets returns the active tracked-title watchlist.
func (db *DB) ListActiveTargets(ctx context.Context) ([]domain.Target, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT slug, title, keywords, active, created_at
		FROM targets
		WHERE active
		ORDER BY slug
	`)
	if err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	defer rows.Close()

	var targets []domain.Target

	for rows.Next() {
		target := domain.Target{}

		if err := rows.Scan(&target.Slug, &target.Title, &target.Keywords, &target.Active, &target.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}

		targets = append(targets, target)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate target rows: %w", rows.Err())
	}

	return targets, nil
}

// UpsertTarget inserts or updates a tracked title by slug.
func (db *DB) UpsertTarget(ctx context.Context, target *domain.Target) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO targets (slug, title, keywords, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slug) DO UPDATE SET
			title = EXCLUDED.title,
			keywords = EXCLUDED.keywords,
			active = EXCLUDED.active
	`, target.Slug, SanitizeUTF8(target.Title), emptyIfNil(target.Keywords), target.Active)
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}

	return nil
}
