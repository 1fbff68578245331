package db

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// SaveVideoEmbedding stores the title embedding for a video.
func (db *DB) SaveVideoEmbedding(ctx context.Context, videoID string, embedding []float32) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE videos SET title_embedding = $2 WHERE id = $1
	`, toUUID(videoID), pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("save video embedding: %w", err)
	}

	return nil
}

// MaxSimilarityToConfirmed returns the highest cosine similarity between the
// embedding and any confirmed-infringing video, zero when none exist.
func (db *DB) MaxSimilarityToConfirmed(ctx context.Context, embedding []float32) (float64, error) {
	var similarity float64

	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(1 - (title_embedding <=> $1)), 0)
		FROM videos
		WHERE verdict = 'infringing' AND title_embedding IS NOT NULL
	`, pgvector.NewVector(embedding)).Scan(&similarity)
	if err != nil {
		return 0, fmt.Errorf("max similarity to confirmed: %w", err)
	}

	return similarity, nil
}
