// Package ports provides domain-centric interfaces for external dependencies.
// These interfaces follow the ports and adapters (hexagonal) architecture pattern,
// allowing business logic to remain independent of infrastructure concerns.
package ports

import (
	"context"
	"time"

	"github.com/scanward/scanward/internal/core/domain"
)

// VideoRepository handles discovered video operations.
type VideoRepository interface {
	// UpsertDiscovered inserts a newly discovered video. It reports false when
	// the platform video ID is already known, which makes discovery idempotent.
	UpsertDiscovered(ctx context.Context, video *domain.Video) (bool, error)

	// NextBatch returns analyzable videos ordered by scan priority, oldest
	// first within a priority.
	NextBatch(ctx context.Context, minPriority, limit int) ([]domain.Video, error)

	GetVideo(ctx context.Context, id string) (*domain.Video, error)
	CountBacklog(ctx context.Context, minPriority int) (int, error)
	OldestBacklogAge(ctx context.Context, now time.Time) (time.Duration, error)

	// ListStatsStale returns backlog videos whose statistics were last
	// refreshed before the cutoff.
	ListStatsStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Video, error)
	UpdateStats(ctx context.Context, id string, viewCount int64, velocity *float64, durationSeconds, scanPriority int, refreshedAt time.Time) error

	MarkAnalyzed(ctx context.Context, id, verdict string, confidence float32, entities []string, analyzedAt time.Time) error
	MarkInaccessible(ctx context.Context, id string) error

	// ReleaseFailed returns a video to the backlog after a failed attempt, or
	// parks it as failed once maxAttempts is reached.
	ReleaseFailed(ctx context.Context, id string, maxAttempts int) error
}

// AttemptRepository handles analysis attempt bookkeeping.
type AttemptRepository interface {
	// ClaimForAnalysis atomically moves a video to processing and opens a
	// running attempt. It returns ErrDuplicateScanInProgress when the video is
	// not claimable, either because another attempt is running or because the
	// video already left the backlog.
	ClaimForAnalysis(ctx context.Context, videoID string) (string, error)

	FinishAttempt(ctx context.Context, attemptID, status, errorKind string) error
	CountRunningAttempts(ctx context.Context) (int, error)

	// ReapStuck fails running attempts older than the threshold and returns
	// their videos to the backlog, or parks them once maxAttempts is reached.
	ReapStuck(ctx context.Context, threshold time.Duration, errorKind string, maxAttempts int) (int64, error)
}

// SourceRepository handles source tracking and tiering.
type SourceRepository interface {
	UpsertSource(ctx context.Context, source *domain.Source) error
	GetSource(ctx context.Context, id string) (*domain.Source, error)
	GetSourceByChannelID(ctx context.Context, platformChannelID string) (*domain.Source, error)

	// ListDue returns sources whose next scheduled scan is at or before now,
	// highest risk first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Source, error)
	CountDue(ctx context.Context, now time.Time) (int, error)

	// ListWithFeeds returns sources that expose a syndication feed, for the
	// zero-quota feed watcher.
	ListWithFeeds(ctx context.Context, limit int) ([]domain.Source, error)

	MarkScanned(ctx context.Context, id string, scannedAt, nextScanAt time.Time) error

	// ApplyScanOutcome bumps the scan counters and returns the updated source
	// so the caller can recompute its tier.
	ApplyScanOutcome(ctx context.Context, id string, confirmedDelta, clearedDelta int) (*domain.Source, error)
	UpdateTier(ctx context.Context, id string, riskScore int, tier string, nextScanAt time.Time) error
}

// LedgerRepository handles the daily analysis spend ledger.
type LedgerRepository interface {
	// GetDay returns the ledger row for the given UTC day, zero-valued when no
	// spend has been recorded yet.
	GetDay(ctx context.Context, day time.Time) (*domain.SpendLedger, error)

	// Charge accumulates spend into the current UTC day.
	Charge(ctx context.Context, amountUSD float64, requests, inputUnits, outputUnits int64) error
}

// RunRepository handles discovery run records.
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.DiscoveryRun) error
	UpdateRun(ctx context.Context, run *domain.DiscoveryRun) error
	GetRun(ctx context.Context, id string) (*domain.DiscoveryRun, error)
	ListRecentRuns(ctx context.Context, limit int) ([]domain.DiscoveryRun, error)
}

// TargetRepository handles the tracked-title watchlist.
type TargetRepository interface {
	ListActiveTargets(ctx context.Context) ([]domain.Target, error)
	UpsertTarget(ctx context.Context, target *domain.Target) error
}

// EmbeddingRepository handles title embeddings for re-upload detection.
type EmbeddingRepository interface {
	SaveVideoEmbedding(ctx context.Context, videoID string, embedding []float32) error

	// MaxSimilarityToConfirmed returns the highest cosine similarity between
	// the embedding and any confirmed-infringing video, zero when none exist.
	MaxSimilarityToConfirmed(ctx context.Context, embedding []float32) (float64, error)
}

// EmbeddingClient provides embedding generation for semantic operations.
type EmbeddingClient interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// AnalysisClient runs the deep media analysis for a claimed video.
type AnalysisClient interface {
	Analyze(ctx context.Context, req domain.AnalysisRequest) (*domain.AnalysisResult, error)
}
