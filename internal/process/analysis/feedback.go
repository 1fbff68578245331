package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanward/scanward/internal/core/domain"
	"github.com/scanward/scanward/internal/core/ports"
	"github.com/scanward/scanward/internal/core/risk"
	"github.com/scanward/scanward/internal/platform/notify"
	"github.com/scanward/scanward/internal/platform/observability"
)

// Feedback applies terminal analysis outcomes back into source reputation,
// closing the loop that makes future scheduling decisions better.
type Feedback struct {
	sources           ports.SourceRepository
	embedder          ports.EmbeddingClient
	embeddings        ports.EmbeddingRepository
	notifier          *notify.Notifier
	coldStartMinScans int
	logger            *zerolog.Logger
	now               func() time.Time
}

func NewFeedback(sources ports.SourceRepository, coldStartMinScans int, logger *zerolog.Logger) *Feedback {
	return &Feedback{
		sources:           sources,
		coldStartMinScans: coldStartMinScans,
		logger:            logger,
		now:               time.Now,
	}
}

// WithReuploadIndexing stores title embeddings of confirmed positives so the
// scorer can spot near-identical re-uploads.
func (f *Feedback) WithReuploadIndexing(client ports.EmbeddingClient, repo ports.EmbeddingRepository) *Feedback {
	f.embedder = client
	f.embeddings = repo

	return f
}

// WithNotifier sends ops alerts on confirmed positives.
func (f *Feedback) WithNotifier(notifier *notify.Notifier) *Feedback {
	f.notifier = notifier

	return f
}

// Apply records one verdict against the video's owning source: outcome
// counters, infringement rate, risk score, tier, and the next scan time all
// move together. Confirmed positives additionally index the title embedding
// and alert ops.
func (f *Feedback) Apply(ctx context.Context, video *domain.Video, result *domain.AnalysisResult) error {
	confirmed := result.Verdict == domain.VerdictInfringing

	if confirmed {
		f.indexReupload(ctx, video)
		f.notifyConfirmed(video, result)
	}

	if video.SourceID == "" {
		return nil
	}

	confirmedDelta, clearedDelta := 0, 1
	if confirmed {
		confirmedDelta, clearedDelta = 1, 0
	}

	src, err := f.sources.ApplyScanOutcome(ctx, video.SourceID, confirmedDelta, clearedDelta)
	if err != nil {
		return fmt.Errorf("apply scan outcome: %w", err)
	}

	tier := risk.TierForSource(src.InfringementRate, src.ConfirmedPositive, src.TotalScanned, f.coldStartMinScans)
	score := risk.SourceRiskScore(src.InfringementRate, src.ConfirmedPositive, src.TotalScanned, f.coldStartMinScans)
	nextScanAt := risk.NextScanAt(f.now(), tier)

	if err := f.sources.UpdateTier(ctx, src.ID, score, tier, nextScanAt); err != nil {
		return fmt.Errorf("update source tier: %w", err)
	}

	observability.SourceRetiers.WithLabelValues(tier).Inc()

	if tier != src.Tier {
		f.logger.Info().
			Str("source_id", src.ID).
			Str("from_tier", src.Tier).
			Str("to_tier", tier).
			Float64("infringement_rate", src.InfringementRate).
			Int("risk_score", score).
			Msg("Source moved to a new tier")
	}

	return nil
}

func (f *Feedback) indexReupload(ctx context.Context, video *domain.Video) {
	if f.embedder == nil || f.embeddings == nil {
		return
	}

	vector, err := f.embedder.GetEmbedding(ctx, video.Title)
	if err != nil {
		f.logger.Warn().Err(err).Str("video_id", video.ID).Msg("Failed to embed confirmed title")

		return
	}

	if err := f.embeddings.SaveVideoEmbedding(ctx, video.ID, vector); err != nil {
		f.logger.Warn().Err(err).Str("video_id", video.ID).Msg("Failed to store title embedding")
	}
}

func (f *Feedback) notifyConfirmed(video *domain.Video, result *domain.AnalysisResult) {
	if f.notifier == nil {
		return
	}

	f.notifier.InfringementConfirmed(video.Title, video.PlatformVideoID, result.Confidence)
}
