package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/scanward/scanward/internal/core/budget"
	"github.com/scanward/scanward/internal/core/domain"
	apperrors "github.com/scanward/scanward/internal/core/errors"
	"github.com/scanward/scanward/internal/core/ports"
	"github.com/scanward/scanward/internal/platform/observability"
)

// Scheduler defaults.
const (
	DefaultBatchSize   = 25
	DefaultConcurrency = 10
	DefaultMaxAttempts = 2
	DefaultTimeout     = 10 * time.Minute
)

// Attempt outcome metric labels.
const (
	outcomeCompleted    = "completed"
	outcomeTimeout      = "timeout"
	outcomeInaccessible = "inaccessible"
	outcomeError        = "analysis-error"
	outcomeShutdown     = "shutdown"
	outcomeDuplicate    = "duplicate"
)

// Config tunes one scheduler instance.
type Config struct {
	// BatchSize bounds how many backlog items one batch run may admit.
	BatchSize int

	// MinScanPriority excludes backlog items scored below it.
	MinScanPriority int

	// Concurrency caps simultaneously running attempts. The cap is enforced
	// against the store's running-attempt count, so it holds across
	// instances.
	Concurrency int

	// MaxAttempts is the per-video attempt ceiling before it is terminally
	// failed.
	MaxAttempts int

	// Timeout is the hard per-analysis deadline.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}

	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}

	return c
}

// Scheduler drains the priority backlog in batches, admitting each item
// against the daily budget before committing an attempt to it.
type Scheduler struct {
	videos   ports.VideoRepository
	attempts ports.AttemptRepository
	client   ports.AnalysisClient
	gate     *budget.Gate
	feedback *Feedback
	precheck *Precheck

	cfg    Config
	logger *zerolog.Logger
	now    func() time.Time
}

func NewScheduler(
	videos ports.VideoRepository,
	attempts ports.AttemptRepository,
	client ports.AnalysisClient,
	gate *budget.Gate,
	feedback *Feedback,
	cfg Config,
	logger *zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		videos:   videos,
		attempts: attempts,
		client:   client,
		gate:     gate,
		feedback: feedback,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithPrecheck probes watch-page accessibility before spending budget.
func (s *Scheduler) WithPrecheck(precheck *Precheck) *Scheduler {
	s.precheck = precheck

	return s
}

// batchState is the shared progress accounting of one batch run.
type batchState struct {
	mu     sync.Mutex
	counts Counts
}

func (b *batchState) add(fn func(*Counts)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fn(&b.counts)
}

func (b *batchState) snapshot() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts
}

// RunBatch admits up to batchSize backlog items in strict priority order and
// analyzes them concurrently. A batchSize of zero uses the configured
// default. Budget exhaustion stops admission for the whole run without
// touching work already in flight; it is a normal stop, not an error.
func (s *Scheduler) RunBatch(ctx context.Context, batchSize int, sink Sink) (Counts, error) {
	size := batchSize
	if size <= 0 {
		size = s.cfg.BatchSize
	}

	start := s.now()
	st := &batchState{}

	s.emit(sink, StatusStarting, fmt.Sprintf("analysis batch started: up to %d items", size), st)

	running, err := s.attempts.CountRunningAttempts(ctx)
	if err != nil {
		err = fmt.Errorf("count running attempts: %w", err)
		s.emit(sink, StatusError, err.Error(), st)

		return st.snapshot(), err
	}

	slots := s.cfg.Concurrency - running
	if slots <= 0 {
		s.emit(sink, StatusComplete, fmt.Sprintf("all %d analysis slots busy, yielding", s.cfg.Concurrency), st)

		return st.snapshot(), nil
	}

	batch, err := s.videos.NextBatch(ctx, s.cfg.MinScanPriority, size)
	if err != nil {
		err = fmt.Errorf("next batch: %w", err)
		s.emit(sink, StatusError, err.Error(), st)

		return st.snapshot(), err
	}

	if len(batch) == 0 {
		s.emit(sink, StatusComplete, "backlog empty", st)

		return st.snapshot(), nil
	}

	g := &errgroup.Group{}
	g.SetLimit(slots)

	admitted := 0
	budgetStopped := false

	for i := range batch {
		if ctx.Err() != nil {
			break
		}

		video := batch[i]
		rate := SamplingRateFor(video.DurationSeconds)
		cost := s.gate.EstimateCost(video.DurationSeconds, rate)

		if err := s.gate.Admit(ctx, cost); err != nil {
			if apperrors.Is(err, apperrors.ErrBudgetExhausted) {
				budgetStopped = true

				observability.BudgetStops.Inc()
				s.logger.Info().
					Str("video_id", video.ID).
					Int("scan_priority", video.ScanPriority).
					Float64("estimated_cost_usd", cost).
					Msg("Daily budget cannot cover the next item, stopping the batch")

				break
			}

			s.logger.Error().Err(err).Msg("Budget admission failed, stopping the batch")

			break
		}

		admitted++

		g.Go(func() error {
			s.processOne(ctx, &video, rate, st)

			return nil
		})
	}

	_ = g.Wait()

	observability.AnalysisBatchDuration.Observe(s.now().Sub(start).Seconds())

	msg := fmt.Sprintf("batch finished: %d admitted of %d candidates", admitted, len(batch))
	if budgetStopped {
		msg = fmt.Sprintf("budget exhausted: %d admitted of %d candidates, remainder deferred", admitted, len(batch))
	}

	s.emit(sink, StatusComplete, msg, st)

	return st.snapshot(), nil
}

// processOne claims, optionally prechecks, and analyzes a single video,
// recording the terminal outcome. Failures here never abort the batch.
func (s *Scheduler) processOne(ctx context.Context, video *domain.Video, rate float64, st *batchState) {
	attemptID, err := s.attempts.ClaimForAnalysis(ctx, video.ID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrDuplicateScanInProgress) {
			st.add(func(c *Counts) { c.Skipped++ })
			observability.AnalysisAttempts.WithLabelValues(outcomeDuplicate).Inc()
			s.logger.Debug().Str("video_id", video.ID).Msg("Analysis already in flight, skipping")

			return
		}

		st.add(func(c *Counts) { c.Failed++ })
		s.logger.Warn().Err(err).Str("video_id", video.ID).Msg("Failed to claim video for analysis")

		return
	}

	st.add(func(c *Counts) { c.Claimed++ })
	observability.AnalysisInFlight.Inc()

	defer observability.AnalysisInFlight.Dec()

	if s.precheck != nil && s.precheck.Probe(ctx, video.PlatformVideoID) == ProbeDead {
		s.logger.Info().Str("video_id", video.ID).Str("platform_video_id", video.PlatformVideoID).
			Msg("Watch page reports content gone, no budget spent")
		s.concludeInaccessible(ctx, video, attemptID)
		st.add(func(c *Counts) { c.Failed++ })

		return
	}

	req := domain.AnalysisRequest{
		VideoID:         video.ID,
		PlatformVideoID: video.PlatformVideoID,
		Title:           video.Title,
		Description:     video.Description,
		DurationSeconds: video.DurationSeconds,
		MatchedTargets:  video.MatchedTargets,
		SamplingRate:    rate,
		ResolutionHint:  ResolutionHintFor(video.DurationSeconds),
	}

	actx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	started := s.now()
	result, err := s.client.Analyze(actx, req)

	observability.AnalysisDuration.Observe(s.now().Sub(started).Seconds())

	if err != nil {
		s.concludeFailure(ctx, video, attemptID, err)
		st.add(func(c *Counts) { c.Failed++ })

		return
	}

	s.concludeSuccess(ctx, video, attemptID, result, st)
}

func (s *Scheduler) concludeSuccess(ctx context.Context, video *domain.Video, attemptID string, result *domain.AnalysisResult, st *batchState) {
	// The verdict must land even when the caller is shutting down.
	ctx = context.WithoutCancel(ctx)

	if err := s.gate.Charge(ctx, result.Usage); err != nil {
		s.logger.Error().Err(err).Str("video_id", video.ID).Msg("Failed to charge the spend ledger")
	}

	now := s.now()
	if err := s.videos.MarkAnalyzed(ctx, video.ID, result.Verdict, result.Confidence, result.DetectedEntities, now); err != nil {
		s.logger.Error().Err(err).Str("video_id", video.ID).Msg("Failed to mark video analyzed")
	}

	s.finishAttempt(ctx, attemptID, domain.AttemptStatusCompleted, "")

	observability.AnalysisAttempts.WithLabelValues(outcomeCompleted).Inc()
	observability.Verdicts.WithLabelValues(result.Verdict).Inc()

	video.AnalyzedAt = now
	if err := s.feedback.Apply(ctx, video, result); err != nil {
		s.logger.Warn().Err(err).Str("video_id", video.ID).Msg("Failed to apply source feedback")
	}

	confirmed := result.Verdict == domain.VerdictInfringing

	st.add(func(c *Counts) {
		c.Analyzed++
		c.SpentUSD += result.Usage.CostUSD

		if confirmed {
			c.Confirmed++
		}
	})

	s.logger.Info().
		Str("video_id", video.ID).
		Str("verdict", result.Verdict).
		Float32("confidence", result.Confidence).
		Float64("cost_usd", result.Usage.CostUSD).
		Msg("Video analyzed")
}

// concludeFailure releases the dedup guard with the right error kind. The
// writes run on a detached context: during shutdown the guard must still be
// released or the video stays claimed until the sweep.
func (s *Scheduler) concludeFailure(ctx context.Context, video *domain.Video, attemptID string, err error) {
	shutdown := ctx.Err() != nil
	dctx := context.WithoutCancel(ctx)

	switch {
	case shutdown:
		s.finishAttempt(dctx, attemptID, domain.AttemptStatusFailed, domain.ErrorKindShutdown)
		s.releaseVideo(dctx, video.ID)
		observability.AnalysisAttempts.WithLabelValues(outcomeShutdown).Inc()
		s.logger.Warn().Str("video_id", video.ID).Msg("Shutdown during analysis, attempt released")
	case apperrors.Is(err, apperrors.ErrVideoInaccessible):
		s.concludeInaccessible(dctx, video, attemptID)
		s.logger.Info().Str("video_id", video.ID).Msg("Content inaccessible, excluded from backlog")
	case apperrors.Is(err, apperrors.ErrAnalysisTimeout) || errors.Is(err, context.DeadlineExceeded):
		s.finishAttempt(dctx, attemptID, domain.AttemptStatusFailed, domain.ErrorKindTimeout)
		s.releaseVideo(dctx, video.ID)
		observability.AnalysisAttempts.WithLabelValues(outcomeTimeout).Inc()
		s.logger.Warn().Err(err).Str("video_id", video.ID).Msg("Analysis timed out")
	default:
		s.finishAttempt(dctx, attemptID, domain.AttemptStatusFailed, domain.ErrorKindAnalysis)
		s.releaseVideo(dctx, video.ID)
		observability.AnalysisAttempts.WithLabelValues(outcomeError).Inc()
		s.logger.Warn().Err(err).Str("video_id", video.ID).Msg("Analysis failed")
	}
}

func (s *Scheduler) concludeInaccessible(ctx context.Context, video *domain.Video, attemptID string) {
	ctx = context.WithoutCancel(ctx)

	s.finishAttempt(ctx, attemptID, domain.AttemptStatusFailed, domain.ErrorKindInaccessible)

	if err := s.videos.MarkInaccessible(ctx, video.ID); err != nil {
		s.logger.Warn().Err(err).Str("video_id", video.ID).Msg("Failed to mark video inaccessible")
	}

	observability.AnalysisAttempts.WithLabelValues(outcomeInaccessible).Inc()
}

func (s *Scheduler) finishAttempt(ctx context.Context, attemptID, status, errorKind string) {
	if err := s.attempts.FinishAttempt(ctx, attemptID, status, errorKind); err != nil {
		s.logger.Warn().Err(err).Str("attempt_id", attemptID).Msg("Failed to finish attempt")
	}
}

func (s *Scheduler) releaseVideo(ctx context.Context, videoID string) {
	if err := s.videos.ReleaseFailed(ctx, videoID, s.cfg.MaxAttempts); err != nil {
		s.logger.Warn().Err(err).Str("video_id", videoID).Msg("Failed to release video after attempt")
	}
}

func (s *Scheduler) emit(sink Sink, status, message string, st *batchState) {
	counts := st.snapshot()

	s.logger.Info().
		Str("status", status).
		Int("analyzed", counts.Analyzed).
		Int("failed", counts.Failed).
		Float64("spent_usd", counts.SpentUSD).
		Msg(message)

	if sink != nil {
		sink.Emit(Event{Status: status, Message: message, Counts: counts})
	}
}
