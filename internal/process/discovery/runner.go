// Package discovery allocates a finite platform quota across competing
// discovery strategies and turns what it finds into scored backlog videos.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanward/scanward/internal/core/domain"
	apperrors "github.com/scanward/scanward/internal/core/errors"
	"github.com/scanward/scanward/internal/core/ports"
	"github.com/scanward/scanward/internal/core/risk"
	"github.com/scanward/scanward/internal/platform/observability"
	"github.com/scanward/scanward/internal/platform/platformapi"
	"github.com/scanward/scanward/internal/platform/textnorm"
)

// Phase labels for metrics.
const (
	phaseSourceTracking = "source_tracking"
	phaseTrendScan      = "trend_scan"
	phaseKeywordSearch  = "keyword_search"
	phaseRefresh        = "refresh"
)

// Phase caps as a percentage of the quota remaining when the phase starts.
// The refresh phase absorbs whatever is left.
const (
	pctSourceTracking = 70
	pctTrendScan      = 20
	pctKeywordSearch  = 10
	percentDivisor    = 100
)

// keywordQuotaFloor is the run quota below which the keyword-search phase is
// skipped entirely: a single search costs CostSearch units, and spending a
// tenth of a small quota on one call starves the cheaper phases.
const keywordQuotaFloor = 400

const (
	dueSourcesPerRun  = 200
	uploadsPerSource  = 20
	trendingPerRegion = 50
	resultsPerKeyword = 25

	// sourceLookback bounds the upload window for a source never scanned
	// before.
	sourceLookback = 30 * 24 * time.Hour

	// searchLookback bounds keyword-search results to recent uploads.
	searchLookback = 7 * 24 * time.Hour

	// refreshMinAge keeps the refresh phase from refetching statistics it
	// ingested moments ago; velocity needs a real interval between snapshots.
	refreshMinAge = 6 * time.Hour
)

// platformClient is the slice of the platform API the runner spends quota on.
type platformClient interface {
	ChannelUploads(ctx context.Context, channelID string, publishedAfter time.Time, maxResults int) ([]platformapi.Video, error)
	Trending(ctx context.Context, region string, maxResults int) ([]platformapi.Video, error)
	Search(ctx context.Context, query string, publishedAfter time.Time, maxResults int) ([]platformapi.Video, error)
	VideoStats(ctx context.Context, ids []string) ([]platformapi.Stats, error)
}

// Runner executes one quota-bounded discovery run at a time.
type Runner struct {
	platform   platformClient
	videos     ports.VideoRepository
	sources    ports.SourceRepository
	runs       ports.RunRepository
	targets    ports.TargetRepository
	embedder   ports.EmbeddingClient
	embeddings ports.EmbeddingRepository
	regions    []string
	logger     *zerolog.Logger
	now        func() time.Time
}

func NewRunner(
	platform platformClient,
	videos ports.VideoRepository,
	sources ports.SourceRepository,
	runs ports.RunRepository,
	targets ports.TargetRepository,
	regions []string,
	logger *zerolog.Logger,
) *Runner {
	return &Runner{
		platform: platform,
		videos:   videos,
		sources:  sources,
		runs:     runs,
		targets:  targets,
		regions:  regions,
		logger:   logger,
		now:      time.Now,
	}
}

// WithReuploadMatching enables the title-similarity boost against confirmed
// positives during scoring.
func (r *Runner) WithReuploadMatching(client ports.EmbeddingClient, repo ports.EmbeddingRepository) *Runner {
	r.embedder = client
	r.embeddings = repo

	return r
}

// runState carries the mutable accounting of one run.
type runState struct {
	run         *domain.DiscoveryRun
	sink        Sink
	targets     []domain.Target
	sourceCache map[string]*domain.Source
	riskCache   map[string]int
	quotaOut    bool
}

func (st *runState) quotaUsed() int {
	return st.run.SourceTrackingUsed + st.run.TrendScanUsed + st.run.KeywordSearchUsed + st.run.RefreshUsed
}

func (st *runState) quotaRemaining() int {
	return st.run.MaxQuota - st.quotaUsed()
}

// canSpend reports whether a call costing cost units fits both the phase
// allotment and the run's overall remaining quota.
func (st *runState) canSpend(cost, allot, phaseUsed int) bool {
	return !st.quotaOut && cost <= allot-phaseUsed && cost <= st.quotaRemaining()
}

// Run executes the four discovery phases in order, emitting an append-only
// progress event sequence to the sink, and returns the persisted run record.
// Platform quota exhaustion mid-run is early successful termination with
// partial results, not a failure.
func (r *Runner) Run(ctx context.Context, maxQuota int, sink Sink) (*domain.DiscoveryRun, error) {
	start := r.now()

	run := &domain.DiscoveryRun{MaxQuota: maxQuota, Status: domain.RunStatusRunning}
	if err := r.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create discovery run: %w", err)
	}

	st := &runState{
		run:         run,
		sink:        sink,
		sourceCache: make(map[string]*domain.Source),
		riskCache:   make(map[string]int),
	}

	r.emit(st, StatusStarting, fmt.Sprintf("discovery run %s started with %d units", run.ID, maxQuota))

	targets, err := r.targets.ListActiveTargets(ctx)
	if err != nil {
		return r.fail(ctx, st, fmt.Errorf("list active targets: %w", err))
	}

	st.targets = targets

	for _, phase := range []func(context.Context, *runState) error{
		r.trackSources,
		r.scanTrends,
		r.searchKeywords,
		r.refreshStats,
	} {
		if err := phase(ctx, st); err != nil {
			return r.fail(ctx, st, err)
		}

		r.persist(ctx, st)
	}

	run.Status = domain.RunStatusCompleted
	run.FinishedAt = r.now()
	r.persist(ctx, st)

	observability.DiscoveryRuns.WithLabelValues(domain.RunStatusCompleted).Inc()
	observability.DiscoveryRunDuration.Observe(run.FinishedAt.Sub(start).Seconds())

	r.emit(st, StatusComplete, fmt.Sprintf("discovery run %s finished: %d units spent", run.ID, st.quotaUsed()))

	return run, nil
}

// trackSources is phase 1: list fresh uploads for due sources, highest risk
// first, and reschedule each source by its tier cadence.
func (r *Runner) trackSources(ctx context.Context, st *runState) error {
	allot := st.quotaRemaining() * pctSourceTracking / percentDivisor
	r.emit(st, StatusPhase1, fmt.Sprintf("source tracking: %d units allotted", allot))

	dueSources, err := r.sources.ListDue(ctx, r.now(), dueSourcesPerRun)
	if err != nil {
		return fmt.Errorf("list due sources: %w", err)
	}

	for i := range dueSources {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !st.canSpend(platformapi.CostList, allot, st.run.SourceTrackingUsed) {
			break
		}

		src := &dueSources[i]
		st.sourceCache[src.PlatformChannelID] = src

		now := r.now()

		after := src.LastScannedAt
		if after.IsZero() {
			after = now.Add(-sourceLookback)
		}

		uploads, err := r.platform.ChannelUploads(ctx, src.PlatformChannelID, after, uploadsPerSource)
		if err != nil {
			if r.quotaError(st, err) {
				break
			}

			r.logger.Warn().Err(err).Str("platform_channel_id", src.PlatformChannelID).Msg("Failed to list channel uploads")

			continue
		}

		st.run.SourceTrackingUsed += platformapi.CostList

		stats := r.fetchStats(ctx, st, allot, &st.run.SourceTrackingUsed, videoIDs(uploads))

		for _, v := range uploads {
			r.ingest(ctx, st, withStats(v, stats), phaseSourceTracking)
		}

		next := risk.NextScanAt(now, src.Tier)
		if err := r.sources.MarkScanned(ctx, src.ID, now, next); err != nil {
			r.logger.Warn().Err(err).Str("source_id", src.ID).Msg("Failed to mark source scanned")
		}

		st.run.SourcesTouched++
	}

	observability.DiscoveryQuotaUsed.WithLabelValues(phaseSourceTracking).Add(float64(st.run.SourceTrackingUsed))

	return nil
}

// scanTrends is phase 2: sweep the trending listings per configured region.
func (r *Runner) scanTrends(ctx context.Context, st *runState) error {
	allot := st.quotaRemaining() * pctTrendScan / percentDivisor
	r.emit(st, StatusPhase2, fmt.Sprintf("trend scan: %d units allotted", allot))

	for _, region := range r.regions {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !st.canSpend(platformapi.CostList, allot, st.run.TrendScanUsed) {
			break
		}

		trending, err := r.platform.Trending(ctx, region, trendingPerRegion)
		if err != nil {
			if r.quotaError(st, err) {
				break
			}

			r.logger.Warn().Err(err).Str("region", region).Msg("Failed to list trending videos")

			continue
		}

		st.run.TrendScanUsed += platformapi.CostList

		for _, v := range trending {
			r.ingest(ctx, st, v, phaseTrendScan)
		}
	}

	observability.DiscoveryQuotaUsed.WithLabelValues(phaseTrendScan).Add(float64(st.run.TrendScanUsed))

	return nil
}

// searchKeywords is phase 3: one search call per active target keyword.
// Search is the expensive call, so small-quota runs skip the phase entirely
// rather than burn most of their units on a handful of searches.
func (r *Runner) searchKeywords(ctx context.Context, st *runState) error {
	if st.run.MaxQuota < keywordQuotaFloor {
		st.run.KeywordPhaseSkipped = true
		observability.DiscoveryKeywordSkips.Inc()

		msg := fmt.Sprintf("keyword search skipped: run quota %d below %d floor", st.run.MaxQuota, keywordQuotaFloor)
		r.logger.Info().Int("max_quota", st.run.MaxQuota).Msg("Keyword search phase skipped")
		r.emit(st, StatusPhase3, msg)

		return nil
	}

	allot := st.quotaRemaining() * pctKeywordSearch / percentDivisor
	r.emit(st, StatusPhase3, fmt.Sprintf("keyword search: %d units allotted", allot))

	after := r.now().Add(-searchLookback)

	for _, target := range st.targets {
		for _, keyword := range target.Keywords {
			if err := ctx.Err(); err != nil {
				return err
			}

			if !st.canSpend(platformapi.CostSearch, allot, st.run.KeywordSearchUsed) {
				observability.DiscoveryQuotaUsed.WithLabelValues(phaseKeywordSearch).Add(float64(st.run.KeywordSearchUsed))

				return nil
			}

			found, err := r.platform.Search(ctx, keyword, after, resultsPerKeyword)
			if err != nil {
				if r.quotaError(st, err) {
					observability.DiscoveryQuotaUsed.WithLabelValues(phaseKeywordSearch).Add(float64(st.run.KeywordSearchUsed))

					return nil
				}

				r.logger.Warn().Err(err).Str("keyword", keyword).Msg("Keyword search failed")

				continue
			}

			st.run.KeywordSearchUsed += platformapi.CostSearch

			stats := r.fetchStats(ctx, st, allot, &st.run.KeywordSearchUsed, videoIDs(found))

			for _, v := range found {
				r.ingest(ctx, st, withStats(v, stats), phaseKeywordSearch)
			}
		}
	}

	observability.DiscoveryQuotaUsed.WithLabelValues(phaseKeywordSearch).Add(float64(st.run.KeywordSearchUsed))

	return nil
}

// refreshStats is phase 4: absorb the remaining quota refetching statistics
// for backlog videos, deriving view velocity from the snapshot delta and
// rescoring.
func (r *Runner) refreshStats(ctx context.Context, st *runState) error {
	allot := st.quotaRemaining()
	r.emit(st, StatusPhase4, fmt.Sprintf("popularity refresh: %d units remaining", allot))

	cutoff := r.now().Add(-refreshMinAge)
	skipped := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !st.canSpend(platformapi.CostList, allot, st.run.RefreshUsed) {
			break
		}

		stale, err := r.videos.ListStatsStale(ctx, cutoff, platformapi.MaxStatsBatch)
		if err != nil {
			return fmt.Errorf("list stats-stale videos: %w", err)
		}

		batch := make([]domain.Video, 0, len(stale))

		for _, v := range stale {
			if !skipped[v.ID] {
				batch = append(batch, v)
			}
		}

		if len(batch) == 0 {
			break
		}

		stats, err := r.platform.VideoStats(ctx, platformVideoIDs(batch))
		if err != nil {
			if !r.quotaError(st, err) {
				r.logger.Warn().Err(err).Msg("Stats refresh batch failed")
			}

			break
		}

		st.run.RefreshUsed += platformapi.CostList

		byID := make(map[string]platformapi.Stats, len(stats))
		for _, s := range stats {
			byID[s.PlatformVideoID] = s
		}

		now := r.now()

		for i := range batch {
			r.refreshOne(ctx, st, &batch[i], byID, now, skipped)
		}
	}

	observability.DiscoveryQuotaUsed.WithLabelValues(phaseRefresh).Add(float64(st.run.RefreshUsed))

	return nil
}

// refreshOne applies one refreshed stats row: recompute velocity, rescore,
// store. Videos absent from the stats response are gone upstream and leave
// the backlog as inaccessible.
func (r *Runner) refreshOne(ctx context.Context, st *runState, video *domain.Video, byID map[string]platformapi.Stats, now time.Time, skipped map[string]bool) {
	stats, ok := byID[video.PlatformVideoID]
	if !ok {
		r.logger.Info().Str("video_id", video.ID).Str("platform_video_id", video.PlatformVideoID).Msg("Video vanished upstream, marking inaccessible")

		if err := r.videos.MarkInaccessible(ctx, video.ID); err != nil {
			r.logger.Warn().Err(err).Str("video_id", video.ID).Msg("Failed to mark video inaccessible")

			skipped[video.ID] = true
		}

		return
	}

	velocity := snapshotVelocity(video, stats.ViewCount, now)

	breakdown := risk.ScoreVideo(risk.VideoSignals{
		ViewCount:          stats.ViewCount,
		ViewVelocity:       velocity,
		SourceRiskScore:    r.sourceRiskFor(ctx, st, video.SourceID),
		DurationSeconds:    stats.DurationSeconds,
		PublishedAt:        video.PublishedAt,
		Now:                now,
		MatchedTargets:     len(video.MatchedTargets),
		Title:              video.Title,
		Description:        video.Description,
		ReuploadSimilarity: r.reuploadSimilarity(ctx, video.Title),
	})

	if err := r.videos.UpdateStats(ctx, video.ID, stats.ViewCount, velocity, stats.DurationSeconds, breakdown.Total, now); err != nil {
		r.logger.Warn().Err(err).Str("video_id", video.ID).Msg("Failed to update video stats")

		skipped[video.ID] = true
	}
}

// fetchStats retrieves statistics in admission-checked batches, spending from
// the same phase allotment as the caller, and returns them keyed by platform
// video ID.
func (r *Runner) fetchStats(ctx context.Context, st *runState, allot int, phaseUsed *int, ids []string) map[string]platformapi.Stats {
	out := make(map[string]platformapi.Stats, len(ids))

	for start := 0; start < len(ids); start += platformapi.MaxStatsBatch {
		if !st.canSpend(platformapi.CostList, allot, *phaseUsed) {
			break
		}

		end := min(start+platformapi.MaxStatsBatch, len(ids))

		batch, err := r.platform.VideoStats(ctx, ids[start:end])
		if err != nil {
			if !r.quotaError(st, err) {
				r.logger.Warn().Err(err).Msg("Stats batch failed")
			}

			break
		}

		*phaseUsed += platformapi.CostList

		for _, s := range batch {
			out[s.PlatformVideoID] = s
		}
	}

	return out
}

// ingest scores one found video and inserts it if its platform ID is new.
func (r *Runner) ingest(ctx context.Context, st *runState, v platformapi.Video, phase string) {
	now := r.now()
	matched := matchTargets(st.targets, v.Title, v.Description)

	src := r.sourceFor(ctx, st, v, len(matched) > 0)

	var sourceID string

	var sourceRisk int

	if src != nil {
		sourceID = src.ID
		sourceRisk = src.RiskScore
	}

	breakdown := risk.ScoreVideo(risk.VideoSignals{
		ViewCount:          v.ViewCount,
		SourceRiskScore:    sourceRisk,
		DurationSeconds:    v.DurationSeconds,
		PublishedAt:        v.PublishedAt,
		Now:                now,
		MatchedTargets:     len(matched),
		Title:              v.Title,
		Description:        v.Description,
		ReuploadSimilarity: r.reuploadSimilarity(ctx, v.Title),
	})

	video := &domain.Video{
		PlatformVideoID: v.PlatformVideoID,
		SourceID:        sourceID,
		Title:           v.Title,
		Description:     v.Description,
		ViewCount:       v.ViewCount,
		DurationSeconds: v.DurationSeconds,
		PublishedAt:     v.PublishedAt,
		Status:          domain.VideoStatusDiscovered,
		MatchedTargets:  matched,
		ScanPriority:    breakdown.Total,
		SourceRisk:      breakdown.SourceRisk(),
		ItemRisk:        breakdown.ItemRisk(),
	}
	if v.HasStats {
		video.StatsRefreshedAt = now
	}

	inserted, err := r.videos.UpsertDiscovered(ctx, video)
	if err != nil {
		r.logger.Warn().Err(err).Str("platform_video_id", v.PlatformVideoID).Msg("Failed to upsert discovered video")

		return
	}

	if !inserted {
		return
	}

	st.run.ItemsFound++

	observability.DiscoveryItemsFound.WithLabelValues(phase).Inc()

	if len(matched) > 0 {
		st.run.ItemsMatched++

		observability.DiscoveryItemsMatched.Inc()

		r.logger.Info().
			Str("platform_video_id", v.PlatformVideoID).
			Strs("matched_targets", matched).
			Int("scan_priority", breakdown.Total).
			Str("priority_tier", breakdown.Tier).
			Msg("Matched video discovered")
	}
}

// sourceFor resolves the owning source for a found video. Channels enter
// tracking the first time one of their uploads matches a target; unmatched
// videos from unknown channels stay unattributed.
func (r *Runner) sourceFor(ctx context.Context, st *runState, v platformapi.Video, track bool) *domain.Source {
	if v.ChannelID == "" {
		return nil
	}

	if src, ok := st.sourceCache[v.ChannelID]; ok && (src != nil || !track) {
		return src
	}

	src, err := r.sources.GetSourceByChannelID(ctx, v.ChannelID)
	if err == nil {
		st.sourceCache[v.ChannelID] = src

		return src
	}

	if !apperrors.Is(err, apperrors.ErrSourceNotFound) {
		r.logger.Warn().Err(err).Str("platform_channel_id", v.ChannelID).Msg("Source lookup failed")

		return nil
	}

	if !track {
		st.sourceCache[v.ChannelID] = nil

		return nil
	}

	src = &domain.Source{PlatformChannelID: v.ChannelID, Title: v.ChannelTitle}
	if err := r.sources.UpsertSource(ctx, src); err != nil {
		r.logger.Warn().Err(err).Str("platform_channel_id", v.ChannelID).Msg("Failed to track new source")

		return nil
	}

	r.logger.Info().Str("platform_channel_id", v.ChannelID).Str("source_id", src.ID).Msg("Tracking new source")

	st.sourceCache[v.ChannelID] = src

	return src
}

// sourceRiskFor returns the raw 0-100 risk score of a video's source.
func (r *Runner) sourceRiskFor(ctx context.Context, st *runState, sourceID string) int {
	if sourceID == "" {
		return 0
	}

	if score, ok := st.riskCache[sourceID]; ok {
		return score
	}

	src, err := r.sources.GetSource(ctx, sourceID)
	if err != nil {
		r.logger.Debug().Err(err).Str("source_id", sourceID).Msg("Source risk lookup failed")

		return 0
	}

	st.riskCache[sourceID] = src.RiskScore

	return src.RiskScore
}

// reuploadSimilarity returns the best cosine similarity of the title against
// confirmed positives, zero when re-upload matching is disabled or fails.
func (r *Runner) reuploadSimilarity(ctx context.Context, title string) float64 {
	if r.embedder == nil || r.embeddings == nil {
		return 0
	}

	vector, err := r.embedder.GetEmbedding(ctx, title)
	if err != nil {
		r.logger.Debug().Err(err).Msg("Title embedding failed")

		return 0
	}

	similarity, err := r.embeddings.MaxSimilarityToConfirmed(ctx, vector)
	if err != nil {
		r.logger.Debug().Err(err).Msg("Similarity lookup failed")

		return 0
	}

	if similarity >= risk.ReuploadSimilarityThreshold {
		observability.ReuploadMatches.Inc()
	}

	return similarity
}

// quotaError records platform-side quota exhaustion. It ends spending for the
// rest of the run; the run itself still completes with partial results.
func (r *Runner) quotaError(st *runState, err error) bool {
	if !apperrors.Is(err, apperrors.ErrQuotaExhausted) {
		return false
	}

	if !st.quotaOut {
		st.quotaOut = true
		r.logger.Warn().Err(err).Msg("Platform quota exhausted, finishing run with partial results")
	}

	return true
}

func (r *Runner) fail(ctx context.Context, st *runState, err error) (*domain.DiscoveryRun, error) {
	st.run.Status = domain.RunStatusFailed
	st.run.Error = err.Error()
	st.run.FinishedAt = r.now()

	// The run record must survive cancellation, or it stays "running" forever.
	r.persist(context.WithoutCancel(ctx), st)

	observability.DiscoveryRuns.WithLabelValues(domain.RunStatusFailed).Inc()

	r.emit(st, StatusError, err.Error())

	return st.run, err
}

func (r *Runner) persist(ctx context.Context, st *runState) {
	if err := r.runs.UpdateRun(ctx, st.run); err != nil {
		r.logger.Warn().Err(err).Str("run_id", st.run.ID).Msg("Failed to persist run progress")
	}
}

func (r *Runner) emit(st *runState, status, message string) {
	event := Event{
		Status:  status,
		Message: message,
		Counts: Counts{
			QuotaUsed:      st.quotaUsed(),
			ItemsFound:     st.run.ItemsFound,
			ItemsMatched:   st.run.ItemsMatched,
			SourcesTouched: st.run.SourcesTouched,
		},
	}

	r.logger.Info().
		Str("run_id", st.run.ID).
		Str("status", status).
		Int("quota_used", event.Counts.QuotaUsed).
		Int("items_found", event.Counts.ItemsFound).
		Msg(message)

	if st.sink != nil {
		st.sink.Emit(event)
	}
}

// matchTargets returns the slugs of targets whose keywords appear in the
// normalized title or description.
func matchTargets(targets []domain.Target, title, description string) []string {
	text := title + " " + description

	var matched []string

	for _, target := range targets {
		for _, keyword := range target.Keywords {
			if textnorm.ContainsPhrase(text, keyword) {
				matched = append(matched, target.Slug)

				break
			}
		}
	}

	return matched
}

// snapshotVelocity derives views per hour from the delta against the previous
// snapshot. Without a prior snapshot there is no delta and velocity stays
// unknown.
func snapshotVelocity(video *domain.Video, viewCount int64, now time.Time) *float64 {
	if video.StatsRefreshedAt.IsZero() {
		return nil
	}

	hours := now.Sub(video.StatsRefreshedAt).Hours()
	if hours <= 0 {
		return video.ViewVelocity
	}

	delta := viewCount - video.ViewCount
	if delta < 0 {
		delta = 0
	}

	velocity := float64(delta) / hours

	return &velocity
}

func videoIDs(videos []platformapi.Video) []string {
	ids := make([]string, 0, len(videos))
	for _, v := range videos {
		ids = append(ids, v.PlatformVideoID)
	}

	return ids
}

func platformVideoIDs(videos []domain.Video) []string {
	ids := make([]string, 0, len(videos))
	for _, v := range videos {
		ids = append(ids, v.PlatformVideoID)
	}

	return ids
}

// withStats fills in statistics for a snippet-only listing result when the
// stats batch returned them.
func withStats(v platformapi.Video, stats map[string]platformapi.Stats) platformapi.Video {
	s, ok := stats[v.PlatformVideoID]
	if !ok {
		return v
	}

	v.ViewCount = s.ViewCount
	v.DurationSeconds = s.DurationSeconds
	v.HasStats = true

	return v
}
