package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scanward/scanward/internal/core/domain"
	apperrors "github.com/scanward/scanward/internal/core/errors"
	"github.com/scanward/scanward/internal/platform/schedule"
)

// Store is a thread-safe in-memory implementation of the repository ports.
type Store struct {
	mu sync.Mutex

	videos   map[string]*domain.Video
	attempts map[string]*domain.AnalysisAttempt
	sources  map[string]*domain.Source
	ledger   map[string]*domain.SpendLedger
	runs     map[string]*domain.DiscoveryRun
	targets  map[string]*domain.Target

	embeddings   map[string][]float32
	confirmedSim float64

	nextVideoID   int
	nextAttemptID int

	now func() time.Time

	// ChargeErr, when set, is returned by Charge to simulate ledger failures.
	ChargeErr error
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		videos:     make(map[string]*domain.Video),
		attempts:   make(map[string]*domain.AnalysisAttempt),
		sources:    make(map[string]*domain.Source),
		ledger:     make(map[string]*domain.SpendLedger),
		runs:       make(map[string]*domain.DiscoveryRun),
		targets:    make(map[string]*domain.Target),
		embeddings: make(map[string][]float32),
		now:        time.Now,
	}
}

// SetNow pins the store clock for deterministic day bucketing and reaping.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
}

// AddVideo seeds a video directly, assigning an ID when absent.
func (s *Store) AddVideo(video *domain.Video) *domain.Video {
	s.mu.Lock()
	defer s.mu.Unlock()

	if video.ID == "" {
		s.nextVideoID++
		video.ID = fmt.Sprintf("vid-%d", s.nextVideoID)
	}

	c := *video
	s.videos[video.ID] = &c

	return video
}

// AddSource seeds a source directly.
func (s *Store) AddSource(source *domain.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *source
	s.sources[source.ID] = &c
}

// AddTarget seeds a tracked target directly.
func (s *Store) AddTarget(target domain.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := target
	s.targets[target.Slug] = &c
}

// SeedSpend records spend for the given UTC day directly.
func (s *Store) SeedSpend(day time.Time, usedUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := schedule.UTCDay(day).Format(time.DateOnly)
	s.ledger[key] = &domain.SpendLedger{Day: schedule.UTCDay(day), UsedUSD: usedUSD}
}

// SetConfirmedSimilarity pins the value MaxSimilarityToConfirmed returns.
func (s *Store) SetConfirmedSimilarity(sim float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.confirmedSim = sim
}

// Video returns a copy of the stored video, nil when absent.
func (s *Store) Video(id string) *domain.Video {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return nil
	}

	c := *v

	return &c
}

// Attempts returns copies of all attempts, oldest first.
func (s *Store) Attempts() []domain.AnalysisAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.AnalysisAttempt, 0, len(s.attempts))
	for _, a := range s.attempts {
		out = append(out, *a)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Source returns a copy of the stored source, nil when absent.
func (s *Store) Source(id string) *domain.Source {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[id]
	if !ok {
		return nil
	}

	c := *src

	return &c
}

// UpsertDiscovered implements ports.VideoRepository.
func (s *Store) UpsertDiscovered(_ context.Context, video *domain.Video) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.videos {
		if existing.PlatformVideoID == video.PlatformVideoID {
			return false, nil
		}
	}

	if video.ID == "" {
		s.nextVideoID++
		video.ID = fmt.Sprintf("vid-%d", s.nextVideoID)
	}

	if video.Status == "" {
		video.Status = domain.VideoStatusDiscovered
	}

	c := *video
	s.videos[video.ID] = &c

	return true, nil
}

// NextBatch implements ports.VideoRepository.
func (s *Store) NextBatch(_ context.Context, minPriority, limit int) ([]domain.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Video

	for _, v := range s.videos {
		if v.Status == domain.VideoStatusDiscovered && v.ScanPriority >= minPriority {
			out = append(out, *v)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ScanPriority != out[j].ScanPriority {
			return out[i].ScanPriority > out[j].ScanPriority
		}

		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// GetVideo implements ports.VideoRepository.
func (s *Store) GetVideo(_ context.Context, id string) (*domain.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return nil, apperrors.ErrVideoNotFound
	}

	c := *v

	return &c, nil
}

// CountBacklog implements ports.VideoRepository.
func (s *Store) CountBacklog(_ context.Context, minPriority int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0

	for _, v := range s.videos {
		if v.Status == domain.VideoStatusDiscovered && v.ScanPriority >= minPriority {
			count++
		}
	}

	return count, nil
}

// OldestBacklogAge implements ports.VideoRepository.
func (s *Store) OldestBacklogAge(_ context.Context, now time.Time) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest time.Time

	for _, v := range s.videos {
		if v.Status != domain.VideoStatusDiscovered {
			continue
		}

		if oldest.IsZero() || v.DiscoveredAt.Before(oldest) {
			oldest = v.DiscoveredAt
		}
	}

	if oldest.IsZero() {
		return 0, nil
	}

	return now.Sub(oldest), nil
}

// ListStatsStale implements ports.VideoRepository.
func (s *Store) ListStatsStale(_ context.Context, cutoff time.Time, limit int) ([]domain.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Video

	for _, v := range s.videos {
		if v.Status == domain.VideoStatusDiscovered && v.StatsRefreshedAt.Before(cutoff) {
			out = append(out, *v)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StatsRefreshedAt.Before(out[j].StatsRefreshedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// UpdateStats implements ports.VideoRepository.
func (s *Store) UpdateStats(_ context.Context, id string, viewCount int64, velocity *float64, durationSeconds, scanPriority int, refreshedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return apperrors.ErrVideoNotFound
	}

	v.ViewCount = viewCount
	v.ViewVelocity = velocity
	v.DurationSeconds = durationSeconds
	v.ScanPriority = scanPriority
	v.StatsRefreshedAt = refreshedAt

	return nil
}

// MarkAnalyzed implements ports.VideoRepository.
func (s *Store) MarkAnalyzed(_ context.Context, id, verdict string, confidence float32, entities []string, analyzedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return apperrors.ErrVideoNotFound
	}

	v.Status = domain.VideoStatusAnalyzed
	v.Verdict = verdict
	v.Confidence = confidence
	v.DetectedEntities = entities
	v.AnalyzedAt = analyzedAt

	return nil
}

// MarkInaccessible implements ports.VideoRepository.
func (s *Store) MarkInaccessible(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return apperrors.ErrVideoNotFound
	}

	v.Status = domain.VideoStatusInaccessible

	return nil
}

// ReleaseFailed implements ports.VideoRepository.
func (s *Store) ReleaseFailed(_ context.Context, id string, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return apperrors.ErrVideoNotFound
	}

	if v.AttemptCount >= maxAttempts {
		v.Status = domain.VideoStatusFailed
	} else {
		v.Status = domain.VideoStatusDiscovered
	}

	return nil
}

// ClaimForAnalysis implements ports.AttemptRepository.
func (s *Store) ClaimForAnalysis(_ context.Context, videoID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[videoID]
	if !ok {
		return "", apperrors.ErrVideoNotFound
	}

	if v.Status != domain.VideoStatusDiscovered {
		return "", apperrors.ErrDuplicateScanInProgress
	}

	for _, a := range s.attempts {
		if a.VideoID == videoID && a.Status == domain.AttemptStatusRunning {
			return "", apperrors.ErrDuplicateScanInProgress
		}
	}

	v.Status = domain.VideoStatusProcessing
	v.AttemptCount++

	s.nextAttemptID++
	id := fmt.Sprintf("attempt-%d", s.nextAttemptID)
	s.attempts[id] = &domain.AnalysisAttempt{
		ID:        id,
		VideoID:   videoID,
		Status:    domain.AttemptStatusRunning,
		StartedAt: s.now(),
	}

	return id, nil
}

// FinishAttempt implements ports.AttemptRepository.
func (s *Store) FinishAttempt(_ context.Context, attemptID, status, errorKind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[attemptID]
	if !ok {
		return apperrors.ErrNotFound
	}

	a.Status = status
	a.ErrorKind = errorKind
	a.FinishedAt = s.now()

	return nil
}

// CountRunningAttempts implements ports.AttemptRepository.
func (s *Store) CountRunningAttempts(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0

	for _, a := range s.attempts {
		if a.Status == domain.AttemptStatusRunning {
			count++
		}
	}

	return count, nil
}

// ReapStuck implements ports.AttemptRepository.
func (s *Store) ReapStuck(_ context.Context, threshold time.Duration, errorKind string, maxAttempts int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-threshold)

	var reaped int64

	for _, a := range s.attempts {
		if a.Status != domain.AttemptStatusRunning || !a.StartedAt.Before(cutoff) {
			continue
		}

		a.Status = domain.AttemptStatusFailed
		a.ErrorKind = errorKind
		a.FinishedAt = s.now()

		if v, ok := s.videos[a.VideoID]; ok {
			if v.AttemptCount >= maxAttempts {
				v.Status = domain.VideoStatusFailed
			} else {
				v.Status = domain.VideoStatusDiscovered
			}
		}

		reaped++
	}

	return reaped, nil
}

// UpsertSource implements ports.SourceRepository.
func (s *Store) UpsertSource(_ context.Context, source *domain.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sources {
		if existing.PlatformChannelID == source.PlatformChannelID {
			existing.Title = source.Title
			if source.FeedURL != "" {
				existing.FeedURL = source.FeedURL
			}

			source.ID = existing.ID

			return nil
		}
	}

	if source.ID == "" {
		source.ID = fmt.Sprintf("src-%d", len(s.sources)+1)
	}

	c := *source
	s.sources[source.ID] = &c

	return nil
}

// GetSource implements ports.SourceRepository.
func (s *Store) GetSource(_ context.Context, id string) (*domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[id]
	if !ok {
		return nil, apperrors.ErrSourceNotFound
	}

	c := *src

	return &c, nil
}

// GetSourceByChannelID implements ports.SourceRepository.
func (s *Store) GetSourceByChannelID(_ context.Context, platformChannelID string) (*domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, src := range s.sources {
		if src.PlatformChannelID == platformChannelID {
			c := *src
			return &c, nil
		}
	}

	return nil, apperrors.ErrSourceNotFound
}

// ListDue implements ports.SourceRepository.
func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Source

	for _, src := range s.sources {
		if !src.NextScanAt.After(now) {
			out = append(out, *src)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// CountDue implements ports.SourceRepository.
func (s *Store) CountDue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0

	for _, src := range s.sources {
		if !src.NextScanAt.After(now) {
			count++
		}
	}

	return count, nil
}

// ListWithFeeds implements ports.SourceRepository.
func (s *Store) ListWithFeeds(_ context.Context, limit int) ([]domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Source

	for _, src := range s.sources {
		if src.FeedURL != "" {
			out = append(out, *src)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// MarkScanned implements ports.SourceRepository.
func (s *Store) MarkScanned(_ context.Context, id string, scannedAt, nextScanAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[id]
	if !ok {
		return apperrors.ErrSourceNotFound
	}

	src.LastScannedAt = scannedAt
	src.NextScanAt = nextScanAt

	return nil
}

// ApplyScanOutcome implements ports.SourceRepository.
func (s *Store) ApplyScanOutcome(_ context.Context, id string, confirmedDelta, clearedDelta int) (*domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[id]
	if !ok {
		return nil, apperrors.ErrSourceNotFound
	}

	src.TotalScanned += confirmedDelta + clearedDelta
	src.ConfirmedPositive += confirmedDelta
	src.Cleared += clearedDelta

	if src.TotalScanned > 0 {
		src.InfringementRate = float64(src.ConfirmedPositive) / float64(src.TotalScanned)
	}

	c := *src

	return &c, nil
}

// UpdateTier implements ports.SourceRepository.
func (s *Store) UpdateTier(_ context.Context, id string, riskScore int, tier string, nextScanAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[id]
	if !ok {
		return apperrors.ErrSourceNotFound
	}

	src.RiskScore = riskScore
	src.Tier = tier
	src.NextScanAt = nextScanAt

	return nil
}

// GetDay implements ports.LedgerRepository.
func (s *Store) GetDay(_ context.Context, day time.Time) (*domain.SpendLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := schedule.UTCDay(day).Format(time.DateOnly)
	if row, ok := s.ledger[key]; ok {
		c := *row
		return &c, nil
	}

	return &domain.SpendLedger{Day: schedule.UTCDay(day)}, nil
}

// Charge implements ports.LedgerRepository.
func (s *Store) Charge(_ context.Context, amountUSD float64, requests, inputUnits, outputUnits int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ChargeErr != nil {
		return s.ChargeErr
	}

	day := schedule.UTCDay(s.now())
	key := day.Format(time.DateOnly)

	row, ok := s.ledger[key]
	if !ok {
		row = &domain.SpendLedger{Day: day}
		s.ledger[key] = row
	}

	row.UsedUSD += amountUSD
	row.TotalRequests += requests
	row.TotalInputUnits += inputUnits
	row.TotalOutputUnits += outputUnits

	return nil
}

// CreateRun implements ports.RunRepository.
func (s *Store) CreateRun(_ context.Context, run *domain.DiscoveryRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = fmt.Sprintf("run-%d", len(s.runs)+1)
	}

	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}

	c := *run
	s.runs[run.ID] = &c

	return nil
}

// UpdateRun implements ports.RunRepository.
func (s *Store) UpdateRun(_ context.Context, run *domain.DiscoveryRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return apperrors.ErrRunNotFound
	}

	c := *run
	s.runs[run.ID] = &c

	return nil
}

// GetRun implements ports.RunRepository.
func (s *Store) GetRun(_ context.Context, id string) (*domain.DiscoveryRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, apperrors.ErrRunNotFound
	}

	c := *run

	return &c, nil
}

// ListRecentRuns implements ports.RunRepository.
func (s *Store) ListRecentRuns(_ context.Context, limit int) ([]domain.DiscoveryRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DiscoveryRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, *run)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// ListActiveTargets implements ports.TargetRepository.
func (s *Store) ListActiveTargets(_ context.Context) ([]domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Target

	for _, t := range s.targets {
		if t.Active {
			out = append(out, *t)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })

	return out, nil
}

// UpsertTarget implements ports.TargetRepository.
func (s *Store) UpsertTarget(_ context.Context, target *domain.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *target
	s.targets[target.Slug] = &c

	return nil
}

// VideoEmbedding returns the stored title embedding, nil when absent.
func (s *Store) VideoEmbedding(videoID string) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.embeddings[videoID]
}

// SaveVideoEmbedding implements ports.EmbeddingRepository.
func (s *Store) SaveVideoEmbedding(_ context.Context, videoID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.embeddings[videoID] = embedding

	return nil
}

// MaxSimilarityToConfirmed implements ports.EmbeddingRepository.
func (s *Store) MaxSimilarityToConfirmed(_ context.Context, _ []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.confirmedSim, nil
}
