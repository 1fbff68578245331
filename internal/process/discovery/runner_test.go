package discovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanward/scanward/internal/core/domain"
	apperrors "github.com/scanward/scanward/internal/core/errors"
	"github.com/scanward/scanward/internal/core/ports/mocks"
	"github.com/scanward/scanward/internal/platform/platformapi"
)

type fakePlatform struct {
	channelUploadsFn func(ctx context.Context, channelID string, publishedAfter time.Time, maxResults int) ([]platformapi.Video, error)
	trendingFn       func(ctx context.Context, region string, maxResults int) ([]platformapi.Video, error)
	searchFn         func(ctx context.Context, query string, publishedAfter time.Time, maxResults int) ([]platformapi.Video, error)
	videoStatsFn     func(ctx context.Context, ids []string) ([]platformapi.Stats, error)

	uploadCalls int
	trendCalls  int
	searchCalls int
	statsCalls  int
}

func (f *fakePlatform) ChannelUploads(ctx context.Context, channelID string, publishedAfter time.Time, maxResults int) ([]platformapi.Video, error) {
	f.uploadCalls++

	if f.channelUploadsFn == nil {
		return nil, nil
	}

	return f.channelUploadsFn(ctx, channelID, publishedAfter, maxResults)
}

func (f *fakePlatform) Trending(ctx context.Context, region string, maxResults int) ([]platformapi.Video, error) {
	f.trendCalls++

	if f.trendingFn == nil {
		return nil, nil
	}

	return f.trendingFn(ctx, region, maxResults)
}

func (f *fakePlatform) Search(ctx context.Context, query string, publishedAfter time.Time, maxResults int) ([]platformapi.Video, error) {
	f.searchCalls++

	if f.searchFn == nil {
		return nil, nil
	}

	return f.searchFn(ctx, query, publishedAfter, maxResults)
}

func (f *fakePlatform) VideoStats(ctx context.Context, ids []string) ([]platformapi.Stats, error) {
	f.statsCalls++

	if f.videoStatsFn == nil {
		return nil, nil
	}

	return f.videoStatsFn(ctx, ids)
}

// captureSink records the emitted event sequence.
type captureSink struct {
	events []Event
}

func (c *captureSink) Emit(event Event) {
	c.events = append(c.events, event)
}

func (c *captureSink) statuses() []string {
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Status)
	}

	return out
}

func newTestRunner(platform platformClient, store *mocks.Store, regions []string) *Runner {
	logger := zerolog.Nop()

	return NewRunner(platform, store, store, store, store, regions, &logger)
}

func findByPlatformID(t *testing.T, store *mocks.Store, platformVideoID string) *domain.Video {
	t.Helper()

	videos, err := store.NextBatch(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("list videos: %v", err)
	}

	for i := range videos {
		if videos[i].PlatformVideoID == platformVideoID {
			return &videos[i]
		}
	}

	return nil
}

func TestRun_FullCycle(t *testing.T) {
	store := mocks.NewStore()
	store.AddTarget(domain.Target{
		Slug:     "midnight-harbor",
		Title:    "Midnight Harbor",
		Keywords: []string{"midnight harbor"},
		Active:   true,
	})
	store.AddSource(&domain.Source{
		ID:                "src-1",
		PlatformChannelID: "UC-tracked",
		Title:             "Tracked Channel",
		Tier:              domain.TierMedium,
		RiskScore:         60,
	})

	now := time.Now()

	platform := &fakePlatform{
		channelUploadsFn: func(_ context.Context, channelID string, _ time.Time, _ int) ([]platformapi.Video, error) {
			if channelID != "UC-tracked" {
				return nil, fmt.Errorf("unexpected channel %s", channelID)
			}

			return []platformapi.Video{{
				PlatformVideoID: "up-1",
				ChannelID:       "UC-tracked",
				Title:           "Midnight Harbor cam rip",
				PublishedAt:     now.Add(-2 * time.Hour),
			}}, nil
		},
		trendingFn: func(_ context.Context, _ string, _ int) ([]platformapi.Video, error) {
			return []platformapi.Video{
				{
					PlatformVideoID: "tr-1",
					ChannelID:       "UC-trend",
					Title:           "Midnight Harbor FULL MOVIE 2026",
					ViewCount:       50000,
					DurationSeconds: 5400,
					PublishedAt:     now.Add(-24 * time.Hour),
					HasStats:        true,
				},
				{
					PlatformVideoID: "tr-2",
					ChannelID:       "UC-cats",
					Title:           "Cat compilation",
					ViewCount:       900,
					DurationSeconds: 120,
					PublishedAt:     now.Add(-48 * time.Hour),
					HasStats:        true,
				},
			}, nil
		},
		searchFn: func(_ context.Context, query string, _ time.Time, _ int) ([]platformapi.Video, error) {
			if query != "midnight harbor" {
				return nil, fmt.Errorf("unexpected query %q", query)
			}

			return []platformapi.Video{{
				PlatformVideoID: "se-1",
				ChannelID:       "UC-search",
				Title:           "midnight harbor free stream",
				PublishedAt:     now.Add(-3 * time.Hour),
			}}, nil
		},
		videoStatsFn: func(_ context.Context, ids []string) ([]platformapi.Stats, error) {
			out := make([]platformapi.Stats, 0, len(ids))
			for _, id := range ids {
				out = append(out, platformapi.Stats{PlatformVideoID: id, ViewCount: 12000, DurationSeconds: 4800})
			}

			return out, nil
		},
	}

	runner := newTestRunner(platform, store, []string{"US"})
	sink := &captureSink{}

	run, err := runner.Run(context.Background(), 1000, sink)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if run.Status != domain.RunStatusCompleted {
		t.Errorf("run status: got %q, want %q", run.Status, domain.RunStatusCompleted)
	}

	if run.FinishedAt.IsZero() {
		t.Error("expected FinishedAt to be set")
	}

	// One uploads list plus one stats batch.
	if run.SourceTrackingUsed != 2 {
		t.Errorf("source tracking quota: got %d, want 2", run.SourceTrackingUsed)
	}

	if run.TrendScanUsed != platformapi.CostList {
		t.Errorf("trend scan quota: got %d, want %d", run.TrendScanUsed, platformapi.CostList)
	}

	// One search plus one stats batch for its results.
	if want := platformapi.CostSearch + platformapi.CostList; run.KeywordSearchUsed != want {
		t.Errorf("keyword search quota: got %d, want %d", run.KeywordSearchUsed, want)
	}

	// Everything ingested this run already carries fresh stats.
	if run.RefreshUsed != 0 {
		t.Errorf("refresh quota: got %d, want 0", run.RefreshUsed)
	}

	if run.ItemsFound != 4 {
		t.Errorf("items found: got %d, want 4", run.ItemsFound)
	}

	if run.ItemsMatched != 3 {
		t.Errorf("items matched: got %d, want 3", run.ItemsMatched)
	}

	if run.SourcesTouched != 1 {
		t.Errorf("sources touched: got %d, want 1", run.SourcesTouched)
	}

	if run.KeywordPhaseSkipped {
		t.Error("keyword phase should not be skipped at this quota")
	}

	wantStatuses := []string{StatusStarting, StatusPhase1, StatusPhase2, StatusPhase3, StatusPhase4, StatusComplete}
	gotStatuses := sink.statuses()

	if len(gotStatuses) != len(wantStatuses) {
		t.Fatalf("event count: got %d (%v), want %d", len(gotStatuses), gotStatuses, len(wantStatuses))
	}

	for i, want := range wantStatuses {
		if gotStatuses[i] != want {
			t.Errorf("event[%d]: got %q, want %q", i, gotStatuses[i], want)
		}
	}

	final := sink.events[len(sink.events)-1]
	if final.Counts.QuotaUsed != 44 {
		t.Errorf("final quota used: got %d, want 44", final.Counts.QuotaUsed)
	}

	if final.Counts.ItemsFound != 4 {
		t.Errorf("final items found: got %d, want 4", final.Counts.ItemsFound)
	}

	matched := findByPlatformID(t, store, "tr-1")
	if matched == nil {
		t.Fatal("expected trending video tr-1 to be stored")
	}

	if len(matched.MatchedTargets) != 1 || matched.MatchedTargets[0] != "midnight-harbor" {
		t.Errorf("matched targets: got %v, want [midnight-harbor]", matched.MatchedTargets)
	}

	if matched.ScanPriority <= 0 {
		t.Errorf("matched video priority: got %d, want > 0", matched.ScanPriority)
	}

	unmatched := findByPlatformID(t, store, "tr-2")
	if unmatched == nil {
		t.Fatal("expected trending video tr-2 to be stored")
	}

	if len(unmatched.MatchedTargets) != 0 {
		t.Errorf("unmatched targets: got %v, want none", unmatched.MatchedTargets)
	}

	upload := findByPlatformID(t, store, "up-1")
	if upload == nil {
		t.Fatal("expected channel upload up-1 to be stored")
	}

	if upload.SourceID != "src-1" {
		t.Errorf("upload source: got %q, want src-1", upload.SourceID)
	}

	if upload.ViewCount != 12000 {
		t.Errorf("upload view count: got %d, want 12000", upload.ViewCount)
	}

	src := store.Source("src-1")
	if src.LastScannedAt.IsZero() {
		t.Error("expected tracked source to be marked scanned")
	}

	if !src.NextScanAt.After(now) {
		t.Errorf("next scan at: got %v, want after %v", src.NextScanAt, now)
	}

	stored, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}

	if stored.Status != domain.RunStatusCompleted {
		t.Errorf("persisted run status: got %q, want %q", stored.Status, domain.RunStatusCompleted)
	}
}

func TestRun_KeywordPhaseSkippedBelowFloor(t *testing.T) {
	store := mocks.NewStore()
	store.AddTarget(domain.Target{
		Slug:     "midnight-harbor",
		Keywords: []string{"midnight harbor"},
		Active:   true,
	})

	platform := &fakePlatform{}
	runner := newTestRunner(platform, store, nil)
	sink := &captureSink{}

	run, err := runner.Run(context.Background(), 300, sink)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if !run.KeywordPhaseSkipped {
		t.Error("expected keyword phase to be skipped at quota 300")
	}

	if platform.searchCalls != 0 {
		t.Errorf("search calls: got %d, want 0", platform.searchCalls)
	}

	if run.Status != domain.RunStatusCompleted {
		t.Errorf("run status: got %q, want %q", run.Status, domain.RunStatusCompleted)
	}

	// The skip still produces its phase event so consumers see a stable
	// sequence.
	gotStatuses := sink.statuses()
	if len(gotStatuses) != 6 || gotStatuses[3] != StatusPhase3 {
		t.Fatalf("event statuses: got %v", gotStatuses)
	}
}

func TestRun_KeywordAllotmentCapsSearches(t *testing.T) {
	store := mocks.NewStore()
	store.AddTarget(domain.Target{
		Slug:     "midnight-harbor",
		Keywords: []string{"midnight harbor", "harbor leak", "harbor rip"},
		Active:   true,
	})

	platform := &fakePlatform{
		searchFn: func(_ context.Context, _ string, _ time.Time, _ int) ([]platformapi.Video, error) {
			return nil, nil
		},
	}

	runner := newTestRunner(platform, store, nil)

	// 10% of 410 affords exactly one search call at cost 40.
	run, err := runner.Run(context.Background(), 410, nil)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if platform.searchCalls != 1 {
		t.Errorf("search calls: got %d, want 1", platform.searchCalls)
	}

	if run.KeywordSearchUsed != platformapi.CostSearch {
		t.Errorf("keyword quota: got %d, want %d", run.KeywordSearchUsed, platformapi.CostSearch)
	}

	if run.KeywordPhaseSkipped {
		t.Error("phase above the floor must not be flagged as skipped")
	}
}

func TestRun_PlatformQuotaExhaustionIsEarlyCompletion(t *testing.T) {
	store := mocks.NewStore()
	store.AddSource(&domain.Source{ID: "src-1", PlatformChannelID: "UC-a", Tier: domain.TierHigh})
	store.AddSource(&domain.Source{ID: "src-2", PlatformChannelID: "UC-b", Tier: domain.TierHigh})

	platform := &fakePlatform{
		channelUploadsFn: func(_ context.Context, _ string, _ time.Time, _ int) ([]platformapi.Video, error) {
			return nil, fmt.Errorf("list uploads: %w", apperrors.ErrQuotaExhausted)
		},
	}

	runner := newTestRunner(platform, store, []string{"US", "GB"})
	sink := &captureSink{}

	run, err := runner.Run(context.Background(), 1000, sink)
	if err != nil {
		t.Fatalf("quota exhaustion must not fail the run: %v", err)
	}

	if run.Status != domain.RunStatusCompleted {
		t.Errorf("run status: got %q, want %q", run.Status, domain.RunStatusCompleted)
	}

	if platform.uploadCalls != 1 {
		t.Errorf("upload calls: got %d, want 1", platform.uploadCalls)
	}

	// Exhaustion stops all later spending.
	if platform.trendCalls != 0 || platform.searchCalls != 0 || platform.statsCalls != 0 {
		t.Errorf("calls after exhaustion: trend=%d search=%d stats=%d, want all 0",
			platform.trendCalls, platform.searchCalls, platform.statsCalls)
	}

	gotStatuses := sink.statuses()
	if len(gotStatuses) != 6 || gotStatuses[5] != StatusComplete {
		t.Fatalf("event statuses: got %v", gotStatuses)
	}
}

func TestRun_TracksNewSourceOnMatch(t *testing.T) {
	store := mocks.NewStore()
	store.AddTarget(domain.Target{
		Slug:     "midnight-harbor",
		Keywords: []string{"midnight harbor"},
		Active:   true,
	})

	platform := &fakePlatform{
		trendingFn: func(_ context.Context, _ string, _ int) ([]platformapi.Video, error) {
			return []platformapi.Video{
				{
					PlatformVideoID: "tr-1",
					ChannelID:       "UC-pirate",
					ChannelTitle:    "Pirate Uploads",
					Title:           "Midnight Harbor full movie",
					ViewCount:       3000,
					HasStats:        true,
				},
				{
					PlatformVideoID: "tr-2",
					ChannelID:       "UC-innocent",
					ChannelTitle:    "Innocent Vlogs",
					Title:           "My morning routine",
					ViewCount:       500,
					HasStats:        true,
				},
			}, nil
		},
	}

	runner := newTestRunner(platform, store, []string{"US"})

	if _, err := runner.Run(context.Background(), 1000, nil); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	src, err := store.GetSourceByChannelID(context.Background(), "UC-pirate")
	if err != nil {
		t.Fatalf("matched channel should be tracked: %v", err)
	}

	if src.Title != "Pirate Uploads" {
		t.Errorf("source title: got %q, want %q", src.Title, "Pirate Uploads")
	}

	matched := findByPlatformID(t, store, "tr-1")
	if matched == nil {
		t.Fatal("expected tr-1 to be stored")
	}

	if matched.SourceID != src.ID {
		t.Errorf("matched video source: got %q, want %q", matched.SourceID, src.ID)
	}

	if _, err := store.GetSourceByChannelID(context.Background(), "UC-innocent"); !errors.Is(err, apperrors.ErrSourceNotFound) {
		t.Errorf("unmatched channel lookup: got %v, want ErrSourceNotFound", err)
	}
}

func TestRun_RefreshDerivesVelocityAndMarksVanished(t *testing.T) {
	store := mocks.NewStore()

	now := time.Now()

	store.AddVideo(&domain.Video{
		ID:               "vid-old",
		PlatformVideoID:  "pv-old",
		Title:            "Old backlog video",
		Status:           domain.VideoStatusDiscovered,
		ViewCount:        1000,
		StatsRefreshedAt: now.Add(-24 * time.Hour),
		PublishedAt:      now.Add(-72 * time.Hour),
	})
	store.AddVideo(&domain.Video{
		ID:              "vid-gone",
		PlatformVideoID: "pv-gone",
		Title:           "Deleted upstream",
		Status:          domain.VideoStatusDiscovered,
		PublishedAt:     now.Add(-96 * time.Hour),
	})

	platform := &fakePlatform{
		videoStatsFn: func(_ context.Context, ids []string) ([]platformapi.Stats, error) {
			for _, id := range ids {
				if id == "pv-old" {
					return []platformapi.Stats{{PlatformVideoID: "pv-old", ViewCount: 25000, DurationSeconds: 3600}}, nil
				}
			}

			return nil, nil
		},
	}

	runner := newTestRunner(platform, store, nil)
	runner.now = func() time.Time { return now }

	run, err := runner.Run(context.Background(), 1000, nil)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if run.RefreshUsed != platformapi.CostList {
		t.Errorf("refresh quota: got %d, want %d", run.RefreshUsed, platformapi.CostList)
	}

	refreshed := store.Video("vid-old")
	if refreshed.ViewVelocity == nil {
		t.Fatal("expected velocity after second snapshot")
	}

	// 24000 new views over 24 hours.
	if math.Abs(*refreshed.ViewVelocity-1000) > 0.01 {
		t.Errorf("velocity: got %f, want 1000", *refreshed.ViewVelocity)
	}

	if refreshed.ViewCount != 25000 {
		t.Errorf("view count: got %d, want 25000", refreshed.ViewCount)
	}

	if refreshed.ScanPriority <= 0 {
		t.Errorf("refreshed priority: got %d, want > 0", refreshed.ScanPriority)
	}

	gone := store.Video("vid-gone")
	if gone.Status != domain.VideoStatusInaccessible {
		t.Errorf("vanished video status: got %q, want %q", gone.Status, domain.VideoStatusInaccessible)
	}
}

type failingTargets struct{}

func (failingTargets) ListActiveTargets(context.Context) ([]domain.Target, error) {
	return nil, errors.New("targets unavailable")
}

func (failingTargets) UpsertTarget(context.Context, *domain.Target) error {
	return nil
}

func TestRun_StorageFailureFailsRun(t *testing.T) {
	store := mocks.NewStore()
	logger := zerolog.Nop()
	runner := NewRunner(&fakePlatform{}, store, store, store, failingTargets{}, nil, &logger)
	sink := &captureSink{}

	run, err := runner.Run(context.Background(), 1000, sink)
	if err == nil {
		t.Fatal("expected error from failing target listing")
	}

	if run.Status != domain.RunStatusFailed {
		t.Errorf("run status: got %q, want %q", run.Status, domain.RunStatusFailed)
	}

	if run.Error == "" {
		t.Error("expected run error message to be recorded")
	}

	gotStatuses := sink.statuses()
	if len(gotStatuses) != 2 || gotStatuses[1] != StatusError {
		t.Fatalf("event statuses: got %v", gotStatuses)
	}

	stored, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}

	if stored.Status != domain.RunStatusFailed {
		t.Errorf("persisted status: got %q, want %q", stored.Status, domain.RunStatusFailed)
	}
}

func TestSnapshotVelocity(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		video     domain.Video
		viewCount int64
		want      *float64
	}{
		{
			name:      "no prior snapshot",
			video:     domain.Video{ViewCount: 100},
			viewCount: 500,
			want:      nil,
		},
		{
			name: "positive delta",
			video: domain.Video{
				ViewCount:        1000,
				StatsRefreshedAt: now.Add(-2 * time.Hour),
			},
			viewCount: 1600,
			want:      floatPtr(300),
		},
		{
			name: "count corrected downward clamps to zero",
			video: domain.Video{
				ViewCount:        5000,
				StatsRefreshedAt: now.Add(-1 * time.Hour),
			},
			viewCount: 4000,
			want:      floatPtr(0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := snapshotVelocity(&tt.video, tt.viewCount, now)

			if (got == nil) != (tt.want == nil) {
				t.Fatalf("velocity: got %v, want %v", got, tt.want)
			}

			if got != nil && math.Abs(*got-*tt.want) > 0.01 {
				t.Errorf("velocity: got %f, want %f", *got, *tt.want)
			}
		})
	}
}

func floatPtr(v float64) *float64 {
	return &v
}
